// Package mission sequences one hunt: resolve scope, scan a bounded set of
// targets in batches, then record and submit every new finding as soon as its
// batch completes.
package mission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/config"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/core"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/findings"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/logger"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/orchestrator"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/progress"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/session"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/submission"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/hunterr"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

// ScopeResolver is satisfied by *scope.Resolver.
type ScopeResolver interface {
	ResolveScope(ctx context.Context, program types.Program) (*types.Scope, error)
}

type Option func(*Runner)

// WithLedger makes deduplication span earlier runs.
func WithLedger(l core.Ledger) Option {
	return func(r *Runner) { r.ledger = l }
}

func WithTelemetry(t core.Telemetry) Option {
	return func(r *Runner) { r.telemetry = t }
}

func WithProgress(t *progress.Tracker) Option {
	return func(r *Runner) { r.tracker = t }
}

func WithCheckLimiter(l *ratelimit.Limiter) Option {
	return func(r *Runner) { r.checkLimiter = l }
}

func WithSubmissionLimiter(l *ratelimit.Limiter) Option {
	return func(r *Runner) { r.submitLimiter = l }
}

// WithSessionGuard shares the scope resolver's session guard with submission,
// for platforms whose client is also the authenticated session.
func WithSessionGuard(g *session.Guard) Option {
	return func(r *Runner) { r.guard = g }
}

type Runner struct {
	resolver      ScopeResolver
	registry      *orchestrator.Registry
	platform      core.Platform
	ledger        core.Ledger
	logger        *logger.Logger
	telemetry     core.Telemetry
	tracker       *progress.Tracker
	checkLimiter  *ratelimit.Limiter
	submitLimiter *ratelimit.Limiter
	guard         *session.Guard
}

func NewRunner(resolver ScopeResolver, registry *orchestrator.Registry, platform core.Platform, log *logger.Logger, opts ...Option) *Runner {
	r := &Runner{
		resolver:      resolver,
		registry:      registry,
		platform:      platform,
		logger:        log.WithComponent("mission-runner"),
		telemetry:     telemetry.Noop(),
		checkLimiter:  ratelimit.NewLimiter(ratelimit.DefaultConfig()),
		submitLimiter: ratelimit.NewLimiter(ratelimit.SubmissionConfig()),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// run is the state of one mission.
type run struct {
	*Runner
	cfg         config.MissionConfig
	log         *logger.Logger
	store       *findings.Store
	manager     *submission.Manager
	minSeverity types.Severity
	result      types.MissionResult
}

// RunMission executes one hunt cycle against program. It never returns an
// error: stage failures, including fatal ones and panics raised by
// capabilities, are reported in the result.
func (r *Runner) RunMission(ctx context.Context, program types.Program, cfg config.MissionConfig) (result types.MissionResult) {
	const op = "mission.RunMission"
	missionID := uuid.NewString()
	log := r.logger.WithMission(missionID).WithFields("program", program)

	m := &run{
		Runner:      r,
		cfg:         cfg,
		log:         log,
		store:       findings.NewStore(r.ledger, log),
		minSeverity: types.SeverityInfo,
		result: types.MissionResult{
			MissionID: missionID,
			Program:   program,
			StartedAt: time.Now().UTC(),
		},
	}
	if cfg.MinSeverity != "" {
		if sev, err := types.ParseSeverity(cfg.MinSeverity); err == nil {
			m.minSeverity = sev
		}
	}
	subOpts := []submission.Option{submission.WithTelemetry(r.telemetry), submission.WithLimiter(r.submitLimiter)}
	if r.guard != nil {
		subOpts = append(subOpts, submission.WithSessionGuard(r.guard))
	}
	m.manager = submission.NewManager(m.store, r.platform, log, submission.Config{
		MaxAttempts:    cfg.MaxSubmissionAttempts,
		Concurrency:    cfg.SubmissionConcurrency,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		CallTimeout:    cfg.SubmitTimeout,
	}, subOpts...)

	start := time.Now()
	ctx, span := log.StartOperation(ctx, op,
		"mission_id", missionID,
		"target_limit", cfg.TargetLimit,
		"scan_concurrency", cfg.ScanConcurrency,
		"submission_concurrency", cfg.SubmissionConcurrency,
	)

	defer func() {
		if rec := recover(); rec != nil {
			log.LogPanic(ctx, rec, op)
			m.fail(types.StageMission, string(program), &hunterr.Error{
				Kind: hunterr.KindUnknown,
				Op:   op,
				Msg:  fmt.Sprintf("panic: %v", rec),
			}, true)
		}
		m.result.Submissions = m.store.Snapshot()
		m.result.FindingsCount = m.store.Len()
		m.result.FinishedAt = time.Now().UTC()
		r.tracker.SkipPending()
		r.tracker.Finish()

		var err error
		for _, f := range m.result.Failures {
			if f.Fatal {
				err = fmt.Errorf("mission aborted: %s", f.Error)
				break
			}
		}
		log.FinishOperation(ctx, span, op, start, err,
			"scope_size", m.result.ScopeSize,
			"findings", m.result.FindingsCount,
			"failures", len(m.result.Failures),
		)
		result = m.result
	}()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	checks, err := r.registry.Select(cfg.Checks)
	if err != nil {
		m.fail(types.StageMission, "checks", err, true)
		return
	}

	targets, ok := m.resolveScope(ctx, program, cfg.TargetLimit)
	if !ok {
		return
	}
	m.scanAndSubmit(ctx, targets, checks)
	return
}

func (m *run) resolveScope(ctx context.Context, program types.Program, limit int) ([]types.Asset, bool) {
	m.tracker.Start(types.StageScope, 1)
	sc, err := m.resolver.ResolveScope(ctx, program)
	m.result.ScopeSize = sc.Len()
	if err != nil {
		m.tracker.Fail(types.StageScope)
		// Nothing downstream can run without a scope, whatever the cause.
		m.fail(types.StageScope, string(program), err, true)
		return nil, false
	}
	m.tracker.Complete(types.StageScope)

	targets := sc.First(limit)
	m.log.Infow("Scope resolved",
		"scope_size", sc.Len(),
		"selected_targets", len(targets),
	)
	return targets, true
}

// scanAndSubmit scans targets batch by batch. Findings of a batch are
// submitted before the next batch starts scanning; ctx is checked between
// batches.
func (m *run) scanAndSubmit(ctx context.Context, targets []types.Asset, checks []core.Check) {
	orch := orchestrator.New(m.log,
		orchestrator.WithCheckTimeout(m.cfg.CheckTimeout),
		orchestrator.WithLimiter(m.checkLimiter),
		orchestrator.WithTelemetry(m.telemetry),
	)

	batchSize := m.cfg.EffectiveBatchSize()
	if batchSize < 1 {
		batchSize = 1
	}

	m.tracker.Start(types.StageScan, len(targets))
	m.tracker.Start(types.StageSubmission, 0)
	for i := 0; i < len(targets); i += batchSize {
		if err := ctx.Err(); err != nil {
			m.fail(types.StageMission, "", hunterr.Cancelled("mission.scan", err), false)
			m.log.Warnw("Mission cancelled between batches",
				"targets_scanned", m.result.TargetsScanned,
				"targets_remaining", len(targets)-i,
			)
			m.tracker.Fail(types.StageScan)
			return
		}

		end := i + batchSize
		if end > len(targets) {
			end = len(targets)
		}
		batch := targets[i:end]

		res := orch.Scan(ctx, batch, checks, m.cfg.ScanConcurrency)
		m.result.TargetsScanned += len(batch)
		m.tracker.Advance(types.StageScan, len(batch))
		for _, pf := range res.Failures {
			m.fail(types.StageScan, fmt.Sprintf("%s/%s", pf.Target, pf.Kind), pf.Err, false)
		}

		m.submitAll(ctx, res.Findings)
	}
	m.tracker.Complete(types.StageScan)
	m.tracker.Complete(types.StageSubmission)
}

// submitAll records findings in discovery order and submits the new ones.
// Failures are appended in the same order regardless of completion order.
func (m *run) submitAll(ctx context.Context, batch []types.Finding) {
	errs := make([]error, len(batch))
	subjects := make([]string, len(batch))

	concurrency := m.cfg.SubmissionConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	var g errgroup.Group
	g.SetLimit(concurrency)

	for i, f := range batch {
		rec, isNew := m.store.RecordIfNew(ctx, f)
		if !isNew {
			m.log.Debugw("Skipping known finding",
				"finding_key", rec.Key.String(),
				"state", rec.State,
			)
			continue
		}
		m.telemetry.RecordFinding(f.CheckKind, f.SeverityHint)

		if !f.SeverityHint.AtLeast(m.minSeverity) {
			m.log.Infow("Finding below submission threshold, left pending",
				"finding_key", rec.Key.String(),
				"severity", f.SeverityHint,
				"min_severity", m.minSeverity,
			)
			continue
		}

		subjects[i] = rec.Key.String()
		g.Go(func() error {
			_, errs[i] = m.manager.SubmitWithRetry(ctx, f)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		// Rejections are settled outcomes and show up in the submissions list.
		if err == nil || hunterr.KindOf(err) == hunterr.KindSubmissionRejected {
			continue
		}
		m.fail(types.StageSubmission, subjects[i], err, false)
	}
	m.tracker.Advance(types.StageSubmission, len(batch))
}

// fail appends a stage failure. Only the mission goroutine calls it.
func (m *run) fail(stage types.Stage, subject string, err error, fatal bool) {
	m.result.Failures = append(m.result.Failures, types.StageFailure{
		Stage:   stage,
		Subject: subject,
		Kind:    hunterr.KindOf(err).String(),
		Error:   err.Error(),
		Fatal:   fatal,
		Err:     err,
	})
	if fatal {
		m.log.Errorw("Mission stage failed", "stage", stage, "subject", subject, "error", err)
	}
}
