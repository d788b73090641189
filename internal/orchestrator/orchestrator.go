// Package orchestrator fans vulnerability checks out across targets under a
// fixed concurrency bound and fans the results back in, deterministically ordered.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/core"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/logger"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/hunterr"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

// Result holds what one Scan call produced. Check errors never abort a scan;
// they land in Failures against their pair.
type Result struct {
	Findings []types.Finding
	Failures []PairFailure
	Pairs    int
}

type Option func(*Orchestrator)

// WithCheckTimeout bounds every individual check call. With a timeout set, a
// check already running is left to finish or time out on its own even when
// the scan context ends.
func WithCheckTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.checkTimeout = d }
}

// WithLimiter paces checks per target host.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(o *Orchestrator) { o.limiter = l }
}

func WithTelemetry(t core.Telemetry) Option {
	return func(o *Orchestrator) { o.telemetry = t }
}

type Orchestrator struct {
	logger       *logger.Logger
	telemetry    core.Telemetry
	limiter      *ratelimit.Limiter
	checkTimeout time.Duration
}

func New(log *logger.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:    log.WithComponent("scan-orchestrator"),
		telemetry: telemetry.Noop(),
		limiter:   ratelimit.NewLimiter(ratelimit.Unlimited()),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type pair struct {
	target types.Asset
	check  core.Check
}

// Scan runs every (target, check) pair at most once with no more than
// concurrency checks in flight. Pairs not yet started when ctx ends are
// recorded as cancelled failures.
func (o *Orchestrator) Scan(ctx context.Context, targets []types.Asset, checks []core.Check, concurrency int) Result {
	if concurrency < 1 {
		concurrency = 1
	}

	pairs := buildPairs(targets, checks)
	start := time.Now()
	ctx, span := o.logger.StartOperation(ctx, "orchestrator.Scan",
		"targets", len(targets),
		"checks", len(checks),
		"pairs", len(pairs),
		"concurrency", concurrency,
	)

	var (
		mu       sync.Mutex
		findings []types.Finding
		errs     = NewErrorAggregator()
		g        errgroup.Group
	)
	g.SetLimit(concurrency)

	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			errs.Add(p.target, p.check.Kind(), hunterr.Cancelled("orchestrator.Scan", err))
			continue
		}
		p := p
		g.Go(func() error {
			f, err := o.runPair(ctx, p)
			if err != nil {
				errs.Add(p.target, p.check.Kind(), err)
				return nil
			}
			if f != nil {
				mu.Lock()
				findings = append(findings, *f)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Asset != findings[j].Asset {
			return findings[i].Asset < findings[j].Asset
		}
		return findings[i].CheckKind < findings[j].CheckKind
	})

	res := Result{Findings: findings, Failures: errs.Failures(), Pairs: len(pairs)}

	o.logger.WithContext(ctx).Infow("Scan batch completed",
		"findings", len(res.Findings),
		"failures", errs.Summary(len(pairs)),
	)
	o.logger.FinishOperation(ctx, span, "orchestrator.Scan", start, nil,
		"findings", len(res.Findings),
		"failed_pairs", len(res.Failures),
	)
	return res
}

// buildPairs drops duplicate targets and duplicate check kinds so each pair
// appears once, preserving the caller's order.
func buildPairs(targets []types.Asset, checks []core.Check) []pair {
	seenKinds := make(map[types.CheckKind]bool, len(checks))
	uniqueChecks := make([]core.Check, 0, len(checks))
	for _, c := range checks {
		if c == nil || seenKinds[c.Kind()] {
			continue
		}
		seenKinds[c.Kind()] = true
		uniqueChecks = append(uniqueChecks, c)
	}

	seenTargets := make(map[types.Asset]bool, len(targets))
	pairs := make([]pair, 0, len(targets)*len(uniqueChecks))
	for _, t := range targets {
		if t == "" || seenTargets[t] {
			continue
		}
		seenTargets[t] = true
		for _, c := range uniqueChecks {
			pairs = append(pairs, pair{target: t, check: c})
		}
	}
	return pairs
}

func (o *Orchestrator) runPair(ctx context.Context, p pair) (finding *types.Finding, err error) {
	kind := p.check.Kind()
	op := fmt.Sprintf("check.%s", kind)
	start := time.Now()
	log := o.logger.WithTarget(string(p.target)).WithFields("check", kind)

	defer func() {
		if r := recover(); r != nil {
			log.LogPanic(ctx, r, op)
			finding, err = nil, hunterr.PermanentCheck(op, fmt.Errorf("panic: %v", r))
		}
		o.telemetry.RecordCheck(kind, time.Since(start), err)
	}()

	if err := o.limiter.WaitForHost(ctx, p.target.Host()); err != nil {
		return nil, hunterr.Cancelled(op, err)
	}

	checkCtx := ctx
	if o.checkTimeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), o.checkTimeout)
		defer cancel()
	}

	f, err := p.check.Run(checkCtx, p.target)
	if err != nil {
		log.WithContext(ctx).Warnw("Check failed", "error", err)
		var he *hunterr.Error
		if errors.As(err, &he) {
			return nil, err
		}
		return nil, hunterr.Check(op, err)
	}
	if f == nil {
		return nil, nil
	}

	out := *f
	out.Asset = p.target
	out.CheckKind = kind
	if out.DiscoveredAt.IsZero() {
		out.DiscoveredAt = time.Now().UTC()
	}
	if out.SeverityHint == "" {
		out.SeverityHint = types.SeverityMedium
	}

	log.WithContext(ctx).Infow("Finding discovered", "severity", out.SeverityHint)
	return &out, nil
}
