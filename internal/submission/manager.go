// Package submission drives findings through the bounty platform. It is the
// only writer of submission state after a record is created.
package submission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/core"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/findings"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/logger"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/session"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/hunterr"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

type Config struct {
	MaxAttempts    int
	Concurrency    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// CallTimeout bounds a single platform call. The call runs detached from
	// the caller's cancellation so a report in flight is never cut off.
	CallTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		Concurrency:    1,
		BackoffInitial: 2 * time.Second,
		BackoffMax:     time.Minute,
		CallTimeout:    2 * time.Minute,
	}
}

type Option func(*Manager)

func WithTelemetry(t core.Telemetry) Option {
	return func(m *Manager) { m.telemetry = t }
}

// WithLimiter paces calls to the platform. Defaults to ratelimit.SubmissionConfig.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// WithSessionGuard holds the authenticated session for each platform call.
// Use it when the platform client shares the session the scope resolver logs in with.
func WithSessionGuard(g *session.Guard) Option {
	return func(m *Manager) { m.guard = g }
}

type Manager struct {
	store     *findings.Store
	platform  core.Platform
	guard     *session.Guard
	logger    *logger.Logger
	telemetry core.Telemetry
	limiter   *ratelimit.Limiter
	sem       *semaphore.Weighted
	cfg       Config

	mu    sync.Mutex
	locks map[types.FindingKey]*sync.Mutex
}

func NewManager(store *findings.Store, platform core.Platform, log *logger.Logger, cfg Config, opts ...Option) *Manager {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	m := &Manager{
		store:     store,
		platform:  platform,
		logger:    log.WithComponent("submission-manager").WithFields("platform", platform.Name()),
		telemetry: telemetry.Noop(),
		limiter:   ratelimit.NewLimiter(ratelimit.SubmissionConfig()),
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		cfg:       cfg,
		locks:     make(map[types.FindingKey]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// keyLock serializes attempts on one finding so a record is never submitted
// twice by concurrent callers.
func (m *Manager) keyLock(key types.FindingKey) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Submit makes at most one platform call for the finding's record. Settled
// and terminal records are returned unchanged without calling the platform.
//
// The returned error is nil when the platform accepted the finding or it was
// already settled. A SubmissionTransient error means the record is Failed and
// may be retried unless the record is Terminal.
func (m *Manager) Submit(ctx context.Context, f types.Finding) (types.SubmissionRecord, error) {
	const op = "submission.Submit"
	key := findings.KeyOf(f)

	l := m.keyLock(key)
	l.Lock()
	defer l.Unlock()

	rec, ok := m.store.Get(key)
	if !ok {
		return types.SubmissionRecord{}, fmt.Errorf("%s: finding %s was never recorded", op, key)
	}
	if rec.State.Settled() {
		return rec, nil
	}
	if rec.Terminal {
		return rec, hunterr.SubmissionTransient(op, errors.New(rec.LastError))
	}

	if err := ctx.Err(); err != nil {
		return rec, hunterr.Cancelled(op, err)
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return rec, hunterr.Cancelled(op, err)
	}
	defer m.sem.Release(1)

	if err := m.limiter.Wait(ctx); err != nil {
		return rec, hunterr.Cancelled(op, err)
	}
	if m.guard != nil {
		release, err := m.guard.Acquire(ctx)
		if err != nil {
			return rec, hunterr.Cancelled(op, err)
		}
		defer release()
	}

	from := rec.State
	rec.Attempts++
	outcome, callErr := m.call(ctx, f)

	var resultErr error
	switch {
	case callErr != nil:
		rec.State = types.StateFailed
		rec.LastError = callErr.Error()
		rec.Terminal = rec.Attempts >= m.cfg.MaxAttempts
		resultErr = hunterr.SubmissionTransient(op, callErr)
	case outcome.Submitted:
		rec.State = types.StateSubmitted
		rec.RemoteReportID = outcome.ReportID
		rec.LastError = ""
		rec.Terminal = true
	case outcome.Duplicate:
		rec.State = types.StateDuplicate
		rec.RemoteReportID = outcome.ReportID
		rec.LastError = ""
		rec.Terminal = true
	case outcome.RejectedReason != "":
		rec.State = types.StateRejected
		rec.LastError = outcome.RejectedReason
		rec.Terminal = true
		resultErr = hunterr.SubmissionRejected(op, outcome.RejectedReason)
	}

	now := time.Now().UTC()
	attempt := types.SubmissionAttempt{Number: rec.Attempts, From: from, To: rec.State, Timestamp: now}
	if callErr != nil {
		attempt.Error = callErr.Error()
	} else if rec.State == types.StateRejected {
		attempt.Error = outcome.RejectedReason
	}
	rec.History = append(rec.History, attempt)
	rec.UpdatedAt = now

	if err := m.store.Update(ctx, rec); err != nil {
		return rec, fmt.Errorf("%s: %w", op, err)
	}

	m.logger.LogTransition(ctx, key.String(), string(from), string(rec.State), now,
		"attempt", rec.Attempts,
		"max_attempts", m.cfg.MaxAttempts,
		"terminal", rec.Terminal,
		"remote_report_id", rec.RemoteReportID,
		"last_error", rec.LastError,
	)
	m.telemetry.RecordSubmission(m.platform.Name(), rec.State)

	return rec, resultErr
}

// call invokes the platform, converting panics and empty outcomes into
// transient errors. Cancelling ctx does not abort the call; only CallTimeout does.
func (m *Manager) call(ctx context.Context, f types.Finding) (outcome *types.SubmitOutcome, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CallTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			m.logger.LogPanic(ctx, r, "platform.SubmitReport", "asset", f.Asset)
			outcome, err = nil, fmt.Errorf("platform panic: %v", r)
		}
	}()

	outcome, err = m.platform.SubmitReport(ctx, f)
	if err != nil {
		return nil, err
	}
	if outcome == nil || (!outcome.Submitted && !outcome.Duplicate && outcome.RejectedReason == "") {
		return nil, errors.New("platform returned no decision")
	}
	return outcome, nil
}

// SubmitWithRetry submits the finding, retrying transient failures with
// exponential backoff until the record is settled or its attempt budget is
// spent. ctx is checked between attempts; an attempt in flight is not
// interrupted by the retry loop itself.
//
// Errors: SubmissionTransient once the budget is exhausted, SubmissionRejected
// for an explicit rejection, Cancelled when ctx ends first.
func (m *Manager) SubmitWithRetry(ctx context.Context, f types.Finding) (types.SubmissionRecord, error) {
	const op = "submission.SubmitWithRetry"

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BackoffInitial
	b.MaxInterval = m.cfg.BackoffMax
	b.MaxElapsedTime = 0

	var rec types.SubmissionRecord
	operation := func() error {
		r, err := m.Submit(ctx, f)
		rec = r
		if err == nil {
			return nil
		}
		if rec.Terminal || !hunterr.IsTransient(err) {
			return backoff.Permanent(err)
		}
		m.logger.WithContext(ctx).Warnw("Submission attempt failed, will retry",
			"finding_key", rec.Key.String(),
			"attempt", rec.Attempts,
			"max_attempts", m.cfg.MaxAttempts,
			"error", err,
		)
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	if err == nil {
		return rec, nil
	}
	// Retry hands back the bare context error when ctx ends during a wait.
	if hunterr.KindOf(err) == hunterr.KindUnknown && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		err = hunterr.Cancelled(op, err)
	}
	return rec, err
}
