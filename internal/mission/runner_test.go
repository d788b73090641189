package mission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/config"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/core"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/findings"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/ledger"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/logger"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/orchestrator"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/scope"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/session"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/hunterr"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

type fakeSession struct {
	assets   []types.Asset
	loginErr error
}

func (s *fakeSession) Name() string { return "fake" }

func (s *fakeSession) Login(context.Context, core.Credentials) error { return s.loginErr }

func (s *fakeSession) ExtractScope(context.Context, types.Program) ([]types.Asset, error) {
	return s.assets, nil
}

// fakeCheck finds something on the assets in hits.
type fakeCheck struct {
	kind     types.CheckKind
	hits     map[types.Asset]types.Severity
	errs     map[types.Asset]error
	onRun    func()
	mu       sync.Mutex
	runCount int
}

func (c *fakeCheck) Kind() types.CheckKind { return c.kind }

func (c *fakeCheck) Run(_ context.Context, target types.Asset) (*types.Finding, error) {
	c.mu.Lock()
	c.runCount++
	c.mu.Unlock()
	if c.onRun != nil {
		c.onRun()
	}
	if err, ok := c.errs[target]; ok {
		return nil, err
	}
	sev, ok := c.hits[target]
	if !ok {
		return nil, nil
	}
	return &types.Finding{Evidence: "<script>alert(document.domain)</script>", SeverityHint: sev}, nil
}

func (c *fakeCheck) runs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runCount
}

type fakePlatform struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *fakePlatform) Name() string { return "fake" }

func (p *fakePlatform) SubmitReport(context.Context, types.Finding) (*types.SubmitOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &types.SubmitOutcome{Submitted: true, ReportID: "H1-1"}, nil
}

func (p *fakePlatform) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type panickingResolver struct{}

func (panickingResolver) ResolveScope(context.Context, types.Program) (*types.Scope, error) {
	panic("session crashed")
}

func missionConfig() config.MissionConfig {
	cfg := config.DefaultConfig().Mission
	cfg.Checks = nil
	cfg.Timeout = 10 * time.Second
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond
	return cfg
}

func newRunner(t *testing.T, sess core.Session, check *fakeCheck, platform core.Platform, opts ...Option) *Runner {
	t.Helper()
	log := logger.NewNop()
	registry := orchestrator.NewRegistry()
	require.NoError(t, registry.Register(check))

	resolver := scope.NewResolver(session.NewGuard(sess), core.Credentials{Username: "hunter", Secret: "s3cret"}, log)
	opts = append([]Option{
		WithCheckLimiter(ratelimit.NewLimiter(ratelimit.Unlimited())),
		WithSubmissionLimiter(ratelimit.NewLimiter(ratelimit.Unlimited())),
	}, opts...)
	return NewRunner(resolver, registry, platform, log, opts...)
}

func TestRunMissionSubmitsDiscoveredFinding(t *testing.T) {
	defer goleak.VerifyNone(t)

	sess := &fakeSession{assets: []types.Asset{"a.example.com", "b.example.com"}}
	xss := &fakeCheck{kind: types.CheckXSS, hits: map[types.Asset]types.Severity{"a.example.com": types.SeverityHigh}}
	platform := &fakePlatform{}

	res := newRunner(t, sess, xss, platform).RunMission(context.Background(), "acme", missionConfig())

	assert.False(t, res.Fatal())
	assert.Empty(t, res.Failures)
	assert.NotEmpty(t, res.MissionID)
	assert.Equal(t, 2, res.ScopeSize)
	assert.Equal(t, 2, res.TargetsScanned)
	assert.Equal(t, 1, res.FindingsCount)
	require.Len(t, res.Submissions, 1)

	sub := res.Submissions[0]
	assert.Equal(t, types.Asset("a.example.com"), sub.Key.Asset)
	assert.Contains(t, []types.SubmissionState{
		types.StateSubmitted, types.StateDuplicate, types.StateRejected, types.StateFailed,
	}, sub.State)
	assert.Equal(t, types.StateSubmitted, sub.State)
	assert.Equal(t, "H1-1", sub.RemoteReportID)
	assert.Equal(t, 1, platform.callCount())
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
}

func TestRunMissionEmptyScope(t *testing.T) {
	defer goleak.VerifyNone(t)

	xss := &fakeCheck{kind: types.CheckXSS}
	platform := &fakePlatform{}

	res := newRunner(t, &fakeSession{}, xss, platform).RunMission(context.Background(), "ghost", missionConfig())

	require.Len(t, res.Failures, 1)
	assert.Equal(t, types.StageScope, res.Failures[0].Stage)
	assert.ErrorIs(t, res.Failures[0].Err, hunterr.ErrEmptyScope)
	assert.True(t, res.Fatal())
	assert.Equal(t, 0, res.ScopeSize)
	assert.Equal(t, 0, xss.runs())
	assert.Equal(t, 0, platform.callCount())
	assert.Empty(t, res.Submissions)
}

func TestRunMissionAuthenticationFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	sess := &fakeSession{assets: []types.Asset{"a.example.com"}, loginErr: errors.New("invalid token")}
	xss := &fakeCheck{kind: types.CheckXSS}
	platform := &fakePlatform{}

	res := newRunner(t, sess, xss, platform).RunMission(context.Background(), "acme", missionConfig())

	require.Len(t, res.Failures, 1)
	assert.True(t, res.Fatal())
	assert.Equal(t, "authentication", res.Failures[0].Kind)
	assert.ErrorIs(t, res.Failures[0].Err, hunterr.ErrAuthentication)
	assert.Equal(t, 0, xss.runs())
	assert.Equal(t, 0, platform.callCount())
}

func TestRunMissionTargetLimitAndBatches(t *testing.T) {
	defer goleak.VerifyNone(t)

	var assets []types.Asset
	hits := map[types.Asset]types.Severity{}
	for _, h := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		a := types.Asset(h + ".example.com")
		assets = append(assets, a)
		hits[a] = types.SeverityMedium
	}
	xss := &fakeCheck{kind: types.CheckXSS, hits: hits}
	platform := &fakePlatform{}

	cfg := missionConfig()
	cfg.TargetLimit = 5
	cfg.BatchSize = 2

	res := newRunner(t, &fakeSession{assets: assets}, xss, platform).RunMission(context.Background(), "acme", cfg)

	assert.Empty(t, res.Failures)
	assert.Equal(t, 7, res.ScopeSize)
	assert.Equal(t, 5, res.TargetsScanned)
	assert.Equal(t, 5, xss.runs())
	require.Len(t, res.Submissions, 5)
	for i, sub := range res.Submissions {
		assert.Equal(t, assets[i], sub.Key.Asset, "submissions follow discovery order")
	}
}

func TestRunMissionTransientPlatformFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	sess := &fakeSession{assets: []types.Asset{"a.example.com"}}
	xss := &fakeCheck{kind: types.CheckXSS, hits: map[types.Asset]types.Severity{"a.example.com": types.SeverityCritical}}
	platform := &fakePlatform{err: errors.New("503 service unavailable")}

	res := newRunner(t, sess, xss, platform).RunMission(context.Background(), "acme", missionConfig())

	assert.False(t, res.Fatal())
	require.Len(t, res.Submissions, 1)
	assert.Equal(t, types.StateFailed, res.Submissions[0].State)
	assert.True(t, res.Submissions[0].Terminal)
	assert.Equal(t, 3, res.Submissions[0].Attempts)
	assert.Equal(t, 3, platform.callCount())

	failures := res.FailuresFor(types.StageSubmission)
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0].Err, hunterr.ErrSubmissionTransient)
}

func TestRunMissionSeverityGate(t *testing.T) {
	defer goleak.VerifyNone(t)

	sess := &fakeSession{assets: []types.Asset{"a.example.com"}}
	xss := &fakeCheck{kind: types.CheckXSS, hits: map[types.Asset]types.Severity{"a.example.com": types.SeverityLow}}
	platform := &fakePlatform{}

	cfg := missionConfig()
	cfg.MinSeverity = "high"

	res := newRunner(t, sess, xss, platform).RunMission(context.Background(), "acme", cfg)

	require.Len(t, res.Submissions, 1)
	assert.Equal(t, types.StatePending, res.Submissions[0].State)
	assert.Equal(t, 0, platform.callCount())
}

func TestRunMissionCancelledBetweenBatches(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := &fakeSession{assets: []types.Asset{"a.example.com", "b.example.com", "c.example.com"}}
	xss := &fakeCheck{kind: types.CheckXSS, onRun: cancel}
	platform := &fakePlatform{}

	cfg := missionConfig()
	cfg.BatchSize = 1

	res := newRunner(t, sess, xss, platform).RunMission(ctx, "acme", cfg)

	assert.Equal(t, 1, res.TargetsScanned)
	assert.Equal(t, 1, xss.runs())
	failures := res.FailuresFor(types.StageMission)
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0].Err, hunterr.ErrCancelled)
	assert.False(t, res.Fatal())
}

func TestRunMissionSkipsFindingsSettledInEarlierRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := ledger.NewMemory()
	sess := &fakeSession{assets: []types.Asset{"a.example.com"}}
	xss := &fakeCheck{kind: types.CheckXSS, hits: map[types.Asset]types.Severity{"a.example.com": types.SeverityHigh}}
	platform := &fakePlatform{}
	runner := newRunner(t, sess, xss, platform, WithLedger(l))

	first := runner.RunMission(context.Background(), "acme", missionConfig())
	require.Len(t, first.Submissions, 1)
	assert.Equal(t, types.StateSubmitted, first.Submissions[0].State)

	second := runner.RunMission(context.Background(), "acme", missionConfig())
	require.Len(t, second.Submissions, 1)
	assert.Equal(t, types.StateSubmitted, second.Submissions[0].State)
	assert.Equal(t, 1, platform.callCount(), "a finding settled by an earlier run is not resubmitted")
	assert.NotEqual(t, first.MissionID, second.MissionID)

	stored, err := l.Load(context.Background(), first.Submissions[0].Key)
	require.NoError(t, err)
	assert.Equal(t, findings.KeyOf(types.Finding{
		Asset:     "a.example.com",
		CheckKind: types.CheckXSS,
		Evidence:  "<script>alert(document.domain)</script>",
	}), stored.Key)
}

func TestRunMissionUnknownCheck(t *testing.T) {
	xss := &fakeCheck{kind: types.CheckXSS}
	cfg := missionConfig()
	cfg.Checks = []string{"rce"}

	res := newRunner(t, &fakeSession{assets: []types.Asset{"a.example.com"}}, xss, &fakePlatform{}).
		RunMission(context.Background(), "acme", cfg)

	assert.True(t, res.Fatal())
	require.Len(t, res.FailuresFor(types.StageMission), 1)
	assert.Equal(t, 0, xss.runs())
}

func TestRunMissionRecoversPanics(t *testing.T) {
	registry := orchestrator.NewRegistry()
	require.NoError(t, registry.Register(&fakeCheck{kind: types.CheckXSS}))
	runner := NewRunner(panickingResolver{}, registry, &fakePlatform{}, logger.NewNop())

	var res types.MissionResult
	require.NotPanics(t, func() {
		res = runner.RunMission(context.Background(), "acme", missionConfig())
	})

	failures := res.FailuresFor(types.StageMission)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Error, "session crashed")
	assert.True(t, res.Fatal())
	assert.False(t, res.FinishedAt.IsZero())
}

// slowPlatform accepts after delay unless its context ends first, and notes
// whether the session guard was held during the call.
type slowPlatform struct {
	delay time.Duration
	guard *session.Guard

	mu       sync.Mutex
	calls    int
	heldLock []bool
}

func (p *slowPlatform) Name() string { return "slow" }

func (p *slowPlatform) SubmitReport(ctx context.Context, _ types.Finding) (*types.SubmitOutcome, error) {
	p.mu.Lock()
	p.calls++
	if p.guard != nil {
		p.heldLock = append(p.heldLock, p.guard.Busy())
	}
	p.mu.Unlock()

	select {
	case <-time.After(p.delay):
		return &types.SubmitOutcome{Submitted: true, ReportID: "H1-slow"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRunMissionInFlightSubmissionOutlivesTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := ledger.NewMemory()
	sess := &fakeSession{assets: []types.Asset{"a.example.com"}}
	xss := &fakeCheck{kind: types.CheckXSS, hits: map[types.Asset]types.Severity{"a.example.com": types.SeverityHigh}}
	platform := &slowPlatform{delay: 150 * time.Millisecond}

	cfg := missionConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.SubmitTimeout = 5 * time.Second

	res := newRunner(t, sess, xss, platform, WithLedger(l)).RunMission(context.Background(), "acme", cfg)

	assert.Empty(t, res.FailuresFor(types.StageSubmission))
	require.Len(t, res.Submissions, 1)
	sub := res.Submissions[0]
	assert.Equal(t, types.StateSubmitted, sub.State)
	assert.Equal(t, "H1-slow", sub.RemoteReportID)

	persisted, err := l.Load(context.Background(), sub.Key)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, types.StateSubmitted, persisted.State, "the next run must not resubmit")
}

func TestRunMissionSubmitsUnderSessionGuard(t *testing.T) {
	defer goleak.VerifyNone(t)

	log := logger.NewNop()
	sess := &fakeSession{assets: []types.Asset{"a.example.com", "b.example.com"}}
	guard := session.NewGuard(sess)
	xss := &fakeCheck{kind: types.CheckXSS, hits: map[types.Asset]types.Severity{
		"a.example.com": types.SeverityHigh,
		"b.example.com": types.SeverityMedium,
	}}
	platform := &slowPlatform{guard: guard}

	registry := orchestrator.NewRegistry()
	require.NoError(t, registry.Register(xss))
	runner := NewRunner(
		scope.NewResolver(guard, core.Credentials{Secret: "s3cret"}, log),
		registry, platform, log,
		WithSessionGuard(guard),
		WithCheckLimiter(ratelimit.NewLimiter(ratelimit.Unlimited())),
		WithSubmissionLimiter(ratelimit.NewLimiter(ratelimit.Unlimited())),
	)

	res := runner.RunMission(context.Background(), "acme", missionConfig())

	assert.Empty(t, res.Failures)
	assert.Equal(t, []bool{true, true}, platform.heldLock)
	assert.False(t, guard.Busy())
}

type explodingLedger struct{}

func (explodingLedger) Load(context.Context, types.FindingKey) (*types.SubmissionRecord, error) {
	panic("ledger exploded")
}
func (explodingLedger) Save(context.Context, types.SubmissionRecord) error { return nil }
func (explodingLedger) Close() error                                       { return nil }

func TestRunMissionReportsFatalFailureOnSpan(t *testing.T) {
	defer goleak.VerifyNone(t)

	zc, logs := observer.New(zapcore.InfoLevel)
	log := logger.FromZap(zap.New(zc))

	sess := &fakeSession{assets: []types.Asset{"a.example.com", "b.example.com"}}
	xss := &fakeCheck{
		kind: types.CheckXSS,
		hits: map[types.Asset]types.Severity{"b.example.com": types.SeverityHigh},
		errs: map[types.Asset]error{"a.example.com": errors.New("connection reset")},
	}
	registry := orchestrator.NewRegistry()
	require.NoError(t, registry.Register(xss))
	runner := NewRunner(
		scope.NewResolver(session.NewGuard(sess), core.Credentials{Secret: "s3cret"}, log),
		registry, &fakePlatform{}, log,
		WithLedger(explodingLedger{}),
		WithCheckLimiter(ratelimit.NewLimiter(ratelimit.Unlimited())),
		WithSubmissionLimiter(ratelimit.NewLimiter(ratelimit.Unlimited())),
	)

	res := runner.RunMission(context.Background(), "acme", missionConfig())

	require.Len(t, res.Failures, 2)
	assert.False(t, res.Failures[0].Fatal)
	assert.True(t, res.Failures[1].Fatal)

	var spanErr string
	for _, e := range logs.FilterMessage("Operation failed").All() {
		if e.ContextMap()["operation"] == "mission.RunMission" {
			spanErr, _ = e.ContextMap()["error"].(string)
		}
	}
	assert.Contains(t, spanErr, "ledger exploded")
	assert.NotContains(t, spanErr, "connection reset")
}
