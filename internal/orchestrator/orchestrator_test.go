package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/core"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/logger"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/hunterr"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

// mockCheck records how often it runs and how many runs overlap.
type mockCheck struct {
	kind  types.CheckKind
	delay time.Duration
	run   func(target types.Asset) (*types.Finding, error)

	mu       sync.Mutex
	calls    map[types.Asset]int
	inFlight *int32
	maxSeen  *int32
}

func newMockCheck(kind types.CheckKind, inFlight, maxSeen *int32) *mockCheck {
	return &mockCheck{kind: kind, calls: make(map[types.Asset]int), inFlight: inFlight, maxSeen: maxSeen}
}

func (m *mockCheck) Kind() types.CheckKind { return m.kind }

func (m *mockCheck) Run(ctx context.Context, target types.Asset) (*types.Finding, error) {
	m.mu.Lock()
	m.calls[target]++
	m.mu.Unlock()

	if m.inFlight != nil {
		n := atomic.AddInt32(m.inFlight, 1)
		defer atomic.AddInt32(m.inFlight, -1)
		for {
			cur := atomic.LoadInt32(m.maxSeen)
			if n <= cur || atomic.CompareAndSwapInt32(m.maxSeen, cur, n) {
				break
			}
		}
	}

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.run != nil {
		return m.run(target)
	}
	return nil, nil
}

func (m *mockCheck) callsFor(target types.Asset) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[target]
}

func assets(names ...string) []types.Asset {
	out := make([]types.Asset, len(names))
	for i, n := range names {
		out[i] = types.Asset(n)
	}
	return out
}

func TestScanBoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	var inFlight, maxSeen int32
	check := newMockCheck(types.CheckXSS, &inFlight, &maxSeen)
	check.delay = 20 * time.Millisecond

	o := New(logger.NewNop())
	targets := assets("a.example.com", "b.example.com", "c.example.com", "d.example.com", "e.example.com")

	res := o.Scan(context.Background(), targets, []core.Check{check}, 2)

	assert.Equal(t, 5, res.Pairs)
	assert.Empty(t, res.Failures)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))
	assert.Equal(t, int32(2), atomic.LoadInt32(&maxSeen), "the pool should actually reach its bound")
}

func TestScanRunsEachPairOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	xss := newMockCheck(types.CheckXSS, nil, nil)
	xss.run = func(target types.Asset) (*types.Finding, error) {
		return &types.Finding{Evidence: "<script>alert(1)</script>"}, nil
	}
	sameKindAgain := newMockCheck(types.CheckXSS, nil, nil)

	o := New(logger.NewNop())
	res := o.Scan(context.Background(),
		assets("a.example.com", "a.example.com", "b.example.com"),
		[]core.Check{xss, sameKindAgain}, 4)

	assert.Equal(t, 2, res.Pairs)
	assert.Equal(t, 1, xss.callsFor("a.example.com"))
	assert.Equal(t, 1, xss.callsFor("b.example.com"))
	assert.Equal(t, 0, sameKindAgain.callsFor("a.example.com"))
	assert.Len(t, res.Findings, 2)
}

func TestScanIsolatesFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	sqli := newMockCheck(types.CheckSQLi, nil, nil)
	sqli.run = func(target types.Asset) (*types.Finding, error) {
		if target == "b.example.com" {
			return nil, errors.New("connection reset")
		}
		return &types.Finding{Evidence: "syntax error near '"}, nil
	}
	panicky := newMockCheck(types.CheckExposedInterface, nil, nil)
	panicky.run = func(target types.Asset) (*types.Finding, error) {
		if target == "a.example.com" {
			panic("nil map")
		}
		return nil, nil
	}

	o := New(logger.NewNop())
	res := o.Scan(context.Background(), assets("a.example.com", "b.example.com", "c.example.com"),
		[]core.Check{sqli, panicky}, 3)

	require.Len(t, res.Findings, 2)
	assert.Equal(t, types.Asset("a.example.com"), res.Findings[0].Asset)
	assert.Equal(t, types.Asset("c.example.com"), res.Findings[1].Asset)

	require.Len(t, res.Failures, 2)
	assert.Equal(t, types.Asset("a.example.com"), res.Failures[0].Target)
	assert.Equal(t, types.CheckExposedInterface, res.Failures[0].Kind)
	assert.ErrorIs(t, res.Failures[0].Err, hunterr.ErrCheck)
	assert.False(t, hunterr.IsTransient(res.Failures[0].Err))

	assert.Equal(t, types.Asset("b.example.com"), res.Failures[1].Target)
	assert.ErrorIs(t, res.Failures[1].Err, hunterr.ErrCheck)
	assert.True(t, hunterr.IsTransient(res.Failures[1].Err))
}

func TestScanSortsFindings(t *testing.T) {
	defer goleak.VerifyNone(t)

	hit := func(types.Asset) (*types.Finding, error) { return &types.Finding{Evidence: "x"}, nil }
	sqli := newMockCheck(types.CheckSQLi, nil, nil)
	sqli.run = hit
	xss := newMockCheck(types.CheckXSS, nil, nil)
	xss.run = hit
	xss.delay = 5 * time.Millisecond

	o := New(logger.NewNop())
	res := o.Scan(context.Background(), assets("z.example.com", "a.example.com"), []core.Check{xss, sqli}, 4)

	require.Len(t, res.Findings, 4)
	got := make([]string, 0, 4)
	for _, f := range res.Findings {
		got = append(got, string(f.Asset)+"/"+string(f.CheckKind))
	}
	assert.Equal(t, []string{
		"a.example.com/sqli",
		"a.example.com/xss",
		"z.example.com/sqli",
		"z.example.com/xss",
	}, got)
}

func TestScanFillsFindingIdentity(t *testing.T) {
	check := newMockCheck(types.CheckXSS, nil, nil)
	check.run = func(types.Asset) (*types.Finding, error) {
		return &types.Finding{Asset: "somewhere-else", CheckKind: "other", Evidence: "e"}, nil
	}

	res := New(logger.NewNop()).Scan(context.Background(), assets("a.example.com"), []core.Check{check}, 1)

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, types.Asset("a.example.com"), f.Asset)
	assert.Equal(t, types.CheckXSS, f.CheckKind)
	assert.Equal(t, types.SeverityMedium, f.SeverityHint)
	assert.False(t, f.DiscoveredAt.IsZero())
}

func TestScanCheckTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	slow := newMockCheck(types.CheckXSS, nil, nil)
	slow.delay = time.Second

	o := New(logger.NewNop(), WithCheckTimeout(10*time.Millisecond))
	res := o.Scan(context.Background(), assets("a.example.com"), []core.Check{slow}, 1)

	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, context.DeadlineExceeded)
}

func TestScanCancelledContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	check := newMockCheck(types.CheckXSS, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := New(logger.NewNop()).Scan(ctx, assets("a.example.com", "b.example.com"), []core.Check{check}, 1)

	assert.Empty(t, res.Findings)
	require.Len(t, res.Failures, 2)
	for _, f := range res.Failures {
		assert.ErrorIs(t, f.Err, hunterr.ErrCancelled)
	}
	assert.Equal(t, 0, check.callsFor("a.example.com"))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newMockCheck(types.CheckXSS, nil, nil)))
	require.NoError(t, r.Register(newMockCheck(types.CheckSQLi, nil, nil)))
	assert.Error(t, r.Register(newMockCheck(types.CheckXSS, nil, nil)))
	assert.Error(t, r.Register(newMockCheck("", nil, nil)))

	assert.Equal(t, []types.CheckKind{types.CheckSQLi, types.CheckXSS}, r.List())

	selected, err := r.Select([]string{"xss", "xss"})
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, types.CheckXSS, selected[0].Kind())

	all, err := r.Select(nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = r.Select([]string{"rce"})
	assert.ErrorContains(t, err, `unknown check "rce"`)
}

func TestErrorAggregatorSummary(t *testing.T) {
	ea := NewErrorAggregator()
	assert.Equal(t, "All 4 checks succeeded", ea.Summary(4))
	assert.Equal(t, "", ea.Error())

	ea.Add("b.example.com", types.CheckXSS, errors.New("timeout"))
	ea.Add("a.example.com", types.CheckXSS, errors.New("reset"))
	ea.Add("a.example.com", types.CheckXSS, nil)

	assert.True(t, ea.HasErrors())
	assert.Equal(t, "2/4 checks failed (50.0% failure rate)", ea.Summary(4))
	assert.Equal(t, types.Asset("a.example.com"), ea.Failures()[0].Target)
	assert.Contains(t, ea.Error(), "2 checks failed")
}

func TestScanLetsRunningCheckFinish(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan struct{})
	check := newMockCheck(types.CheckSQLi, nil, nil)
	check.delay = 50 * time.Millisecond
	check.run = func(types.Asset) (*types.Finding, error) {
		return &types.Finding{Evidence: "syntax error near '"}, nil
	}
	wrapped := &startSignal{Check: check, started: started}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res := New(logger.NewNop(), WithCheckTimeout(time.Second)).
		Scan(ctx, assets("a.example.com"), []core.Check{wrapped}, 1)

	assert.Empty(t, res.Failures)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, types.CheckSQLi, res.Findings[0].CheckKind)
}

type startSignal struct {
	core.Check
	started chan struct{}
}

func (s *startSignal) Run(ctx context.Context, target types.Asset) (*types.Finding, error) {
	close(s.started)
	return s.Check.Run(ctx, target)
}
