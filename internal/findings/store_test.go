package findings

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/ledger"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/logger"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

func xssFinding(asset string) types.Finding {
	return types.Finding{
		Asset:        types.Asset(asset),
		CheckKind:    types.CheckXSS,
		Evidence:     `<svg onload=alert(1)> reflected in q`,
		SeverityHint: types.SeverityHigh,
	}
}

func TestKeyOfNormalizes(t *testing.T) {
	a := xssFinding("A.Example.com")
	b := xssFinding("a.example.com")
	b.Evidence = "  <svg onload=alert(1)>\n\treflected   in q "

	assert.Equal(t, KeyOf(a), KeyOf(b))
	assert.Len(t, KeyOf(a).Fingerprint, 32)

	c := xssFinding("a.example.com")
	c.Evidence = "something else"
	assert.NotEqual(t, KeyOf(a), KeyOf(c))
}

func TestRecordIfNewOnlyOnce(t *testing.T) {
	s := NewStore(nil, logger.NewNop())
	ctx := context.Background()

	first, isNew := s.RecordIfNew(ctx, xssFinding("a.example.com"))
	require.True(t, isNew)
	assert.Equal(t, types.StatePending, first.State)
	assert.Equal(t, 0, first.Attempts)

	second, isNew := s.RecordIfNew(ctx, xssFinding("a.example.com"))
	assert.False(t, isNew)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, s.Len())
}

func TestRecordIfNewConcurrent(t *testing.T) {
	s := NewStore(ledger.NewMemory(), logger.NewNop())

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		news int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, isNew := s.RecordIfNew(context.Background(), xssFinding("a.example.com")); isNew {
				mu.Lock()
				news++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, news)
	assert.Equal(t, 1, s.Len())
}

func TestRecordIfNewDoesNotMutateExisting(t *testing.T) {
	s := NewStore(nil, logger.NewNop())
	ctx := context.Background()

	rec, _ := s.RecordIfNew(ctx, xssFinding("a.example.com"))
	rec.State = types.StateSubmitted
	require.NoError(t, s.Update(ctx, rec))

	again, isNew := s.RecordIfNew(ctx, xssFinding("a.example.com"))
	assert.False(t, isNew)
	assert.Equal(t, types.StateSubmitted, again.State)
}

func TestUpdateUnknownKey(t *testing.T) {
	s := NewStore(nil, logger.NewNop())
	err := s.Update(context.Background(), types.SubmissionRecord{Key: KeyOf(xssFinding("x.example.com"))})
	assert.Error(t, err)
}

func TestSnapshotOrderAndIsolation(t *testing.T) {
	s := NewStore(nil, logger.NewNop())
	ctx := context.Background()

	s.RecordIfNew(ctx, xssFinding("b.example.com"))
	s.RecordIfNew(ctx, xssFinding("a.example.com"))

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, types.Asset("b.example.com"), snap[0].Key.Asset)
	assert.Equal(t, types.Asset("a.example.com"), snap[1].Key.Asset)

	snap[0].State = types.StateRejected
	rec, ok := s.Get(snap[0].Key)
	require.True(t, ok)
	assert.Equal(t, types.StatePending, rec.State)
}

func TestRecordIfNewConsultsLedger(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	f := xssFinding("a.example.com")

	settled := types.SubmissionRecord{Key: KeyOf(f), State: types.StateDuplicate, Attempts: 1, Terminal: true}
	require.NoError(t, l.Save(ctx, settled))

	rec, isNew := NewStore(l, logger.NewNop()).RecordIfNew(ctx, f)
	assert.False(t, isNew)
	assert.Equal(t, types.StateDuplicate, rec.State)

	failed := types.SubmissionRecord{Key: KeyOf(f), State: types.StateFailed, Attempts: 3, Terminal: true}
	require.NoError(t, l.Save(ctx, failed))

	rec, isNew = NewStore(l, logger.NewNop()).RecordIfNew(ctx, f)
	assert.True(t, isNew, "a failed key gets a fresh attempt budget in a new run")
	assert.Equal(t, types.StatePending, rec.State)
	assert.Equal(t, 0, rec.Attempts)

	persisted, err := l.Load(ctx, KeyOf(f))
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, persisted.State)
}

type brokenLedger struct{}

func (brokenLedger) Load(context.Context, types.FindingKey) (*types.SubmissionRecord, error) {
	return nil, errors.New("connection refused")
}
func (brokenLedger) Save(context.Context, types.SubmissionRecord) error {
	return errors.New("connection refused")
}
func (brokenLedger) Close() error { return nil }

func TestRecordIfNewSurvivesLedgerOutage(t *testing.T) {
	s := NewStore(brokenLedger{}, logger.NewNop())

	_, isNew := s.RecordIfNew(context.Background(), xssFinding("a.example.com"))
	assert.True(t, isNew)
	_, isNew = s.RecordIfNew(context.Background(), xssFinding("a.example.com"))
	assert.False(t, isNew)
}

// ctxLedger remembers the context error seen by each Save.
type ctxLedger struct {
	*ledger.Memory
	mu      sync.Mutex
	saveErr []error
}

func (l *ctxLedger) Save(ctx context.Context, rec types.SubmissionRecord) error {
	l.mu.Lock()
	l.saveErr = append(l.saveErr, ctx.Err())
	l.mu.Unlock()
	return l.Memory.Save(ctx, rec)
}

func TestUpdatePersistsAfterCancellation(t *testing.T) {
	l := &ctxLedger{Memory: ledger.NewMemory()}
	s := NewStore(l, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	rec, isNew := s.RecordIfNew(ctx, xssFinding("a.example.com"))
	require.True(t, isNew)

	cancel()
	rec.State = types.StateSubmitted
	rec.RemoteReportID = "H1-7"
	rec.Terminal = true
	require.NoError(t, s.Update(ctx, rec))

	persisted, err := l.Load(context.Background(), rec.Key)
	require.NoError(t, err)
	assert.Equal(t, types.StateSubmitted, persisted.State)
	assert.Equal(t, "H1-7", persisted.RemoteReportID)
	for _, err := range l.saveErr {
		assert.NoError(t, err)
	}
}

// slowLedger blocks every Load until release is closed.
type slowLedger struct {
	*ledger.Memory
	entered chan struct{}
	release chan struct{}
}

func (l *slowLedger) Load(ctx context.Context, key types.FindingKey) (*types.SubmissionRecord, error) {
	l.entered <- struct{}{}
	<-l.release
	return l.Memory.Load(ctx, key)
}

func TestRecordIfNewDoesNotHoldLockDuringLedgerIO(t *testing.T) {
	l := &slowLedger{Memory: ledger.NewMemory(), entered: make(chan struct{}, 2), release: make(chan struct{})}
	s := NewStore(l, logger.NewNop())
	f := xssFinding("a.example.com")

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.RecordIfNew(context.Background(), f)
		}(i)
	}
	<-l.entered
	<-l.entered

	// Both callers are inside the ledger; the store stays readable.
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Snapshot())

	close(l.release)
	wg.Wait()

	assert.ElementsMatch(t, []bool{true, false}, results)
	assert.Equal(t, 1, s.Len())
}
