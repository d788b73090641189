// Package findings is the single deduplication point of the pipeline and the
// owner of every submission record created during a mission.
package findings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/core"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/logger"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

// ledgerTimeout bounds one ledger round trip. Ledger calls run detached from
// the mission context so a state reached just before cancellation is still kept.
const ledgerTimeout = 10 * time.Second

type Store struct {
	mu      sync.Mutex
	records map[types.FindingKey]*types.SubmissionRecord
	order   []types.FindingKey
	ledger  core.Ledger
	logger  *logger.Logger
}

// NewStore creates an empty store. ledger may be nil, in which case
// deduplication only spans the current mission.
func NewStore(ledger core.Ledger, log *logger.Logger) *Store {
	return &Store{
		records: make(map[types.FindingKey]*types.SubmissionRecord),
		ledger:  ledger,
		logger:  log.WithComponent("finding-store"),
	}
}

// RecordIfNew returns the existing record for the finding's key with
// isNew=false, or creates a Pending record and returns it with isNew=true.
//
// A key already settled in the ledger by an earlier run is adopted as-is and
// reported as not new. A key whose earlier run ended in Failed starts over
// with a fresh attempt budget.
func (s *Store) RecordIfNew(ctx context.Context, f types.Finding) (types.SubmissionRecord, bool) {
	key := KeyOf(f)

	if rec, ok := s.Get(key); ok {
		return rec, false
	}

	// The ledger is read without the lock; the map is re-checked before insert
	// since a concurrent caller may have recorded the key meanwhile.
	prior := s.loadPrior(ctx, key)

	s.mu.Lock()
	if rec, ok := s.records[key]; ok {
		s.mu.Unlock()
		return rec.Clone(), false
	}

	if prior != nil && prior.State.Settled() {
		s.insert(prior)
		adopted := prior.Clone()
		s.mu.Unlock()
		s.logger.Infow("Finding already settled in an earlier run",
			"finding_key", key.String(),
			"state", adopted.State,
			"remote_report_id", adopted.RemoteReportID,
		)
		return adopted, false
	}

	rec := &types.SubmissionRecord{
		Key:       key,
		State:     types.StatePending,
		UpdatedAt: time.Now().UTC(),
	}
	s.insert(rec)
	out := rec.Clone()
	s.mu.Unlock()

	s.persist(ctx, out)

	s.logger.Debugw("Recorded new finding", "finding_key", key.String(), "severity", f.SeverityHint)
	return out, true
}

// Update replaces the record for rec.Key. Only the submission manager calls
// it, one caller per key at a time, so ledger writes for a key stay ordered.
func (s *Store) Update(ctx context.Context, rec types.SubmissionRecord) error {
	s.mu.Lock()
	cur, ok := s.records[rec.Key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no record for finding %s", rec.Key)
	}
	*cur = rec.Clone()
	saved := cur.Clone()
	s.mu.Unlock()

	s.persist(ctx, saved)
	return nil
}

func (s *Store) Get(key types.FindingKey) (types.SubmissionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return types.SubmissionRecord{}, false
	}
	return rec.Clone(), true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Snapshot returns copies of every record in first-discovery order.
func (s *Store) Snapshot() []types.SubmissionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.SubmissionRecord, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.records[k].Clone())
	}
	return out
}

func (s *Store) insert(rec *types.SubmissionRecord) {
	s.records[rec.Key] = rec
	s.order = append(s.order, rec.Key)
}

// Ledger failures degrade to in-run deduplication; they never fail a mission.
func (s *Store) loadPrior(ctx context.Context, key types.FindingKey) *types.SubmissionRecord {
	if s.ledger == nil {
		return nil
	}
	ctx, cancel := ledgerContext(ctx)
	defer cancel()
	prior, err := s.ledger.Load(ctx, key)
	if err != nil {
		s.logger.LogError(ctx, err, "ledger.Load", "finding_key", key.String())
		return nil
	}
	return prior
}

func (s *Store) persist(ctx context.Context, rec types.SubmissionRecord) {
	if s.ledger == nil {
		return
	}
	ctx, cancel := ledgerContext(ctx)
	defer cancel()
	if err := s.ledger.Save(ctx, rec); err != nil {
		s.logger.LogError(ctx, err, "ledger.Save", "finding_key", rec.Key.String())
	}
}

func ledgerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
}
