package ledger

import (
	"context"
	"sync"

	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

// Memory keeps records for the life of the process.
type Memory struct {
	mu      sync.RWMutex
	records map[types.FindingKey]types.SubmissionRecord
}

func NewMemory() *Memory {
	return &Memory{records: make(map[types.FindingKey]types.SubmissionRecord)}
}

func (m *Memory) Load(_ context.Context, key types.FindingKey) (*types.SubmissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	out := rec.Clone()
	return &out, nil
}

func (m *Memory) Save(_ context.Context, rec types.SubmissionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Key] = rec.Clone()
	return nil
}

func (m *Memory) Close() error { return nil }
