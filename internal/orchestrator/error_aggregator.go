package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

// PairFailure is a check error isolated to one (target, check kind) pair.
type PairFailure struct {
	Target types.Asset
	Kind   types.CheckKind
	Err    error
}

func (f PairFailure) Error() string {
	return fmt.Sprintf("%s on %s: %v", f.Kind, f.Target, f.Err)
}

func (f PairFailure) Unwrap() error { return f.Err }

// ErrorAggregator collects pair failures from parallel checks.
// Thread-safe: Can be used from multiple goroutines
type ErrorAggregator struct {
	failures []PairFailure
	mu       sync.Mutex
}

func NewErrorAggregator() *ErrorAggregator {
	return &ErrorAggregator{}
}

func (ea *ErrorAggregator) Add(target types.Asset, kind types.CheckKind, err error) {
	if err == nil {
		return
	}
	ea.mu.Lock()
	defer ea.mu.Unlock()
	ea.failures = append(ea.failures, PairFailure{Target: target, Kind: kind, Err: err})
}

func (ea *ErrorAggregator) HasErrors() bool {
	return ea.Count() > 0
}

func (ea *ErrorAggregator) Count() int {
	ea.mu.Lock()
	defer ea.mu.Unlock()
	return len(ea.failures)
}

// Failures returns a copy sorted by target, then kind.
func (ea *ErrorAggregator) Failures() []PairFailure {
	ea.mu.Lock()
	out := make([]PairFailure, len(ea.failures))
	copy(out, ea.failures)
	ea.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

func (ea *ErrorAggregator) Error() string {
	failures := ea.Failures()

	switch len(failures) {
	case 0:
		return ""
	case 1:
		return failures[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d checks failed:\n", len(failures)))
	for i, f := range failures {
		sb.WriteString(fmt.Sprintf("  %d. %v\n", i+1, f))
	}
	return sb.String()
}

// Summary returns a user-friendly failure summary
func (ea *ErrorAggregator) Summary(totalOperations int) string {
	n := ea.Count()
	if n == 0 {
		return fmt.Sprintf("All %d checks succeeded", totalOperations)
	}
	if totalOperations == 0 {
		return fmt.Sprintf("%d checks failed", n)
	}
	failureRate := float64(n) / float64(totalOperations) * 100
	return fmt.Sprintf("%d/%d checks failed (%.1f%% failure rate)", n, totalOperations, failureRate)
}
