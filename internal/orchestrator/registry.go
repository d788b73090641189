package orchestrator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/core"
	"github.com/CodeMonkeyCybersecurity/chimera/pkg/types"
)

// Registry maps check kinds to their implementations. Adding a vulnerability
// class means registering one more Check; orchestration never changes.
type Registry struct {
	mu     sync.RWMutex
	checks map[types.CheckKind]core.Check
}

func NewRegistry() *Registry {
	return &Registry{checks: make(map[types.CheckKind]core.Check)}
}

func (r *Registry) Register(check core.Check) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := check.Kind()
	if kind == "" {
		return fmt.Errorf("check %T has an empty kind", check)
	}
	if _, exists := r.checks[kind]; exists {
		return fmt.Errorf("check %s already registered", kind)
	}
	r.checks[kind] = check
	return nil
}

func (r *Registry) Get(kind types.CheckKind) (core.Check, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.checks[kind]
	return c, ok
}

// List returns the registered kinds in sorted order.
func (r *Registry) List() []types.CheckKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]types.CheckKind, 0, len(r.checks))
	for k := range r.checks {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Select resolves kinds to checks. An empty selection means every registered check.
func (r *Registry) Select(kinds []string) ([]core.Check, error) {
	if len(kinds) == 0 {
		var all []core.Check
		for _, k := range r.List() {
			c, _ := r.Get(k)
			all = append(all, c)
		}
		return all, nil
	}

	seen := make(map[types.CheckKind]bool, len(kinds))
	out := make([]core.Check, 0, len(kinds))
	for _, name := range kinds {
		kind := types.CheckKind(name)
		if seen[kind] {
			continue
		}
		c, ok := r.Get(kind)
		if !ok {
			return nil, fmt.Errorf("unknown check %q (registered: %v)", name, r.List())
		}
		seen[kind] = true
		out = append(out, c)
	}
	return out, nil
}
