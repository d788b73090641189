// Package session owns the authenticated platform session. Only one caller may
// hold it at a time; Guard.With releases it on every return path, panics included.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/core"
	"golang.org/x/sync/semaphore"
)

type Guard struct {
	sess core.Session
	sem  *semaphore.Weighted
}

func NewGuard(sess core.Session) *Guard {
	return &Guard{sess: sess, sem: semaphore.NewWeighted(1)}
}

// With runs fn while holding the session exclusively. Acquisition honours ctx.
func (g *Guard) With(ctx context.Context, fn func(core.Session) error) error {
	release, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(g.sess)
}

// Acquire takes the session for a caller that reaches it through another
// handle, such as the platform client sharing its login. The returned func
// must be called exactly once.
func (g *Guard) Acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	var once sync.Once
	return func() { once.Do(func() { g.sem.Release(1) }) }, nil
}

// Busy reports whether someone currently holds the session.
func (g *Guard) Busy() bool {
	if g.sem.TryAcquire(1) {
		g.sem.Release(1)
		return false
	}
	return true
}

func (g *Guard) Name() string {
	return g.sess.Name()
}
