package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter paces outbound traffic: a global token bucket plus a minimum gap
// between consecutive requests to the same host.
type Limiter struct {
	limiter      *rate.Limiter
	requestDelay time.Duration
	burstSize    int
	nextSlot     map[string]time.Time
	mu           sync.Mutex
}

type Config struct {
	// RequestsPerSecond <= 0 disables the global limit.
	RequestsPerSecond float64
	BurstSize         int
	// MinDelay is the minimum gap between requests to the same host.
	MinDelay time.Duration
}

// DefaultConfig is tuned for scanning targets of a bounty program.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10.0,
		BurstSize:         5,
		MinDelay:          100 * time.Millisecond,
	}
}

// SubmissionConfig is deliberately slow; platforms throttle report APIs hard.
func SubmissionConfig() Config {
	return Config{
		RequestsPerSecond: 1.0,
		BurstSize:         1,
	}
}

// Unlimited never blocks.
func Unlimited() Config {
	return Config{}
}

func NewLimiter(config Config) *Limiter {
	limit := rate.Limit(config.RequestsPerSecond)
	if config.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := config.BurstSize
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter:      rate.NewLimiter(limit, burst),
		requestDelay: config.MinDelay,
		burstSize:    burst,
		nextSlot:     make(map[string]time.Time),
	}
}

// Wait blocks until the global limit allows a request.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// WaitForHost waits for the global limit, then for the host's next free slot.
// Slots are reserved under the lock and slept on outside it, so a slow host
// never stalls requests to other hosts.
func (l *Limiter) WaitForHost(ctx context.Context, host string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	if l.requestDelay <= 0 {
		return nil
	}

	l.mu.Lock()
	now := time.Now()
	slot := now
	if next, ok := l.nextSlot[host]; ok && next.After(now) {
		slot = next
	}
	l.nextSlot[host] = slot.Add(l.requestDelay)
	l.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

func (l *Limiter) SetLimit(requestsPerSecond float64) {
	l.limiter.SetLimit(rate.Limit(requestsPerSecond))
}

func (l *Limiter) SetBurst(burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.burstSize = burst
	l.limiter.SetBurst(burst)
}

// Reset forgets per-host history.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSlot = make(map[string]time.Time)
}

func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		TrackedHosts: len(l.nextSlot),
		BurstSize:    l.burstSize,
		RequestDelay: l.requestDelay,
	}
}

type Stats struct {
	TrackedHosts int
	BurstSize    int
	RequestDelay time.Duration
}
