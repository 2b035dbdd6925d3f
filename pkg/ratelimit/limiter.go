// Package ratelimit provides fixed-window admission control over the shared
// store. A limiter never decides what a store failure means: it reports
// Degraded and the degraded-mode policy engine owns that call.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Policy is a per-route quota: Limit requests per Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

func (p Policy) normalized() Policy {
	if p.Limit <= 0 {
		p.Limit = 1
	}
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	return p
}

// Decision is the outcome of one admission check. When Degraded is true the
// store could not be reached in time and Allowed carries no meaning.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	Degraded  bool
}

// RetryAfter is the whole-second wait a 429 response should advertise.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return secs
}

type Limiter interface {
	Check(ctx context.Context, key string, pol Policy) Decision
}

// InMemoryLimiter counts per-process. It exists for development without
// redis and as the deterministic half of limiter tests; it cannot coordinate
// across replicas.
type InMemoryLimiter struct {
	mu    sync.Mutex
	items map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory() *InMemoryLimiter {
	return &InMemoryLimiter{items: make(map[string]entry)}
}

func (l *InMemoryLimiter) Check(ctx context.Context, key string, pol Policy) Decision {
	pol = pol.normalized()
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = entry{count: 0, resetAt: now.Add(pol.Window)}
	}
	curr.count++
	l.items[key] = curr
	remaining := pol.Limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   curr.count <= pol.Limit,
		Limit:     pol.Limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}
