package ratelimit

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	start time.Time
	count int
}

// MemoryLimiter keeps counters in process memory.
type MemoryLimiter struct {
	limitsHolder

	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(limits Limits) *MemoryLimiter {
	l := &MemoryLimiter{
		counters: make(map[string]*counter),
		now:      time.Now,
	}
	l.limits = limits
	return l
}

// SetClock overrides the time source. Intended for tests.
func (l *MemoryLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Allow checks and consumes one unit of budget.
func (l *MemoryLimiter) Allow(_ context.Context, kind, identity string) error {
	limits := l.get()
	max, ok := limits.Max[kind]
	if !ok || max <= 0 || limits.Window <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	start := windowStart(now, limits.Window)
	key := kind + "|" + identity

	c, ok := l.counters[key]
	if !ok || !c.start.Equal(start) {
		c = &counter{start: start}
		l.counters[key] = c
		l.prune(start)
	}
	if c.count >= max {
		return rejected(kind, max, now, start, limits.Window)
	}
	c.count++
	return nil
}

// prune drops counters from earlier windows. Must be called with lock held.
func (l *MemoryLimiter) prune(current time.Time) {
	for k, c := range l.counters {
		if c.start.Before(current) {
			delete(l.counters, k)
		}
	}
}

var _ Limiter = (*MemoryLimiter)(nil)
