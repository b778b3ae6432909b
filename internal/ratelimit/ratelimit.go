// Package ratelimit implements fixed-window admission control keyed by
// endpoint kind and caller identity.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/tanoshi/narration/internal/types"
)

// Limiter admits or rejects one request for (kind, identity).
type Limiter interface {
	// Allow returns a RateLimitedError when the caller's count for the
	// current window already meets the maximum. A rejected call does not
	// consume budget.
	Allow(ctx context.Context, kind, identity string) error
}

// Limits holds the window length and per-kind maxima. Kinds without an entry
// are not limited.
type Limits struct {
	Window time.Duration
	Max    map[string]int
}

// limitsHolder lets limits be swapped on config reload.
type limitsHolder struct {
	mu     sync.RWMutex
	limits Limits
}

func (h *limitsHolder) get() Limits {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.limits
}

// SetLimits replaces the active limits. Counters already started keep their
// window; the new maximum applies from the next call.
func (h *limitsHolder) SetLimits(l Limits) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.limits = l
}

func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}

func rejected(kind string, max int, now, start time.Time, window time.Duration) error {
	return &types.RateLimitedError{
		Kind:       kind,
		Limit:      max,
		RetryAfter: start.Add(window).Sub(now),
	}
}
