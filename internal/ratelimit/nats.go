package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tanoshi/narration/internal/natsutil"
)

// NATSLimiter keeps counters in a JetStream KV bucket so every replica shares
// one budget per caller. Keys carry the window start; the bucket TTL clears
// old windows.
type NATSLimiter struct {
	limitsHolder
	kv  jetstream.KeyValue
	now func() time.Time
}

// NewNATSLimiter opens the rate-limit bucket. Its TTL is fixed at two windows
// when the bucket is first created.
func NewNATSLimiter(ctx context.Context, js jetstream.JetStream, limits Limits) (*NATSLimiter, error) {
	kv, err := natsutil.OpenKV(ctx, js, natsutil.BucketRateLimit, 2*limits.Window)
	if err != nil {
		return nil, err
	}
	l := &NATSLimiter{kv: kv, now: time.Now}
	l.limits = limits
	return l, nil
}

// Allow checks and consumes one unit of budget with compare-and-set.
func (l *NATSLimiter) Allow(ctx context.Context, kind, identity string) error {
	limits := l.get()
	max, ok := limits.Max[kind]
	if !ok || max <= 0 || limits.Window <= 0 {
		return nil
	}

	now := l.now()
	start := windowStart(now, limits.Window)
	key := natsutil.Key("rl", kind, identity, strconv.FormatInt(start.Unix(), 10))

	for attempt := 0; attempt < natsutil.MaxCASAttempts; attempt++ {
		entry, err := l.kv.Get(ctx, key)
		if err != nil && !natsutil.IsNotFound(err) {
			return fmt.Errorf("failed to read rate limit counter: %w", err)
		}

		count := 0
		if entry != nil && err == nil {
			n, perr := strconv.Atoi(string(entry.Value()))
			if perr != nil {
				return fmt.Errorf("corrupt rate limit counter %s: %w", key, perr)
			}
			count = n
		}
		if count >= max {
			return rejected(kind, max, now, start, limits.Window)
		}

		next := []byte(strconv.Itoa(count + 1))
		if entry == nil || err != nil {
			_, err = l.kv.Create(ctx, key, next)
		} else {
			_, err = l.kv.Update(ctx, key, next, entry.Revision())
		}
		if err == nil {
			return nil
		}
		if !natsutil.IsConflict(err) {
			return fmt.Errorf("failed to update rate limit counter: %w", err)
		}
	}
	return fmt.Errorf("rate limit counter for %s/%s is contended", kind, identity)
}

var _ Limiter = (*NATSLimiter)(nil)
