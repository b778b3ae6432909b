package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often idle jobs are evicted.
const DefaultSweepInterval = 60 * time.Second

// Sweeper periodically evicts idle jobs and notifies listeners so in-flight
// work for those jobs can be dropped.
type Sweeper struct {
	store    JobStore
	interval time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	listeners []func(jobID string)
}

// NewSweeper creates a sweeper for the given store.
func NewSweeper(store JobStore, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
	}
}

// OnEvict registers a callback invoked once per evicted job.
func (s *Sweeper) OnEvict(fn func(jobID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.SweepOnce(ctx, now)
		}
	}
}

// SweepOnce evicts jobs idle as of now and returns their ids.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) []string {
	evicted, err := s.store.Evict(ctx, now)
	if err != nil {
		s.logger.Warn("eviction sweep failed", "error", err)
	}
	if len(evicted) == 0 {
		return evicted
	}
	s.logger.Info("evicted idle jobs", "count", len(evicted))

	s.mu.RLock()
	listeners := append([]func(string){}, s.listeners...)
	s.mu.RUnlock()
	for _, id := range evicted {
		for _, fn := range listeners {
			fn(id)
		}
	}
	return evicted
}
