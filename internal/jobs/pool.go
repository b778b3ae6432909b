// Package jobs provides the bounded worker pools that wrap the extraction
// and synthesis providers.
package jobs

import (
	"errors"
	"time"

	"github.com/tanoshi/narration/internal/providers"
)

// PoolType indicates what kind of work a pool handles.
type PoolType string

const (
	PoolTypeExtraction PoolType = "extraction"
	PoolTypeSynthesis  PoolType = "synthesis"
)

// Concurrency bounds per pool type.
const (
	MinExtractionWorkers = 1
	MaxExtractionWorkers = 2
	MinSynthesisWorkers  = 4
	MaxSynthesisWorkers  = 8
)

var (
	// ErrTaskDropped is returned for tasks cancelled before dispatch.
	ErrTaskDropped = errors.New("task dropped before dispatch")
	// ErrPoolStopped is returned for tasks still queued when the pool stops.
	ErrPoolStopped = errors.New("pool stopped")
)

// ClampWorkers bounds a configured worker count to the range allowed for
// the pool type.
func ClampWorkers(t PoolType, n int) int {
	lo, hi := MinSynthesisWorkers, MaxSynthesisWorkers
	if t == PoolTypeExtraction {
		lo, hi = MinExtractionWorkers, MaxExtractionWorkers
	}
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// RetryConfig bounds retries of transient failures.
type RetryConfig struct {
	Attempts  uint
	Delay     time.Duration
	MaxDelay  time.Duration
	MaxJitter time.Duration
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:  4,
		Delay:     500 * time.Millisecond,
		MaxDelay:  10 * time.Second,
		MaxJitter: 500 * time.Millisecond,
	}
}

// PoolStatus reports a pool's current state.
type PoolStatus struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Workers      int    `json:"workers"`
	InFlight     int    `json:"in_flight"`
	PeakInFlight int    `json:"peak_in_flight"`
	QueueDepth   int    `json:"queue_depth"`
	Completed    int64  `json:"completed"`
	Failed       int64  `json:"failed"`
	Dropped      int64  `json:"dropped"`
	Retries      int64  `json:"retries"`

	RateLimiter *providers.RateLimiterStatus `json:"rate_limiter,omitempty"`
}
