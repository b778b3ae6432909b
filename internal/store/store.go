// Package store holds job and page state. Two backends implement JobStore:
// an in-process map with a background sweep, and a NATS JetStream KV bucket
// with native TTL.
package store

import (
	"context"
	"time"

	"github.com/tanoshi/narration/internal/types"
)

// JobStore is the durable record of every job's pages and progress.
// Mutations to one job are serialized; reads may run concurrently and always
// return a private copy.
type JobStore interface {
	// Create inserts a new job. Returns types.ErrConflict if the id exists.
	Create(ctx context.Context, job *types.Job) error

	// Read returns a copy of the job or types.ErrNotFound.
	Read(ctx context.Context, id string) (*types.Job, error)

	// Update applies fn to the job atomically and returns the result.
	// If fn returns an error nothing is written. Progress is recomputed, the
	// activity timestamp refreshed and the revision bumped on every
	// successful write.
	Update(ctx context.Context, id string, fn func(*types.Job) error) (*types.Job, error)

	// Delete removes a job. Deleting a missing job is not an error.
	Delete(ctx context.Context, id string) error

	// ListActive returns copies of all jobs that have not been evicted.
	ListActive(ctx context.Context) ([]*types.Job, error)

	// Evict removes jobs idle since before now minus the TTL and returns their ids.
	Evict(ctx context.Context, now time.Time) ([]string, error)
}

// Backend names accepted by config.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

func touch(job *types.Job) {
	job.UpdatedAt = time.Now().UTC()
	job.Revision++
	job.Recompute()
}

func expired(job *types.Job, ttl time.Duration, now time.Time) bool {
	return ttl > 0 && job.UpdatedAt.Add(ttl).Before(now)
}
