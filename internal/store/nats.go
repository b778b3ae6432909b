package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tanoshi/narration/internal/natsutil"
	"github.com/tanoshi/narration/internal/types"
)

// NATSStore keeps jobs in a JetStream KV bucket. The bucket TTL matches the
// job TTL and every write refreshes an entry's age, so idle jobs expire
// without a sweep. Updates use optimistic compare-and-set on the revision.
type NATSStore struct {
	kv     jetstream.KeyValue
	ttl    time.Duration
	logger *slog.Logger
}

// NATSStoreConfig configures a NATSStore.
type NATSStoreConfig struct {
	JetStream jetstream.JetStream
	Bucket    string
	TTL       time.Duration
	Logger    *slog.Logger
}

// NewNATSStore opens (or creates) the jobs bucket.
func NewNATSStore(ctx context.Context, cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = natsutil.BucketJobs
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	kv, err := natsutil.OpenKV(ctx, cfg.JetStream, cfg.Bucket, cfg.TTL)
	if err != nil {
		return nil, err
	}
	return &NATSStore{
		kv:     kv,
		ttl:    cfg.TTL,
		logger: logger.With("component", "store", "backend", BackendNATS),
	}, nil
}

func jobKey(id string) string {
	return natsutil.Key("job", id)
}

// Create inserts a new job.
func (s *NATSStore) Create(ctx context.Context, job *types.Job) error {
	c := job.Clone()
	c.Recompute()
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if _, err := s.kv.Create(ctx, jobKey(job.ID), data); err != nil {
		if natsutil.IsConflict(err) {
			return fmt.Errorf("%w: job %s already exists", types.ErrConflict, job.ID)
		}
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

func (s *NATSStore) get(ctx context.Context, id string) (*types.Job, uint64, error) {
	entry, err := s.kv.Get(ctx, jobKey(id))
	if err != nil {
		if natsutil.IsNotFound(err) {
			return nil, 0, fmt.Errorf("%w: job %s", types.ErrNotFound, id)
		}
		return nil, 0, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	var job types.Job
	if err := json.Unmarshal(entry.Value(), &job); err != nil {
		return nil, 0, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, entry.Revision(), nil
}

// Read returns the stored job.
func (s *NATSStore) Read(ctx context.Context, id string) (*types.Job, error) {
	job, _, err := s.get(ctx, id)
	return job, err
}

// Update applies fn and writes the result only if nobody else wrote the job
// in between, retrying on conflict.
func (s *NATSStore) Update(ctx context.Context, id string, fn func(*types.Job) error) (*types.Job, error) {
	for attempt := 0; attempt < natsutil.MaxCASAttempts; attempt++ {
		job, rev, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(job); err != nil {
			return nil, err
		}
		touch(job)
		data, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal job: %w", err)
		}
		if _, err := s.kv.Update(ctx, jobKey(id), data, rev); err != nil {
			if natsutil.IsConflict(err) {
				s.logger.Debug("job update conflict, retrying", "job_id", id, "attempt", attempt+1)
				continue
			}
			return nil, fmt.Errorf("failed to write job %s: %w", id, err)
		}
		return job, nil
	}
	return nil, fmt.Errorf("job %s: too many concurrent writers", id)
}

// Delete removes a job.
func (s *NATSStore) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, jobKey(id)); err != nil && !natsutil.IsNotFound(err) {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

// ListActive returns every job still present in the bucket.
func (s *NATSStore) ListActive(ctx context.Context) ([]*types.Job, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer lister.Stop()

	var out []*types.Job
	for key := range lister.Keys() {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if natsutil.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		var job types.Job
		if err := json.Unmarshal(entry.Value(), &job); err != nil {
			s.logger.Warn("skipping undecodable job", "key", key, "error", err)
			continue
		}
		out = append(out, &job)
	}
	return out, nil
}

// Evict deletes jobs whose recorded activity is older than the TTL. The bucket
// TTL removes them anyway; evicting here lets callers learn which ids went away.
// Deletion is conditional on the revision read so a concurrent write wins.
func (s *NATSStore) Evict(ctx context.Context, now time.Time) ([]string, error) {
	jobs, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var evicted []string
	for _, j := range jobs {
		if !expired(j, s.ttl, now) {
			continue
		}
		fresh, rev, err := s.get(ctx, j.ID)
		if err != nil || !expired(fresh, s.ttl, now) {
			continue
		}
		if err := s.kv.Delete(ctx, jobKey(j.ID), jetstream.LastRevision(rev)); err != nil {
			if natsutil.IsConflict(err) {
				continue
			}
			return evicted, fmt.Errorf("failed to evict job %s: %w", j.ID, err)
		}
		evicted = append(evicted, j.ID)
	}
	return evicted, nil
}

var _ JobStore = (*NATSStore)(nil)
