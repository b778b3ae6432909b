package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tanoshi/narration/internal/types"
)

type memoryEntry struct {
	mu  sync.RWMutex
	job *types.Job
}

// MemoryStore is an in-process JobStore. Each job has its own lock so writers
// on different jobs never contend.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*memoryEntry
	ttl  time.Duration
}

// NewMemoryStore creates an empty store that evicts jobs idle longer than ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*memoryEntry),
		ttl:  ttl,
	}
}

func (s *MemoryStore) entry(id string) (*memoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	return e, ok
}

// Create inserts a new job.
func (s *MemoryStore) Create(_ context.Context, job *types.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: job %s already exists", types.ErrConflict, job.ID)
	}
	c := job.Clone()
	c.Recompute()
	s.jobs[job.ID] = &memoryEntry{job: c}
	return nil
}

// Read returns a copy of the job.
func (s *MemoryStore) Read(_ context.Context, id string) (*types.Job, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, fmt.Errorf("%w: job %s", types.ErrNotFound, id)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.job == nil {
		return nil, fmt.Errorf("%w: job %s", types.ErrNotFound, id)
	}
	return e.job.Clone(), nil
}

// Update applies fn under the job's write lock.
func (s *MemoryStore) Update(_ context.Context, id string, fn func(*types.Job) error) (*types.Job, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, fmt.Errorf("%w: job %s", types.ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job == nil {
		// Deleted between lookup and lock.
		return nil, fmt.Errorf("%w: job %s", types.ErrNotFound, id)
	}

	work := e.job.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	touch(work)
	e.job = work
	return work.Clone(), nil
}

// Delete removes a job.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if ok {
		e.mu.Lock()
		e.job = nil
		e.mu.Unlock()
	}
	return nil
}

// ListActive returns copies of every stored job.
func (s *MemoryStore) ListActive(_ context.Context) ([]*types.Job, error) {
	s.mu.RLock()
	entries := make([]*memoryEntry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*types.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		if e.job != nil {
			out = append(out, e.job.Clone())
		}
		e.mu.RUnlock()
	}
	return out, nil
}

// Evict removes jobs whose last activity is older than the TTL. The expiry
// check is repeated under the job's lock so a concurrent write keeps it alive.
func (s *MemoryStore) Evict(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, e := range s.jobs {
		e.mu.Lock()
		if e.job != nil && expired(e.job, s.ttl, now) {
			e.job = nil
			delete(s.jobs, id)
			evicted = append(evicted, id)
		}
		e.mu.Unlock()
	}
	return evicted, nil
}

var _ JobStore = (*MemoryStore)(nil)
