package idempotency

import (
	"context"
	"sync"
	"time"
)

type record struct {
	jobID   string
	expires time.Time
}

// MemoryLedger is an in-process Ledger with per-entry expiry.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]record
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryLedger creates a ledger whose entries live for ttl.
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{
		records: make(map[string]record),
		ttl:     ttl,
		now:     time.Now,
	}
}

// live returns the unexpired record for key. Must be called with lock held.
func (l *MemoryLedger) live(key string) (record, bool) {
	r, ok := l.records[key]
	if !ok {
		return record{}, false
	}
	if l.ttl > 0 && !l.now().Before(r.expires) {
		delete(l.records, key)
		return record{}, false
	}
	return r, true
}

// Lookup returns the job id recorded for key.
func (l *MemoryLedger) Lookup(_ context.Context, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.live(key)
	return r.jobID, ok, nil
}

// Reserve records jobID for key if the key is free.
func (l *MemoryLedger) Reserve(_ context.Context, key, jobID string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.live(key); ok {
		return r.jobID, r.jobID == jobID, nil
	}
	l.records[key] = record{jobID: jobID, expires: l.now().Add(l.ttl)}
	return jobID, true, nil
}

// Release deletes key if it still points at jobID.
func (l *MemoryLedger) Release(_ context.Context, key, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.records[key]; ok && r.jobID == jobID {
		delete(l.records, key)
	}
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)
