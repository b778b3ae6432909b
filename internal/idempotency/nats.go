package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tanoshi/narration/internal/natsutil"
)

// NATSLedger stores reservations in a JetStream KV bucket whose TTL is the
// dedupe window. KV Create is the compare-and-set primitive.
type NATSLedger struct {
	kv jetstream.KeyValue
}

// NewNATSLedger opens the idempotency bucket.
func NewNATSLedger(ctx context.Context, js jetstream.JetStream, ttl time.Duration) (*NATSLedger, error) {
	kv, err := natsutil.OpenKV(ctx, js, natsutil.BucketIdempotency, ttl)
	if err != nil {
		return nil, err
	}
	return &NATSLedger{kv: kv}, nil
}

func ledgerKey(key string) string {
	return natsutil.Key("idemp", key)
}

// Lookup returns the job id recorded for key.
func (l *NATSLedger) Lookup(ctx context.Context, key string) (string, bool, error) {
	entry, err := l.kv.Get(ctx, ledgerKey(key))
	if err != nil {
		if natsutil.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	return string(entry.Value()), true, nil
}

// Reserve creates key -> jobID, or reads back the winner when it exists.
func (l *NATSLedger) Reserve(ctx context.Context, key, jobID string) (string, bool, error) {
	for attempt := 0; attempt < natsutil.MaxCASAttempts; attempt++ {
		_, err := l.kv.Create(ctx, ledgerKey(key), []byte(jobID))
		if err == nil {
			return jobID, true, nil
		}
		if !natsutil.IsConflict(err) {
			return "", false, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		winner, ok, err := l.Lookup(ctx, key)
		if err != nil {
			return "", false, err
		}
		if ok {
			return winner, winner == jobID, nil
		}
		// Expired or released between Create and Get.
	}
	return "", false, fmt.Errorf("idempotency key %s is contended", key)
}

// Release deletes key if it still maps to jobID.
func (l *NATSLedger) Release(ctx context.Context, key, jobID string) error {
	entry, err := l.kv.Get(ctx, ledgerKey(key))
	if err != nil {
		if natsutil.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to read idempotency key: %w", err)
	}
	if string(entry.Value()) != jobID {
		return nil
	}
	err = l.kv.Delete(ctx, ledgerKey(key), jetstream.LastRevision(entry.Revision()))
	if err != nil && !natsutil.IsConflict(err) && !natsutil.IsNotFound(err) {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

var _ Ledger = (*NATSLedger)(nil)
