// Package natsutil wires NATS JetStream key-value and object buckets for the
// stores that can run against an external broker.
package natsutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names used by narration.
const (
	BucketJobs        = "narration_jobs"
	BucketIdempotency = "narration_idemp"
	BucketRateLimit   = "narration_ratelimit"
	BucketCache       = "narration_cache"
	BucketVoices      = "narration_voices"
	BucketUtterances  = "narration_utterances"
	BucketBlobs       = "narration_blobs"
)

// MaxCASAttempts bounds optimistic update loops against a KV bucket.
const MaxCASAttempts = 16

// Connect dials NATS and returns the connection and a JetStream handle.
func Connect(url string, logger *slog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("narration"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}
	return nc, js, nil
}

// OpenKV creates or binds a key-value bucket whose entries expire after ttl.
// A zero ttl keeps entries forever.
func OpenKV(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "narration " + bucket,
		History:     1,
		TTL:         ttl,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open kv bucket %q: %w", bucket, err)
	}
	return kv, nil
}

// OpenObjects creates or binds an object store bucket.
func OpenObjects(ctx context.Context, js jetstream.JetStream, bucket string) (jetstream.ObjectStore, error) {
	store, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "narration " + bucket,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open object bucket %q: %w", bucket, err)
	}
	return store, nil
}

// Key joins parts with dots, replacing characters a KV key cannot hold.
func Key(parts ...string) string {
	clean := make([]string, len(parts))
	for i, p := range parts {
		clean[i] = sanitize(p)
	}
	return strings.Join(clean, ".")
}

func sanitize(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '=':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// IsConflict reports whether err is a failed compare-and-set on a KV key.
func IsConflict(err error) bool {
	return errors.Is(err, jetstream.ErrKeyExists)
}

// IsNotFound reports whether err means the key is absent or deleted.
func IsNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}
