package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tanoshi/narration/internal/natsutil"
)

// Namespaces used as key prefixes.
const (
	NamespaceExtract = "extract"
	NamespaceUtter   = "utter"
)

// KV caches small values in a JetStream key-value bucket.
type KV struct {
	kv        jetstream.KeyValue
	namespace string
}

// NewKV opens the cache bucket for one namespace. Entries expire after ttl.
func NewKV(ctx context.Context, js jetstream.JetStream, namespace string, ttl time.Duration) (*KV, error) {
	kv, err := natsutil.OpenKV(ctx, js, natsutil.BucketCache, ttl)
	if err != nil {
		return nil, err
	}
	return &KV{kv: kv, namespace: namespace}, nil
}

// Get returns the cached value for key.
func (c *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := c.kv.Get(ctx, natsutil.Key(c.namespace, key))
	if err != nil {
		if natsutil.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	return entry.Value(), true, nil
}

// Put stores value under key.
func (c *KV) Put(ctx context.Context, key string, value []byte) error {
	if _, err := c.kv.Put(ctx, natsutil.Key(c.namespace, key), value); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Objects caches audio in a JetStream object store, which has no value size
// limit.
type Objects struct {
	store     jetstream.ObjectStore
	namespace string
}

// NewObjects opens the utterance object bucket.
func NewObjects(ctx context.Context, js jetstream.JetStream, namespace string) (*Objects, error) {
	store, err := natsutil.OpenObjects(ctx, js, natsutil.BucketUtterances)
	if err != nil {
		return nil, err
	}
	return &Objects{store: store, namespace: namespace}, nil
}

// Get returns the cached object for key.
func (c *Objects) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.store.GetBytes(ctx, natsutil.Key(c.namespace, key))
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read cached object: %w", err)
	}
	return data, true, nil
}

// Put stores value under key.
func (c *Objects) Put(ctx context.Context, key string, value []byte) error {
	if _, err := c.store.PutBytes(ctx, natsutil.Key(c.namespace, key), value); err != nil {
		return fmt.Errorf("failed to write cached object: %w", err)
	}
	return nil
}

var (
	_ Cache = (*KV)(nil)
	_ Cache = (*Objects)(nil)
)
