package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tanoshi/narration/internal/natsutil"
	"github.com/tanoshi/narration/internal/types"
)

// ObjectStore keeps blobs in a JetStream object store bucket.
type ObjectStore struct {
	store  jetstream.ObjectStore
	bucket string
}

// NewObjectStore opens (or creates) the blob bucket.
func NewObjectStore(ctx context.Context, js jetstream.JetStream, bucket string) (*ObjectStore, error) {
	if bucket == "" {
		bucket = natsutil.BucketBlobs
	}
	store, err := natsutil.OpenObjects(ctx, js, bucket)
	if err != nil {
		return nil, err
	}
	return &ObjectStore{store: store, bucket: bucket}, nil
}

// Put saves an object.
func (s *ObjectStore) Put(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	if _, err := s.store.PutBytes(ctx, key, data); err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, s.bucket, err)
	}
	return nil
}

// Get retrieves an object.
func (s *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.store.GetBytes(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: blob %s", types.ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, s.bucket, err)
	}
	return data, nil
}

// Delete removes an object. Missing objects are not an error.
func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	err := s.store.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
		return fmt.Errorf("failed to delete object '%s': %w", key, err)
	}
	return nil
}

// DeletePrefix lists the bucket and removes matching objects.
func (s *ObjectStore) DeletePrefix(ctx context.Context, prefix string) error {
	infos, err := s.store.List(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoObjectsFound) {
			return nil
		}
		return fmt.Errorf("failed to list bucket '%s': %w", s.bucket, err)
	}
	var errs []error
	for _, info := range infos {
		if !strings.HasPrefix(info.Name, prefix) {
			continue
		}
		if err := s.Delete(ctx, info.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Store = (*ObjectStore)(nil)
