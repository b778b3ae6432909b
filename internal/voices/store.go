package voices

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tanoshi/narration/internal/natsutil"
	"github.com/tanoshi/narration/internal/types"
)

// Store persists voice profiles.
type Store interface {
	Get(ctx context.Context, voiceID string) (*types.VoiceProfile, error)
	Put(ctx context.Context, v *types.VoiceProfile) error
	List(ctx context.Context) ([]*types.VoiceProfile, error)
}

func cloneProfile(v *types.VoiceProfile) *types.VoiceProfile {
	c := *v
	c.Languages = slices.Clone(v.Languages)
	return &c
}

// MemoryStore keeps profiles in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	voices map[string]*types.VoiceProfile
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{voices: make(map[string]*types.VoiceProfile)}
}

func (s *MemoryStore) Get(_ context.Context, voiceID string) (*types.VoiceProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.voices[voiceID]
	if !ok {
		return nil, fmt.Errorf("%w: voice %s", types.ErrNotFound, voiceID)
	}
	return cloneProfile(v), nil
}

func (s *MemoryStore) Put(_ context.Context, v *types.VoiceProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voices[v.VoiceID] = cloneProfile(v)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*types.VoiceProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.VoiceProfile, 0, len(s.voices))
	for _, v := range s.voices {
		out = append(out, cloneProfile(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VoiceID < out[j].VoiceID })
	return out, nil
}

// NATSStore keeps profiles in a JetStream KV bucket without expiry.
type NATSStore struct {
	kv jetstream.KeyValue
}

// NewNATSStore opens the voices bucket.
func NewNATSStore(ctx context.Context, js jetstream.JetStream) (*NATSStore, error) {
	kv, err := natsutil.OpenKV(ctx, js, natsutil.BucketVoices, 0)
	if err != nil {
		return nil, err
	}
	return &NATSStore{kv: kv}, nil
}

func voiceKey(voiceID string) string {
	return natsutil.Key("voice", voiceID)
}

func (s *NATSStore) Get(ctx context.Context, voiceID string) (*types.VoiceProfile, error) {
	entry, err := s.kv.Get(ctx, voiceKey(voiceID))
	if err != nil {
		if natsutil.IsNotFound(err) {
			return nil, fmt.Errorf("%w: voice %s", types.ErrNotFound, voiceID)
		}
		return nil, fmt.Errorf("failed to read voice %s: %w", voiceID, err)
	}
	var v types.VoiceProfile
	if err := json.Unmarshal(entry.Value(), &v); err != nil {
		return nil, fmt.Errorf("failed to decode voice %s: %w", voiceID, err)
	}
	return &v, nil
}

func (s *NATSStore) Put(ctx context.Context, v *types.VoiceProfile) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode voice %s: %w", v.VoiceID, err)
	}
	if _, err := s.kv.Put(ctx, voiceKey(v.VoiceID), data); err != nil {
		return fmt.Errorf("failed to write voice %s: %w", v.VoiceID, err)
	}
	return nil
}

func (s *NATSStore) List(ctx context.Context) ([]*types.VoiceProfile, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list voices: %w", err)
	}
	defer lister.Stop()

	var out []*types.VoiceProfile
	for key := range lister.Keys() {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if natsutil.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read voice key %s: %w", key, err)
		}
		var v types.VoiceProfile
		if err := json.Unmarshal(entry.Value(), &v); err != nil {
			return nil, fmt.Errorf("failed to decode voice key %s: %w", key, err)
		}
		out = append(out, &v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VoiceID < out[j].VoiceID })
	return out, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*NATSStore)(nil)
)
