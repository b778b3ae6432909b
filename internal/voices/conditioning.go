package voices

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/tanoshi/narration/internal/blob"
	"github.com/tanoshi/narration/internal/cache"
	"github.com/tanoshi/narration/internal/types"
)

// DefaultMaxCheckpoints is how many few-shot checkpoints stay warm.
const DefaultMaxCheckpoints = 4

// Conditioning is what a synthesis call needs besides the text.
type Conditioning struct {
	Reference  []byte
	Checkpoint string
}

// ConditionerStats reports cache effectiveness.
type ConditionerStats struct {
	References      int   `json:"references"`
	Checkpoints     int   `json:"checkpoints"`
	CheckpointLoads int64 `json:"checkpoint_loads"`
	CheckpointHits  int64 `json:"checkpoint_hits"`
}

// Conditioner caches zero-shot reference audio and tracks which few-shot
// checkpoints are loaded. Both caches are bounded LRUs.
type Conditioner struct {
	blobs       blob.Store
	refs        *cache.Memory
	checkpoints *cache.Memory
	loads       atomic.Int64
	hits        atomic.Int64
}

// NewConditioner creates a conditioner over the voice asset store.
func NewConditioner(blobs blob.Store, maxCheckpoints int) *Conditioner {
	if maxCheckpoints <= 0 {
		maxCheckpoints = DefaultMaxCheckpoints
	}
	return &Conditioner{
		blobs:       blobs,
		refs:        cache.NewMemory(256),
		checkpoints: cache.NewMemory(maxCheckpoints),
	}
}

// Prepare returns the conditioning for a voice. A zero-shot voice without
// an uploaded reference gets none and the engine falls back to its
// default speaker.
func (c *Conditioner) Prepare(ctx context.Context, v *types.VoiceProfile) (Conditioning, error) {
	switch v.Mode {
	case types.ModeFewShot:
		checkpoint := v.DatasetPrefix + "checkpoint"
		if _, ok, _ := c.checkpoints.Get(ctx, v.VoiceID); ok {
			c.hits.Add(1)
		} else {
			c.loads.Add(1)
			_ = c.checkpoints.Put(ctx, v.VoiceID, []byte(checkpoint))
		}
		return Conditioning{Checkpoint: checkpoint}, nil
	default:
		if ref, ok, _ := c.refs.Get(ctx, v.VoiceID); ok {
			return Conditioning{Reference: ref}, nil
		}
		if c.blobs == nil || v.RefAudioKey == "" {
			return Conditioning{}, nil
		}
		ref, err := c.blobs.Get(ctx, v.RefAudioKey)
		if errors.Is(err, types.ErrNotFound) {
			return Conditioning{}, nil
		}
		if err != nil {
			return Conditioning{}, err
		}
		_ = c.refs.Put(ctx, v.VoiceID, ref)
		return Conditioning{Reference: ref}, nil
	}
}

// Forget drops cached conditioning after new material was uploaded.
func (c *Conditioner) Forget(voiceID string) {
	c.refs.Delete(voiceID)
	c.checkpoints.Delete(voiceID)
}

// Stats returns cache counters.
func (c *Conditioner) Stats() ConditionerStats {
	return ConditionerStats{
		References:      c.refs.Len(),
		Checkpoints:     c.checkpoints.Len(),
		CheckpointLoads: c.loads.Load(),
		CheckpointHits:  c.hits.Load(),
	}
}
