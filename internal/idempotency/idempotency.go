// Package idempotency deduplicates session creation by a canonical request
// fingerprint using compare-and-set reservation.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/tanoshi/narration/internal/types"
)

// Ledger maps request fingerprints to job ids for a dedupe window.
type Ledger interface {
	// Lookup returns the job id recorded for key, if any.
	Lookup(ctx context.Context, key string) (jobID string, ok bool, err error)

	// Reserve records jobID for key unless another caller got there first.
	// It returns the winning job id and whether this call won.
	Reserve(ctx context.Context, key, jobID string) (winner string, won bool, err error)

	// Release deletes key only if it still maps to jobID.
	Release(ctx context.Context, key, jobID string) error
}

// Fingerprint hashes the canonical form of (chapter_id, window, voice_pack).
// encoding/json sorts map keys, so voice pack ordering does not matter.
func Fingerprint(chapterID string, window types.Window, pack types.VoicePack) (string, error) {
	if pack == nil {
		pack = types.VoicePack{}
	}
	payload := map[string]any{
		"chapter_id": chapterID,
		"window": map[string]int{
			"start_index": window.StartIndex,
			"size":        window.Size,
		},
		"voice_pack": map[string]string(pack),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize request: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
