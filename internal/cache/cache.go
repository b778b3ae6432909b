// Package cache provides the content-addressed extraction and utterance
// caches consulted before any model call.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image/png"
	"sync/atomic"

	"github.com/corona10/goimagehash"

	"github.com/tanoshi/narration/internal/types"
)

// Cache is a byte-valued lookup table.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// ExtractionKey returns the content hash of a page asset.
func ExtractionKey(asset []byte) string {
	sum := sha256.Sum256(asset)
	return hex.EncodeToString(sum[:])
}

// PerceptualKey returns a perceptual hash of a PNG page asset, so re-encoded
// copies of the same scan share an extraction result.
func PerceptualKey(asset []byte) (string, error) {
	img, err := png.Decode(bytes.NewReader(asset))
	if err != nil {
		return "", fmt.Errorf("failed to decode page image: %w", err)
	}
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return "", fmt.Errorf("failed to hash page image: %w", err)
	}
	return hash.ToString(), nil
}

// UtteranceKey hashes everything that changes synthesized audio.
func UtteranceKey(voiceID, text string, prosody types.Prosody) string {
	data, _ := json.Marshal(struct {
		VoiceID string        `json:"voice_id"`
		Text    string        `json:"text"`
		Prosody types.Prosody `json:"prosody"`
	}{voiceID, text, prosody})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Stats counts lookups per namespace.
type Stats struct {
	ExtractionHits   int64 `json:"extraction_hits"`
	ExtractionMisses int64 `json:"extraction_misses"`
	UtteranceHits    int64 `json:"utterance_hits"`
	UtteranceMisses  int64 `json:"utterance_misses"`
}

// Layer wraps the two cache namespaces with typed accessors.
type Layer struct {
	extractions Cache
	utterances  Cache
	perceptual  bool

	extractionHits   atomic.Int64
	extractionMisses atomic.Int64
	utteranceHits    atomic.Int64
	utteranceMisses  atomic.Int64
}

// NewLayer creates a cache layer. With perceptual set, extraction results are
// keyed by perceptual hash instead of the exact content hash.
func NewLayer(extractions, utterances Cache, perceptual bool) *Layer {
	return &Layer{extractions: extractions, utterances: utterances, perceptual: perceptual}
}

// AssetKey picks the extraction key for an asset. A perceptual hash failure
// falls back to the content hash.
func (l *Layer) AssetKey(asset []byte) string {
	if l.perceptual {
		if key, err := PerceptualKey(asset); err == nil {
			return key
		}
	}
	return ExtractionKey(asset)
}

// Lines returns cached extraction lines for an asset key.
func (l *Layer) Lines(ctx context.Context, key string) ([]types.Line, bool, error) {
	data, ok, err := l.extractions.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		l.extractionMisses.Add(1)
		return nil, false, nil
	}
	var lines []types.Line
	if err := json.Unmarshal(data, &lines); err != nil {
		l.extractionMisses.Add(1)
		return nil, false, nil
	}
	l.extractionHits.Add(1)
	return lines, true, nil
}

// PutLines caches extraction lines under an asset key.
func (l *Layer) PutLines(ctx context.Context, key string, lines []types.Line) error {
	if lines == nil {
		lines = []types.Line{}
	}
	data, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("failed to encode lines: %w", err)
	}
	return l.extractions.Put(ctx, key, data)
}

// Utterance returns cached audio for an utterance key.
func (l *Layer) Utterance(ctx context.Context, key string) ([]byte, bool, error) {
	data, ok, err := l.utterances.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		l.utteranceHits.Add(1)
	} else {
		l.utteranceMisses.Add(1)
	}
	return data, ok, nil
}

// PutUtterance caches synthesized audio.
func (l *Layer) PutUtterance(ctx context.Context, key string, audio []byte) error {
	return l.utterances.Put(ctx, key, audio)
}

// Stats returns lookup counters.
func (l *Layer) Stats() Stats {
	return Stats{
		ExtractionHits:   l.extractionHits.Load(),
		ExtractionMisses: l.extractionMisses.Load(),
		UtteranceHits:    l.utteranceHits.Load(),
		UtteranceMisses:  l.utteranceMisses.Load(),
	}
}
