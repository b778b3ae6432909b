// Package blob stores per-job objects: page assets, extraction results,
// audio segments, assembled page audio and status snapshots.
package blob

import (
	"context"
	"fmt"
	"strings"
)

// Store is a flat key/object store. Keys are slash separated.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every object whose key starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// JobPrefix is the key prefix of everything stored for a job.
func JobPrefix(jobID string) string {
	return "jobs/" + jobID + "/"
}

// PagePrefix is the key prefix of one page of a job.
func PagePrefix(jobID string, index int) string {
	return fmt.Sprintf("%spages/%d/", JobPrefix(jobID), index)
}

// AssetKey is where an uploaded page image lives.
func AssetKey(jobID string, index int) string {
	return PagePrefix(jobID, index) + "asset.png"
}

// LinesKey is where a page's extraction result lives.
func LinesKey(jobID string, index int) string {
	return PagePrefix(jobID, index) + "lines.json"
}

// SegmentKey is where one synthesized utterance of a page lives.
func SegmentKey(jobID string, index, n int) string {
	return fmt.Sprintf("%ssegments/%d.wav", PagePrefix(jobID, index), n)
}

// AudioKey is where a page's assembled audio lives.
func AudioKey(jobID string, index int) string {
	return PagePrefix(jobID, index) + "audio.wav"
}

// SnapshotKey is where a job's point-in-time status is written.
func SnapshotKey(jobID string) string {
	return JobPrefix(jobID) + "snapshot.json"
}

// VoicePrefix is the key prefix of a voice's reference and dataset files.
func VoicePrefix(voiceID string) string {
	return "voices/" + voiceID + "/"
}

// VoiceKey is where a named asset of a voice lives.
func VoiceKey(voiceID, name string) string {
	return VoicePrefix(voiceID) + name
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}
