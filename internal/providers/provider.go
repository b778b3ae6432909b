// Package providers wraps the extraction and synthesis models behind small
// interfaces. The models are black boxes: page images plus speaker hints go
// in and labeled lines come out; text plus a voice goes in and WAV comes out.
package providers

import (
	"context"
	"time"

	"github.com/tanoshi/narration/internal/types"
)

// ExtractionPage is one page image sent to the extraction model.
type ExtractionPage struct {
	Index int
	Image []byte
}

// ExtractionRequest is a chapter-wide batch of pages.
type ExtractionRequest struct {
	ChapterID string
	Pages     []ExtractionPage
	// Speakers are character names the model should prefer when labeling.
	Speakers []string
}

// PageLines is the extraction outcome for one page.
type PageLines struct {
	Index int          `json:"index"`
	Lines []types.Line `json:"lines"`
	// Error is set when the model could not read this page.
	Error string `json:"error,omitempty"`
}

// ExtractionResult holds per-page outcomes. Pages absent from the result
// are treated as failed.
type ExtractionResult struct {
	Pages         []PageLines
	ExecutionTime time.Duration
}

// Extractor turns page images into labeled lines.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, req *ExtractionRequest) (*ExtractionResult, error)
}

// SynthesisRequest is one utterance.
type SynthesisRequest struct {
	Voice   types.VoiceProfile
	Text    string
	Prosody types.Prosody
	// Reference is the conditioning clip of a zero-shot voice.
	Reference []byte
	// Checkpoint names the weights of a few-shot voice.
	Checkpoint string
}

// SynthesisResult is 16-bit PCM WAV audio for one utterance.
type SynthesisResult struct {
	Audio         []byte
	Duration      time.Duration
	ExecutionTime time.Duration
}

// Synthesizer turns text into speech.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, req *SynthesisRequest) (*SynthesisResult, error)
}

// HealthChecker is implemented by providers that can verify connectivity.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
