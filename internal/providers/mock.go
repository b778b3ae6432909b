package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tanoshi/narration/internal/audio"
	"github.com/tanoshi/narration/internal/types"
)

// MockName identifies the in-process mock providers.
const MockName = "mock"

// MockExtractor returns deterministic lines for every page.
type MockExtractor struct {
	// Latency is added to every call.
	Latency time.Duration
	// LinesPerPage is how many lines each page yields (default 2).
	LinesPerPage int
	// FailPages makes the listed indices come back with a page error.
	FailPages map[int]bool
	// Err, when set, fails the whole call.
	Err error
	// Lines overrides generated lines for specific indices.
	Lines map[int][]types.Line

	calls    atomic.Int64
	inFlight atomic.Int32
	peak     atomic.Int32
	mu       sync.Mutex
	batches  [][]int
}

// NewMockExtractor creates a mock extractor with sensible defaults.
func NewMockExtractor() *MockExtractor {
	return &MockExtractor{LinesPerPage: 2}
}

// Name returns the provider identifier.
func (m *MockExtractor) Name() string {
	return MockName
}

// Extract fabricates lines per page.
func (m *MockExtractor) Extract(ctx context.Context, req *ExtractionRequest) (*ExtractionResult, error) {
	start := time.Now()
	m.calls.Add(1)
	trackPeak(&m.inFlight, &m.peak)
	defer m.inFlight.Add(-1)

	indices := make([]int, 0, len(req.Pages))
	for _, p := range req.Pages {
		indices = append(indices, p.Index)
	}
	m.mu.Lock()
	m.batches = append(m.batches, indices)
	m.mu.Unlock()

	if err := sleepCtx(ctx, m.Latency); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, m.Err
	}

	speaker := types.SpeakerNarrator
	if len(req.Speakers) > 0 {
		speaker = req.Speakers[0]
	}
	n := m.LinesPerPage
	if n <= 0 {
		n = 2
	}

	result := &ExtractionResult{}
	for _, p := range req.Pages {
		if m.FailPages[p.Index] {
			result.Pages = append(result.Pages, PageLines{Index: p.Index, Error: "unreadable page"})
			continue
		}
		if lines, ok := m.Lines[p.Index]; ok {
			result.Pages = append(result.Pages, PageLines{Index: p.Index, Lines: lines})
			continue
		}
		lines := make([]types.Line, 0, n)
		for i := 0; i < n; i++ {
			lines = append(lines, types.Line{
				Speaker: speaker,
				Text:    fmt.Sprintf("Page %d line %d.", p.Index, i),
				Role:    types.RoleDialogue,
			})
		}
		result.Pages = append(result.Pages, PageLines{Index: p.Index, Lines: lines})
	}
	result.ExecutionTime = time.Since(start)
	return result, nil
}

// Calls returns the number of Extract calls.
func (m *MockExtractor) Calls() int {
	return int(m.calls.Load())
}

// PeakInFlight returns the highest number of concurrent calls observed.
func (m *MockExtractor) PeakInFlight() int {
	return int(m.peak.Load())
}

// Batches returns the page indices of every call in order.
func (m *MockExtractor) Batches() [][]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]int, len(m.batches))
	copy(out, m.batches)
	return out
}

// MockSynthesizer returns a short tone per utterance.
type MockSynthesizer struct {
	// Latency is added to every call. LatencyFor overrides it per text.
	Latency    time.Duration
	LatencyFor func(text string) time.Duration
	// FailText makes utterances containing the given text fail permanently.
	FailText string
	// TransientFailures fails the first N calls with an upstream 503.
	TransientFailures int
	SampleRate        int

	calls    atomic.Int64
	inFlight atomic.Int32
	peak     atomic.Int32
}

// NewMockSynthesizer creates a mock synthesizer with sensible defaults.
func NewMockSynthesizer() *MockSynthesizer {
	return &MockSynthesizer{SampleRate: audio.DefaultSampleRate}
}

// Name returns the provider identifier.
func (m *MockSynthesizer) Name() string {
	return MockName
}

// Synthesize returns a tone whose length grows with the text.
func (m *MockSynthesizer) Synthesize(ctx context.Context, req *SynthesisRequest) (*SynthesisResult, error) {
	start := time.Now()
	n := m.calls.Add(1)
	trackPeak(&m.inFlight, &m.peak)
	defer m.inFlight.Add(-1)

	latency := m.Latency
	if m.LatencyFor != nil {
		latency = m.LatencyFor(req.Text)
	}
	if err := sleepCtx(ctx, latency); err != nil {
		return nil, err
	}
	if int(n) <= m.TransientFailures {
		return nil, &types.UpstreamTransientError{Op: MockName, StatusCode: 503, Err: errors.New("mock overloaded")}
	}
	if m.FailText != "" && strings.Contains(strings.ToLower(req.Text), strings.ToLower(m.FailText)) {
		return nil, fmt.Errorf("mock synthesis failed for %q", req.Text)
	}

	rate := m.SampleRate
	if rate == 0 {
		rate = audio.DefaultSampleRate
	}
	d := time.Duration(len(req.Text)) * 10 * time.Millisecond
	return &SynthesisResult{
		Audio:         audio.Tone(d, rate, 220),
		Duration:      d,
		ExecutionTime: time.Since(start),
	}, nil
}

// Calls returns the number of Synthesize calls.
func (m *MockSynthesizer) Calls() int {
	return int(m.calls.Load())
}

// PeakInFlight returns the highest number of concurrent calls observed.
func (m *MockSynthesizer) PeakInFlight() int {
	return int(m.peak.Load())
}

func trackPeak(cur, peak *atomic.Int32) {
	n := cur.Add(1)
	for {
		p := peak.Load()
		if n <= p || peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var (
	_ Extractor   = (*MockExtractor)(nil)
	_ Synthesizer = (*MockSynthesizer)(nil)
)
