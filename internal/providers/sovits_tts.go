package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tanoshi/narration/internal/audio"
)

// SoVITSName identifies the self-hosted voice-cloning synthesizer.
const SoVITSName = "sovits"

// SoVITSConfig configures the synthesis server client.
type SoVITSConfig struct {
	BaseURL    string
	APIKey     string
	SampleRate int
	Timeout    time.Duration
}

// SoVITSClient posts utterances to a voice-cloning server's /tts endpoint.
// Zero-shot voices send their reference clip; few-shot voices name a
// checkpoint the server has trained.
type SoVITSClient struct {
	baseURL    string
	apiKey     string
	sampleRate int
	client     *http.Client
}

type sovitsRequest struct {
	Text       string  `json:"text"`
	VoiceID    string  `json:"voice_id"`
	Languages  string  `json:"text_lang,omitempty"`
	Speed      float64 `json:"speed"`
	Emotion    string  `json:"emotion,omitempty"`
	SampleRate int     `json:"sample_rate"`
	RefAudio   string  `json:"ref_audio_b64,omitempty"`
	Checkpoint string  `json:"checkpoint,omitempty"`
	Format     string  `json:"media_type"`
}

// NewSoVITSClient creates a synthesis server client.
func NewSoVITSClient(cfg SoVITSConfig) *SoVITSClient {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &SoVITSClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		sampleRate: cfg.SampleRate,
		client:     &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider identifier.
func (c *SoVITSClient) Name() string {
	return SoVITSName
}

// HealthCheck calls the server's /health endpoint.
func (c *SoVITSClient) HealthCheck(ctx context.Context) error {
	return getHealth(ctx, c.client, c.baseURL+"/health")
}

// Synthesize converts one utterance to WAV.
func (c *SoVITSClient) Synthesize(ctx context.Context, req *SynthesisRequest) (*SynthesisResult, error) {
	start := time.Now()
	if req == nil || strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("text is required")
	}

	sampleRate := req.Voice.SampleRate
	if sampleRate == 0 {
		sampleRate = c.sampleRate
	}
	speed := req.Prosody.Speed
	if speed <= 0 {
		speed = 1.0
	}
	body := sovitsRequest{
		Text:       req.Text,
		VoiceID:    req.Voice.VoiceID,
		Languages:  strings.Join(req.Voice.Languages, ","),
		Speed:      speed,
		Emotion:    req.Prosody.Emotion,
		SampleRate: sampleRate,
		Checkpoint: req.Checkpoint,
		Format:     "wav",
	}
	if len(req.Reference) > 0 {
		body.RefAudio = base64.StdEncoding.EncodeToString(req.Reference)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tts request failed: %w", err)
	}
	defer resp.Body.Close()

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(SoVITSName, resp, wav)
	}

	d, err := audio.Length(wav)
	if err != nil {
		return nil, fmt.Errorf("sovits returned unusable audio: %w", err)
	}
	return &SynthesisResult{Audio: wav, Duration: d, ExecutionTime: time.Since(start)}, nil
}

var (
	_ Synthesizer   = (*SoVITSClient)(nil)
	_ HealthChecker = (*SoVITSClient)(nil)
)
