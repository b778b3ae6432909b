package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"

	"github.com/tanoshi/narration/internal/audio"
)

const (
	openAITTSDefaultModel = openai.SpeechModelTTS1HD
	openAITTSDefaultVoice = "onyx"
)

// OpenAITTSConfig holds configuration for the OpenAI TTS client.
type OpenAITTSConfig struct {
	APIKey     string
	Model      string        // "tts-1-hd" (default), "tts-1", "gpt-4o-mini-tts"
	Voice      string        // fallback voice when a profile has no engine voice
	Timeout    time.Duration // HTTP timeout
	BaseURL    string        // Optional (tests)
	HTTPClient *http.Client  // Optional (tests)
}

// OpenAITTSClient implements Synthesizer using the OpenAI speech API.
// The speech voice is taken from the profile name, so a voice registered as
// "sovits:onyx" with engine openai speaks as onyx.
type OpenAITTSClient struct {
	model  string
	voice  string
	client openai.Client
}

// NewOpenAITTSClient creates a new OpenAI TTS client.
func NewOpenAITTSClient(cfg OpenAITTSConfig) *OpenAITTSClient {
	if cfg.Model == "" {
		cfg.Model = openAITTSDefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = openAITTSDefaultVoice
	}
	return &OpenAITTSClient{
		model:  cfg.Model,
		voice:  cfg.Voice,
		client: newOpenAIClient(cfg.APIKey, cfg.BaseURL, cfg.Timeout, cfg.HTTPClient),
	}
}

// Name returns the provider identifier.
func (c *OpenAITTSClient) Name() string {
	return OpenAIName
}

// HealthCheck verifies the OpenAI API is reachable and the API key is valid.
func (c *OpenAITTSClient) HealthCheck(ctx context.Context) error {
	page, err := c.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai models list failed: %w", mapOpenAIError("models", err))
	}
	if page == nil {
		return fmt.Errorf("openai models list returned nil response")
	}
	return nil
}

// Synthesize converts one utterance to WAV.
func (c *OpenAITTSClient) Synthesize(ctx context.Context, req *SynthesisRequest) (*SynthesisResult, error) {
	start := time.Now()
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}

	speed := req.Prosody.Speed
	if speed <= 0 {
		speed = 1.0
	}
	params := openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(c.model),
		Voice:          openai.AudioSpeechNewParamsVoice(c.voiceFor(req)),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatWAV,
		Speed:          openai.Float(speed),
	}
	if req.Prosody.Emotion != "" && supportsInstructions(c.model) {
		params.Instructions = openai.String("Speak with a " + req.Prosody.Emotion + " tone.")
	}

	resp, err := c.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, mapOpenAIError("speech", err)
	}
	defer resp.Body.Close()

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed reading openai audio response: %w", err)
	}
	d, err := audio.Length(wav)
	if err != nil {
		return nil, fmt.Errorf("openai speech returned unusable audio: %w", err)
	}

	return &SynthesisResult{
		Audio:         wav,
		Duration:      d,
		ExecutionTime: time.Since(start),
	}, nil
}

func (c *OpenAITTSClient) voiceFor(req *SynthesisRequest) string {
	name := strings.TrimSpace(req.Voice.Name)
	if name == "" {
		if _, slug, ok := strings.Cut(req.Voice.VoiceID, ":"); ok {
			name = slug
		}
	}
	if name == "" {
		return c.voice
	}
	return strings.ToLower(name)
}

func supportsInstructions(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	return strings.HasPrefix(m, "gpt-4o-mini-tts")
}

var (
	_ Synthesizer   = (*OpenAITTSClient)(nil)
	_ HealthChecker = (*OpenAITTSClient)(nil)
)
