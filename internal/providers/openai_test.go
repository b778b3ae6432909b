package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tanoshi/narration/internal/audio"
	"github.com/tanoshi/narration/internal/types"
)

func TestOpenAITTSSynthesizeSuccess(t *testing.T) {
	var payload map[string]any
	wav := audio.Tone(200*time.Millisecond, audio.DefaultSampleRate, 440)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/speech" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("unmarshal body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(wav)
	}))
	defer server.Close()

	client := NewOpenAITTSClient(OpenAITTSConfig{
		APIKey:  "test-key",
		Model:   "gpt-4o-mini-tts",
		BaseURL: server.URL,
	})

	result, err := client.Synthesize(context.Background(), &SynthesisRequest{
		Voice:   types.VoiceProfile{VoiceID: "sovits:nova", Name: "Nova"},
		Text:    "Hello world.",
		Prosody: types.Prosody{Speed: 1.1, Emotion: "calm"},
	})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if result.Duration != 200*time.Millisecond {
		t.Fatalf("unexpected duration %s", result.Duration)
	}
	if got, _ := payload["voice"].(string); got != "nova" {
		t.Fatalf("expected voice nova, got %q", got)
	}
	if got, _ := payload["response_format"].(string); got != "wav" {
		t.Fatalf("expected response_format wav, got %q", got)
	}
	if got, _ := payload["instructions"].(string); !strings.Contains(got, "calm") {
		t.Fatalf("expected emotion instructions, got %q", got)
	}
}

func TestOpenAITTSRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limit","type":"rate_limit_error","param":"","code":"rate_limit"}}`))
	}))
	defer server.Close()

	client := NewOpenAITTSClient(OpenAITTSConfig{APIKey: "test-key", BaseURL: server.URL})

	_, err := client.Synthesize(context.Background(), &SynthesisRequest{Text: "Hello world."})
	rle, ok := IsRateLimitError(err)
	if !ok {
		t.Fatalf("expected RateLimitError, got %T: %v", err, err)
	}
	if rle.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rle.StatusCode)
	}
	if rle.RetryAfter != 3*time.Second {
		t.Fatalf("expected RetryAfter=3s, got %v", rle.RetryAfter)
	}
}

func TestOpenAITTSServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"bad gateway"}}`))
	}))
	defer server.Close()

	client := NewOpenAITTSClient(OpenAITTSConfig{APIKey: "test-key", BaseURL: server.URL})
	_, err := client.Synthesize(context.Background(), &SynthesisRequest{Text: "Hi."})
	if !types.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestOpenAIExtract(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)

		content := "```json\n" + `{"pages":[{"index":0,"lines":[{"speaker":"hero","text":"Run!","role":"dialogue"}]},{"index":1,"lines":[],"error":"blank"}]}` + "\n```"
		resp := map[string]any{
			"id":      "cmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	e := NewOpenAIExtractor(OpenAIExtractConfig{APIKey: "k", BaseURL: server.URL})
	result, err := e.Extract(context.Background(), &ExtractionRequest{
		ChapterID: "ch-1",
		Pages:     []ExtractionPage{{Index: 0, Image: []byte("png0")}, {Index: 1, Image: []byte("png1")}},
		Speakers:  []string{"hero"},
	})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(result.Pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(result.Pages))
	}
	if result.Pages[0].Lines[0].Speaker != "hero" || result.Pages[1].Error != "blank" {
		t.Fatalf("unexpected pages %+v", result.Pages)
	}
	if rf, _ := payload["response_format"].(map[string]any); rf["type"] != "json_object" {
		t.Fatalf("expected json_object response format, got %v", payload["response_format"])
	}
}

func TestDecodeExtractionRejectsBadRole(t *testing.T) {
	_, err := decodeExtraction(`{"pages":[{"index":0,"lines":[{"speaker":"a","text":"b","role":"shout"}]}]}`)
	if err == nil || !strings.Contains(err.Error(), "schema") {
		t.Fatalf("expected schema error, got %v", err)
	}
}
