package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"
)

const openAIExtractDefaultModel = "gpt-4o-mini"

const extractionPrompt = `You read manga and comic pages for an audio narration.
For every page image, in reading order, list each piece of text as a line with:
- speaker: the character speaking, or "narrator" for captions
- text: the words exactly as written
- role: one of narration, dialogue, thought, sfx, background
- emotion: optional delivery hint
Prefer these character names when they fit: %s.
Pages are labeled "page <index>". Answer with JSON only:
{"pages":[{"index":0,"lines":[{"speaker":"...","text":"...","role":"dialogue"}]}]}
If a page cannot be read, return it with an empty lines array and an "error" string.`

// OpenAIExtractConfig configures the vision-chat extractor.
type OpenAIExtractConfig struct {
	APIKey     string
	Model      string
	BaseURL    string        // Optional (tests)
	Timeout    time.Duration // HTTP timeout
	HTTPClient *http.Client  // Optional (tests)
}

// OpenAIExtractor reads page images with a vision chat model.
type OpenAIExtractor struct {
	model  string
	client openai.Client
}

// NewOpenAIExtractor creates a vision-chat extractor.
func NewOpenAIExtractor(cfg OpenAIExtractConfig) *OpenAIExtractor {
	if cfg.Model == "" {
		cfg.Model = openAIExtractDefaultModel
	}
	return &OpenAIExtractor{
		model:  cfg.Model,
		client: newOpenAIClient(cfg.APIKey, cfg.BaseURL, cfg.Timeout, cfg.HTTPClient),
	}
}

// Name returns the provider identifier.
func (e *OpenAIExtractor) Name() string {
	return OpenAIName
}

// HealthCheck verifies the API is reachable and the key is valid.
func (e *OpenAIExtractor) HealthCheck(ctx context.Context) error {
	if _, err := e.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai models list failed: %w", mapOpenAIError("models", err))
	}
	return nil
}

// Extract sends every page of the batch in one chat completion.
func (e *OpenAIExtractor) Extract(ctx context.Context, req *ExtractionRequest) (*ExtractionResult, error) {
	start := time.Now()
	if req == nil || len(req.Pages) == 0 {
		return nil, fmt.Errorf("at least one page is required")
	}

	speakers := "none given"
	if len(req.Speakers) > 0 {
		speakers = strings.Join(req.Speakers, ", ")
	}

	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(fmt.Sprintf(extractionPrompt, speakers)),
	}
	for _, p := range req.Pages {
		parts = append(parts,
			openai.TextContentPart(fmt.Sprintf("page %d", p.Index)),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(p.Image),
			}),
		)
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(e.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(parts),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		},
	}

	completion, err := e.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, mapOpenAIError("extract", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no completion choices returned")
	}

	pages, err := decodeExtraction(completion.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	return &ExtractionResult{Pages: pages, ExecutionTime: time.Since(start)}, nil
}

var (
	_ Extractor     = (*OpenAIExtractor)(nil)
	_ HealthChecker = (*OpenAIExtractor)(nil)
)
