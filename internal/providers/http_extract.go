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
)

// HTTPExtractorName identifies a self-hosted extraction model.
const HTTPExtractorName = "http"

// HTTPExtractConfig configures a self-hosted extraction server.
type HTTPExtractConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPExtractor posts page batches to a model server's /extract endpoint.
type HTTPExtractor struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type httpExtractPage struct {
	Index int    `json:"index"`
	Image string `json:"image_b64"`
}

type httpExtractRequest struct {
	ChapterID string            `json:"chapter_id"`
	Speakers  []string          `json:"speakers"`
	Pages     []httpExtractPage `json:"pages"`
}

// NewHTTPExtractor creates a client for a self-hosted extraction model.
func NewHTTPExtractor(cfg HTTPExtractConfig) *HTTPExtractor {
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}
	return &HTTPExtractor{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider identifier.
func (e *HTTPExtractor) Name() string {
	return HTTPExtractorName
}

// HealthCheck calls the server's /health endpoint.
func (e *HTTPExtractor) HealthCheck(ctx context.Context) error {
	return getHealth(ctx, e.client, e.baseURL+"/health")
}

// Extract sends the batch and validates the response against the extraction schema.
func (e *HTTPExtractor) Extract(ctx context.Context, req *ExtractionRequest) (*ExtractionResult, error) {
	start := time.Now()
	if req == nil || len(req.Pages) == 0 {
		return nil, fmt.Errorf("at least one page is required")
	}

	body := httpExtractRequest{ChapterID: req.ChapterID, Speakers: req.Speakers}
	for _, p := range req.Pages {
		body.Pages = append(body.Pages, httpExtractPage{
			Index: p.Index,
			Image: base64.StdEncoding.EncodeToString(p.Image),
		})
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal extraction request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/extract", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("extraction request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read extraction response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(HTTPExtractorName, resp, respBody)
	}

	pages, err := decodeExtraction(string(respBody))
	if err != nil {
		return nil, err
	}
	return &ExtractionResult{Pages: pages, ExecutionTime: time.Since(start)}, nil
}

func getHealth(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

var (
	_ Extractor     = (*HTTPExtractor)(nil)
	_ HealthChecker = (*HTTPExtractor)(nil)
)
