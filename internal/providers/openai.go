package providers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/tanoshi/narration/internal/types"
)

// OpenAIName identifies OpenAI-backed providers.
const OpenAIName = "openai"

// newOpenAIClient builds an SDK client. SDK retries are off: the worker
// pools own retry policy.
func newOpenAIClient(apiKey, baseURL string, timeout time.Duration, httpClient *http.Client) openai.Client {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return openai.NewClient(opts...)
}

// mapOpenAIError converts SDK errors into the pipeline's error taxonomy.
func mapOpenAIError(op string, err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if apiErr.Response != nil {
			retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return &RateLimitError{
			Provider:   OpenAIName,
			StatusCode: apiErr.StatusCode,
			RetryAfter: retryAfter,
			Message:    fmt.Sprintf("OpenAI rate limited: %s", apiErr.Message),
		}
	case apiErr.StatusCode >= 500:
		return &types.UpstreamTransientError{Op: op, StatusCode: apiErr.StatusCode, Err: err}
	case apiErr.Message != "":
		return fmt.Errorf("OpenAI %s error (status %d): %s", op, apiErr.StatusCode, apiErr.Message)
	default:
		return fmt.Errorf("OpenAI %s error (status %d)", op, apiErr.StatusCode)
	}
}
