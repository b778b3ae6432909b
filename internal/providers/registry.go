package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ProviderConfig selects and configures one provider.
type ProviderConfig struct {
	Type              string        // "openai", "http" / "sovits", "mock"
	BaseURL           string
	APIKey            string
	Model             string
	Voice             string
	Timeout           time.Duration
	RequestsPerMinute int
}

// NewExtractor builds an extractor from config.
func NewExtractor(cfg ProviderConfig) (Extractor, error) {
	switch cfg.Type {
	case OpenAIName:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai extractor requires an api key")
		}
		return NewOpenAIExtractor(OpenAIExtractConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		}), nil
	case HTTPExtractorName:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("http extractor requires a base url")
		}
		return NewHTTPExtractor(HTTPExtractConfig{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, Timeout: cfg.Timeout}), nil
	case MockName, "":
		return NewMockExtractor(), nil
	default:
		return nil, fmt.Errorf("unknown extractor type %q", cfg.Type)
	}
}

// NewSynthesizer builds a synthesizer from config.
func NewSynthesizer(cfg ProviderConfig) (Synthesizer, error) {
	switch cfg.Type {
	case OpenAIName:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai synthesizer requires an api key")
		}
		return NewOpenAITTSClient(OpenAITTSConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Voice:   cfg.Voice,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		}), nil
	case SoVITSName:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("sovits synthesizer requires a base url")
		}
		return NewSoVITSClient(SoVITSConfig{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, Timeout: cfg.Timeout}), nil
	case MockName, "":
		return NewMockSynthesizer(), nil
	default:
		return nil, fmt.Errorf("unknown synthesizer type %q", cfg.Type)
	}
}

// Registry holds the active extractor and synthesizer and supports swapping
// them when configuration changes. Calls already in flight keep the
// provider they started with.
type Registry struct {
	mu          sync.RWMutex
	extractor   Extractor
	synthesizer Synthesizer
	logger      *slog.Logger
}

// NewRegistry creates a registry with the given providers.
func NewRegistry(extractor Extractor, synthesizer Synthesizer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{extractor: extractor, synthesizer: synthesizer, logger: logger}
}

// NewRegistryFromConfig builds both providers from config.
func NewRegistryFromConfig(extraction, synthesis ProviderConfig, logger *slog.Logger) (*Registry, error) {
	e, err := NewExtractor(extraction)
	if err != nil {
		return nil, err
	}
	s, err := NewSynthesizer(synthesis)
	if err != nil {
		return nil, err
	}
	return NewRegistry(e, s, logger), nil
}

// Extractor returns the active extractor.
func (r *Registry) Extractor() Extractor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.extractor
}

// Synthesizer returns the active synthesizer.
func (r *Registry) Synthesizer() Synthesizer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.synthesizer
}

// Reload rebuilds providers from new config. On error the old providers stay.
func (r *Registry) Reload(extraction, synthesis ProviderConfig) error {
	e, err := NewExtractor(extraction)
	if err != nil {
		return fmt.Errorf("failed to reload extractor: %w", err)
	}
	s, err := NewSynthesizer(synthesis)
	if err != nil {
		return fmt.Errorf("failed to reload synthesizer: %w", err)
	}
	r.mu.Lock()
	r.extractor, r.synthesizer = e, s
	r.mu.Unlock()
	r.logger.Info("providers reloaded", "extractor", e.Name(), "synthesizer", s.Name())
	return nil
}

// HealthCheck checks every provider that supports it, keyed by role.
func (r *Registry) HealthCheck(ctx context.Context) map[string]error {
	out := make(map[string]error)
	if hc, ok := r.Extractor().(HealthChecker); ok {
		out["extraction"] = hc.HealthCheck(ctx)
	}
	if hc, ok := r.Synthesizer().(HealthChecker); ok {
		out["synthesis"] = hc.HealthCheck(ctx)
	}
	return out
}
