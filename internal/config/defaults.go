package config

import (
	"strings"
	"time"
)

// Entry is one configuration key with its default and a description.
type Entry struct {
	Key         string
	Value       any
	Description string
}

// DefaultEntries returns the default configuration entries. They are
// registered as viper defaults and written by `narration config init`.
func DefaultEntries() []Entry {
	return []Entry{
		// ===================
		// Server
		// ===================
		{Key: "server.host", Value: "127.0.0.1", Description: "HTTP listen host"},
		{Key: "server.port", Value: "8080", Description: "HTTP listen port"},
		{Key: "api_base_url", Value: "http://127.0.0.1:8080", Description: "Public base URL used in upload and status links"},
		{Key: "cdn_base_url", Value: "http://127.0.0.1:8080", Description: "Public base URL page audio is served from"},
		{Key: "cors_origins", Value: []string{"*"}, Description: "Allowed CORS origins"},

		// ===================
		// Storage
		// ===================
		{Key: "store.backend", Value: "memory", Description: "Job, idempotency, rate limit and cache backend: memory or nats"},
		{Key: "nats.url", Value: "nats://127.0.0.1:4222", Description: "NATS server URL for the nats backend"},
		{Key: "nats.container_name", Value: "narration-nats", Description: "Docker container name used by `narration nats start`"},
		{Key: "nats.image", Value: "nats:2.11-alpine", Description: "Docker image used by `narration nats start`"},
		{Key: "nats.port", Value: "4222", Description: "Host port the NATS container binds"},
		{Key: "blob.dir", Value: "", Description: "Directory for page assets and audio with the memory backend (default {home}/data/blobs)"},
		{Key: "job_ttl", Value: time.Hour, Description: "Idle time after which a job is evicted"},
		{Key: "idempotency_ttl", Value: 10 * time.Minute, Description: "How long identical session requests resolve to the same job"},
		{Key: "sweep_interval", Value: 60 * time.Second, Description: "How often the memory store evicts idle jobs"},

		// ===================
		// Rate limits
		// ===================
		{Key: "rate_limit.window", Value: 60 * time.Second, Description: "Fixed rate limit window"},
		{Key: "rate_limit.start_max", Value: 10, Description: "session/start calls per identity per window"},
		{Key: "rate_limit.next_max", Value: 20, Description: "session/next calls per identity per window"},

		// ===================
		// Pipeline
		// ===================
		{Key: "pipeline.arrival_threshold", Value: 4, Description: "Uploaded pages that trigger the first extraction"},
		{Key: "pipeline.trigger_timeout", Value: 3 * time.Second, Description: "Start extraction with whatever arrived after this long"},
		{Key: "pipeline.late_batch_delay", Value: 500 * time.Millisecond, Description: "Debounce for pages arriving after the first batch"},
		{Key: "pipeline.upload_deadline", Value: 2 * time.Minute, Description: "Pages not uploaded by then fail with upload_timeout"},
		{Key: "pipeline.max_window", Value: 20, Description: "Largest accepted window size"},
		{Key: "pipeline.max_upload_bytes", Value: 3_000_000, Description: "Largest accepted page image"},
		{Key: "pipeline.max_attempts", Value: 3, Description: "Attempts per upstream call before a page fails"},
		{Key: "pipeline.retry_delay", Value: 500 * time.Millisecond, Description: "Initial retry backoff"},
		{Key: "pipeline.retry_max_delay", Value: 10 * time.Second, Description: "Retry backoff cap"},
		{Key: "pipeline.call_timeout", Value: 2 * time.Minute, Description: "Timeout per upstream call"},
		{Key: "pipeline.segment_gap", Value: 150 * time.Millisecond, Description: "Silence between utterances of a page"},

		// ===================
		// Pools and caches
		// ===================
		{Key: "pools.extraction", Value: 2, Description: "Extraction workers (1-2)"},
		{Key: "pools.synthesis", Value: 6, Description: "Synthesis workers (4-8)"},
		{Key: "cache.max_entries", Value: 4096, Description: "Entries per in-memory cache namespace"},
		{Key: "cache.ttl", Value: 24 * time.Hour, Description: "Cache entry lifetime with the nats backend"},
		{Key: "cache.phash", Value: false, Description: "Key the extraction cache by perceptual image hash"},

		// ===================
		// Signing
		// ===================
		{Key: "signing.secret", Value: "${NARRATION_SIGNING_SECRET}", Description: "HMAC secret for upload URLs (random per process when empty)"},
		{Key: "signing.upload_ttl", Value: 15 * time.Minute, Description: "Upload URL lifetime"},

		// ===================
		// Providers
		// ===================
		{Key: "providers.extraction.type", Value: "mock", Description: "Extraction provider: openai, http or mock"},
		{Key: "providers.extraction.base_url", Value: "", Description: "Extraction endpoint (openai-compatible or http)"},
		{Key: "providers.extraction.api_key", Value: "${OPENAI_API_KEY}", Description: "Extraction API key (uses environment variable)"},
		{Key: "providers.extraction.model", Value: "gpt-4o-mini", Description: "Vision model used for extraction"},
		{Key: "providers.extraction.timeout", Value: 2 * time.Minute, Description: "HTTP timeout for extraction calls"},
		{Key: "providers.extraction.requests_per_minute", Value: 60, Description: "Extraction rate limit (0 disables)"},
		{Key: "providers.synthesis.type", Value: "mock", Description: "Synthesis provider: openai, sovits or mock"},
		{Key: "providers.synthesis.base_url", Value: "", Description: "Synthesis endpoint (openai-compatible or sovits)"},
		{Key: "providers.synthesis.api_key", Value: "${OPENAI_API_KEY}", Description: "Synthesis API key (uses environment variable)"},
		{Key: "providers.synthesis.model", Value: "gpt-4o-mini-tts", Description: "Speech model"},
		{Key: "providers.synthesis.voice", Value: "alloy", Description: "Fallback provider voice"},
		{Key: "providers.synthesis.timeout", Value: 30 * time.Second, Description: "HTTP timeout for synthesis calls"},
		{Key: "providers.synthesis.requests_per_minute", Value: 600, Description: "Synthesis rate limit (0 disables)"},

		// ===================
		// Voices
		// ===================
		{Key: "voices.default", Value: "sovits:narrator", Description: "Voice used when a session names no voice pack"},
		{Key: "voices.training_delay", Value: 30 * time.Second, Description: "Time a few-shot voice spends training"},
		{Key: "voices.sample_rate", Value: 24000, Description: "Output sample rate"},
	}
}

// defaultTree nests the default entries by key path for writing a config
// file. Durations are written in their string form.
func defaultTree() map[string]any {
	root := make(map[string]any)
	for _, e := range DefaultEntries() {
		parts := strings.Split(e.Key, ".")
		node := root
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[p] = child
			}
			node = child
		}
		value := e.Value
		if d, ok := value.(time.Duration); ok {
			value = d.String()
		}
		node[parts[len(parts)-1]] = value
	}
	return root
}
