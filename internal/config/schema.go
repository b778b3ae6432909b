package config

import "time"

// Config holds narration configuration.
// Stored at: {home}/config.yaml (or config.toml)
type Config struct {
	Server         ServerCfg     `mapstructure:"server" yaml:"server" toml:"server"`
	Store          StoreCfg      `mapstructure:"store" yaml:"store" toml:"store"`
	NATS           NATSCfg       `mapstructure:"nats" yaml:"nats" toml:"nats"`
	JobTTL         time.Duration `mapstructure:"job_ttl" yaml:"job_ttl" toml:"job_ttl"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl" yaml:"idempotency_ttl" toml:"idempotency_ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval" toml:"sweep_interval"`
	RateLimit      RateLimitCfg  `mapstructure:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	Pipeline       PipelineCfg   `mapstructure:"pipeline" yaml:"pipeline" toml:"pipeline"`
	Pools          PoolsCfg      `mapstructure:"pools" yaml:"pools" toml:"pools"`
	Cache          CacheCfg      `mapstructure:"cache" yaml:"cache" toml:"cache"`
	Blob           BlobCfg       `mapstructure:"blob" yaml:"blob" toml:"blob"`
	Signing        SigningCfg    `mapstructure:"signing" yaml:"signing" toml:"signing"`
	Providers      ProvidersCfg  `mapstructure:"providers" yaml:"providers" toml:"providers"`
	Voices         VoicesCfg     `mapstructure:"voices" yaml:"voices" toml:"voices"`
	CDNBaseURL     string        `mapstructure:"cdn_base_url" yaml:"cdn_base_url" toml:"cdn_base_url"`
	APIBaseURL     string        `mapstructure:"api_base_url" yaml:"api_base_url" toml:"api_base_url"`
	CORSOrigins    []string      `mapstructure:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// ServerCfg configures the HTTP listener.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host" toml:"host"`
	Port string `mapstructure:"port" yaml:"port" toml:"port"`
}

// StoreCfg selects the job store backend: "memory" or "nats".
// Idempotency, rate limits, caches, voices and blobs follow the same choice.
type StoreCfg struct {
	Backend string `mapstructure:"backend" yaml:"backend" toml:"backend"`
}

// NATSCfg configures the broker connection and its container.
type NATSCfg struct {
	URL           string `mapstructure:"url" yaml:"url" toml:"url"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name" toml:"container_name"`
	Image         string `mapstructure:"image" yaml:"image" toml:"image"`
	Port          string `mapstructure:"port" yaml:"port" toml:"port"`
}

// RateLimitCfg sets per-identity session limits.
type RateLimitCfg struct {
	Window   time.Duration `mapstructure:"window" yaml:"window" toml:"window"`
	StartMax int           `mapstructure:"start_max" yaml:"start_max" toml:"start_max"`
	NextMax  int           `mapstructure:"next_max" yaml:"next_max" toml:"next_max"`
}

// PipelineCfg tunes the arrival policy and upstream calls.
type PipelineCfg struct {
	ArrivalThreshold int           `mapstructure:"arrival_threshold" yaml:"arrival_threshold" toml:"arrival_threshold"`
	TriggerTimeout   time.Duration `mapstructure:"trigger_timeout" yaml:"trigger_timeout" toml:"trigger_timeout"`
	LateBatchDelay   time.Duration `mapstructure:"late_batch_delay" yaml:"late_batch_delay" toml:"late_batch_delay"`
	UploadDeadline   time.Duration `mapstructure:"upload_deadline" yaml:"upload_deadline" toml:"upload_deadline"`
	MaxWindow        int           `mapstructure:"max_window" yaml:"max_window" toml:"max_window"`
	MaxUploadBytes   int64         `mapstructure:"max_upload_bytes" yaml:"max_upload_bytes" toml:"max_upload_bytes"`
	MaxAttempts      int           `mapstructure:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" yaml:"retry_delay" toml:"retry_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay" toml:"retry_max_delay"`
	CallTimeout      time.Duration `mapstructure:"call_timeout" yaml:"call_timeout" toml:"call_timeout"`
	SegmentGap       time.Duration `mapstructure:"segment_gap" yaml:"segment_gap" toml:"segment_gap"`
}

// PoolsCfg sets worker counts. Values are clamped to each pool's range.
type PoolsCfg struct {
	Extraction int `mapstructure:"extraction" yaml:"extraction" toml:"extraction"`
	Synthesis  int `mapstructure:"synthesis" yaml:"synthesis" toml:"synthesis"`
}

// CacheCfg configures the extraction and utterance caches.
type CacheCfg struct {
	MaxEntries int           `mapstructure:"max_entries" yaml:"max_entries" toml:"max_entries"`
	TTL        time.Duration `mapstructure:"ttl" yaml:"ttl" toml:"ttl"`
	// PHash keys the extraction cache by perceptual image hash, so
	// re-encoded scans of the same page still hit.
	PHash bool `mapstructure:"phash" yaml:"phash" toml:"phash"`
}

// BlobCfg configures where page assets and audio live when the store
// backend is memory.
type BlobCfg struct {
	Dir string `mapstructure:"dir" yaml:"dir" toml:"dir"`
}

// SigningCfg configures upload URL signatures.
type SigningCfg struct {
	Secret    string        `mapstructure:"secret" yaml:"secret" toml:"secret"`
	UploadTTL time.Duration `mapstructure:"upload_ttl" yaml:"upload_ttl" toml:"upload_ttl"`
}

// ProvidersCfg configures the two model backends.
type ProvidersCfg struct {
	Extraction ProviderCfg `mapstructure:"extraction" yaml:"extraction" toml:"extraction"`
	Synthesis  ProviderCfg `mapstructure:"synthesis" yaml:"synthesis" toml:"synthesis"`
}

// ProviderCfg configures one model backend.
type ProviderCfg struct {
	Type              string        `mapstructure:"type" yaml:"type" toml:"type"` // "openai", "http", "sovits", "mock"
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url" toml:"base_url"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key" toml:"api_key"` // supports ${ENV_VAR}
	Model             string        `mapstructure:"model" yaml:"model" toml:"model"`
	Voice             string        `mapstructure:"voice" yaml:"voice" toml:"voice"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout" toml:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute" toml:"requests_per_minute"`
}

// VoicesCfg configures the voice registry.
type VoicesCfg struct {
	Default       string        `mapstructure:"default" yaml:"default" toml:"default"`
	TrainingDelay time.Duration `mapstructure:"training_delay" yaml:"training_delay" toml:"training_delay"`
	SampleRate    int           `mapstructure:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`
}

// DefaultConfig returns configuration with every default applied.
func DefaultConfig() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// The defaults table is static; failing to decode it is a programming error.
		panic(err)
	}
	return cfg
}
