package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/tanoshi/narration/internal/providers"
	"github.com/tanoshi/narration/internal/store"
)

// EnvPrefix prefixes environment overrides, e.g. NARRATION_STORE_BACKEND.
const EnvPrefix = "NARRATION"

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v         *viper.Viper
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

func newViper() *viper.Viper {
	v := viper.New()
	for _, e := range DefaultEntries() {
		v.SetDefault(e.Key, e.Value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// NewManager creates a new config manager and loads initial config. With an
// empty cfgFile, config.yaml or config.toml is searched for in the working
// directory and then in searchPaths.
func NewManager(cfgFile string, searchPaths ...string) (*Manager, error) {
	cm := &Manager{
		v:         newViper(),
		callbacks: make([]func(*Config), 0),
	}

	if cfgFile != "" {
		cm.v.SetConfigFile(cfgFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.AddConfigPath(".")
		for _, p := range searchPaths {
			cm.v.AddConfigPath(p)
		}
	}

	// Config file is optional
	if err := cm.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg
	return cm, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a .env file into the process
// environment. A missing file is not an error; variables already set win.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func (cm *Manager) load() (*Config, error) {
	cfg, err := decode(cm.v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// FileUsed returns the config file that was read, or "".
func (cm *Manager) FileUsed() string {
	return cm.v.ConfigFileUsed()
}

// Settings returns the effective configuration as a nested map with
// durations in their string form, secrets unresolved.
func (cm *Manager) Settings() map[string]any {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return stringifyDurations(cm.v.AllSettings())
}

func stringifyDurations(m map[string]any) map[string]any {
	for k, v := range m {
		switch val := v.(type) {
		case time.Duration:
			m[k] = val.String()
		case map[string]any:
			m[k] = stringifyDurations(val)
		}
	}
	return m
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration. An invalid edit is
// ignored and the previous configuration stays active.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

// Validate checks values that would otherwise fail deep inside startup.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case store.BackendMemory, store.BackendNATS:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", store.BackendMemory, store.BackendNATS, c.Store.Backend)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	if c.Pipeline.MaxWindow <= 0 {
		return fmt.Errorf("pipeline.max_window must be positive")
	}
	if c.Pipeline.ArrivalThreshold <= 0 {
		return fmt.Errorf("pipeline.arrival_threshold must be positive")
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envRef.ReplaceAllStringFunc(value, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// SigningSecret returns the resolved upload signing secret.
func (c *Config) SigningSecret() string {
	return ResolveEnvVars(c.Signing.Secret)
}

// ProviderConfigs converts the provider sections for providers.Registry,
// resolving ${ENV_VAR} references in API keys.
func (c *Config) ProviderConfigs() (extraction, synthesis providers.ProviderConfig) {
	conv := func(p ProviderCfg) providers.ProviderConfig {
		return providers.ProviderConfig{
			Type:              p.Type,
			BaseURL:           p.BaseURL,
			APIKey:            ResolveEnvVars(p.APIKey),
			Model:             p.Model,
			Voice:             p.Voice,
			Timeout:           p.Timeout,
			RequestsPerMinute: p.RequestsPerMinute,
		}
	}
	return conv(c.Providers.Extraction), conv(c.Providers.Synthesis)
}

// RateLimits returns the per-kind session maxima.
func (c *Config) RateLimits() map[string]int {
	return map[string]int{
		"start": c.RateLimit.StartMax,
		"next":  c.RateLimit.NextMax,
	}
}

// WriteDefault writes the default configuration to path. A .toml extension
// writes TOML, anything else YAML.
func WriteDefault(path string) error {
	tree := defaultTree()
	var (
		data   []byte
		err    error
		header string
	)
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		data, err = toml.Marshal(tree)
		header = "# narration configuration\n# API keys use ${ENV_VAR} syntax to reference environment variables\n\n"
	} else {
		data, err = yaml.Marshal(tree)
		header = "# narration configuration\n# API keys use ${ENV_VAR} syntax to reference environment variables\n# Set these in your shell or a .env file: export OPENAI_API_KEY=xxx\n\n"
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, append([]byte(header), data...), 0o644)
}
