package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v2"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Store.Backend != "memory" {
		t.Errorf("expected memory backend, got %q", cfg.Store.Backend)
	}
	if cfg.JobTTL != time.Hour || cfg.IdempotencyTTL != 10*time.Minute {
		t.Errorf("unexpected ttls %v %v", cfg.JobTTL, cfg.IdempotencyTTL)
	}
	if cfg.RateLimit.StartMax != 10 || cfg.RateLimit.NextMax != 20 || cfg.RateLimit.Window != time.Minute {
		t.Errorf("unexpected rate limits %+v", cfg.RateLimit)
	}
	if cfg.Pipeline.ArrivalThreshold != 4 || cfg.Pipeline.MaxUploadBytes != 3_000_000 {
		t.Errorf("unexpected pipeline defaults %+v", cfg.Pipeline)
	}
	if cfg.Providers.Extraction.APIKey != "${OPENAI_API_KEY}" {
		t.Error("expected openai API key placeholder")
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("unexpected cors origins %v", cfg.CORSOrigins)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Run("resolves environment variable", func(t *testing.T) {
		t.Setenv("TEST_API_KEY", "secret123")
		if got := ResolveEnvVars("${TEST_API_KEY}"); got != "secret123" {
			t.Errorf("expected secret123, got %s", got)
		}
	})

	t.Run("returns empty for missing env var", func(t *testing.T) {
		if got := ResolveEnvVars("${DEFINITELY_NOT_SET_12345}"); got != "" {
			t.Errorf("expected empty string, got %s", got)
		}
	})

	t.Run("leaves literal values unchanged", func(t *testing.T) {
		if got := ResolveEnvVars("literal-value"); got != "literal-value" {
			t.Errorf("expected literal-value, got %s", got)
		}
	})
}

func TestProviderConfigs(t *testing.T) {
	t.Setenv("TEST_EXTRACT_KEY", "ex-123")
	cfg := DefaultConfig()
	cfg.Providers.Extraction.Type = "openai"
	cfg.Providers.Extraction.APIKey = "${TEST_EXTRACT_KEY}"
	cfg.Providers.Synthesis.APIKey = "direct-key"

	ex, syn := cfg.ProviderConfigs()
	if ex.Type != "openai" || ex.APIKey != "ex-123" {
		t.Errorf("unexpected extraction config %+v", ex)
	}
	if syn.APIKey != "direct-key" {
		t.Errorf("expected literal key, got %s", syn.APIKey)
	}
}

func TestNewManager(t *testing.T) {
	t.Run("loads from yaml file", func(t *testing.T) {
		configFile := filepath.Join(t.TempDir(), "config.yaml")
		content := `
store:
  backend: nats
pipeline:
  arrival_threshold: 6
  trigger_timeout: 5s
rate_limit:
  start_max: 3
`
		if err := os.WriteFile(configFile, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write config file: %v", err)
		}

		mgr, err := NewManager(configFile)
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}
		cfg := mgr.Get()
		if cfg.Store.Backend != "nats" || cfg.Pipeline.ArrivalThreshold != 6 || cfg.Pipeline.TriggerTimeout != 5*time.Second {
			t.Errorf("file values not applied: %+v %+v", cfg.Store, cfg.Pipeline)
		}
		if cfg.RateLimit.StartMax != 3 || cfg.RateLimit.NextMax != 20 {
			t.Errorf("expected file value next to default, got %+v", cfg.RateLimit)
		}
		if mgr.FileUsed() != configFile {
			t.Errorf("FileUsed() = %q", mgr.FileUsed())
		}
	})

	t.Run("loads from toml in search path", func(t *testing.T) {
		dir := t.TempDir()
		content := `
[pools]
synthesis = 8

[voices]
default = "sovits:kana"
`
		if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write config file: %v", err)
		}
		mgr, err := NewManager("", dir)
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}
		cfg := mgr.Get()
		if cfg.Pools.Synthesis != 8 || cfg.Voices.Default != "sovits:kana" {
			t.Errorf("toml values not applied: %+v %+v", cfg.Pools, cfg.Voices)
		}
	})

	t.Run("missing file uses defaults", func(t *testing.T) {
		mgr, err := NewManager("", t.TempDir())
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}
		if mgr.Get().Server.Port != "8080" {
			t.Errorf("unexpected port %q", mgr.Get().Server.Port)
		}
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("NARRATION_PIPELINE_MAX_WINDOW", "12")
		t.Setenv("NARRATION_SIGNING_UPLOAD_TTL", "90s")
		mgr, err := NewManager("", t.TempDir())
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}
		cfg := mgr.Get()
		if cfg.Pipeline.MaxWindow != 12 || cfg.Signing.UploadTTL != 90*time.Second {
			t.Errorf("env overrides not applied: %d %v", cfg.Pipeline.MaxWindow, cfg.Signing.UploadTTL)
		}
	})

	t.Run("rejects unknown backend", func(t *testing.T) {
		configFile := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(configFile, []byte("store:\n  backend: redis\n"), 0o644); err != nil {
			t.Fatalf("failed to write config file: %v", err)
		}
		if _, err := NewManager(configFile); err == nil {
			t.Fatal("expected an error for an unknown backend")
		}
	})
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("NARRATION_TEST_DOTENV=from-file\n"), 0o644); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("NARRATION_TEST_DOTENV") })

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile() error = %v", err)
	}
	if got := os.Getenv("NARRATION_TEST_DOTENV"); got != "from-file" {
		t.Errorf("expected from-file, got %q", got)
	}
	if err := LoadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}
}

func TestWriteDefault(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "config.yaml")
	if err := WriteDefault(yamlPath); err != nil {
		t.Fatalf("WriteDefault(yaml) error = %v", err)
	}
	data, _ := os.ReadFile(yamlPath)
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		t.Fatalf("written yaml does not parse: %v", err)
	}
	if tree["job_ttl"] != "1h0m0s" {
		t.Errorf("expected durations as strings, got:\n%s", data)
	}

	tomlPath := filepath.Join(dir, "config.toml")
	if err := WriteDefault(tomlPath); err != nil {
		t.Fatalf("WriteDefault(toml) error = %v", err)
	}
	data, _ = os.ReadFile(tomlPath)
	tree = nil
	if err := toml.Unmarshal(data, &tree); err != nil {
		t.Fatalf("written toml does not parse: %v", err)
	}

	// Both files load back into the defaults.
	for _, p := range []string{yamlPath, tomlPath} {
		mgr, err := NewManager(p)
		if err != nil {
			t.Fatalf("NewManager(%s) error = %v", p, err)
		}
		cfg := mgr.Get()
		if cfg.JobTTL != time.Hour || cfg.Pipeline.LateBatchDelay != 500*time.Millisecond || cfg.Pools.Synthesis != 6 {
			t.Errorf("%s did not round trip: %+v", p, cfg.Pipeline)
		}
	}
}

func TestManager_OnChange_Multiple(t *testing.T) {
	mgr, err := NewManager("", t.TempDir())
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})

	mgr.mu.RLock()
	if len(mgr.callbacks) != 3 {
		t.Errorf("expected 3 callbacks, got %d", len(mgr.callbacks))
	}
	mgr.mu.RUnlock()
}

func TestManager_WatchConfig(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte("rate_limit:\n  start_max: 5\n"), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	if mgr.Get().RateLimit.StartMax != 5 {
		t.Fatalf("initial value mismatch: %d", mgr.Get().RateLimit.StartMax)
	}

	var callbackCount atomic.Int32
	var lastValue atomic.Int64
	mgr.OnChange(func(cfg *Config) {
		callbackCount.Add(1)
		lastValue.Store(int64(cfg.RateLimit.StartMax))
	})
	mgr.WatchConfig()

	// Give fsnotify time to set up the watcher
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(configFile, []byte("rate_limit:\n  start_max: 7\n"), 0o644); err != nil {
		t.Fatalf("failed to write updated config file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && lastValue.Load() != 7 {
		time.Sleep(50 * time.Millisecond)
	}

	if callbackCount.Load() == 0 {
		t.Fatal("callback was not invoked after config file change")
	}
	if got := mgr.Get().RateLimit.StartMax; got != 7 {
		t.Errorf("config not updated: expected 7, got %d", got)
	}
}

func TestManager_Settings(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte("pipeline:\n  trigger_timeout: 5s\n"), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	settings := mgr.Settings()
	pipeline, ok := settings["pipeline"].(map[string]any)
	if !ok {
		t.Fatalf("expected a nested pipeline section, got %T", settings["pipeline"])
	}
	if pipeline["trigger_timeout"] != "5s" {
		t.Errorf("expected file value, got %v", pipeline["trigger_timeout"])
	}
	if pipeline["late_batch_delay"] != "500ms" {
		t.Errorf("expected default duration as a string, got %v", pipeline["late_batch_delay"])
	}
}
