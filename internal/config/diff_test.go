package config_test

import (
	"slices"
	"testing"

	"github.com/vestigelabs/vestige/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo, MetricsAddr: ":9090"},
		User:   config.UserConfig{Name: "Alex"},
		Providers: config.ProvidersConfig{
			Structured: config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini"},
			Embeddings: config.ProviderEntry{Name: "openai", Model: "text-embedding-3-small"},
		},
		Storage: config.StorageConfig{
			PostgresDSN:         "postgres://localhost/vestige",
			EmbeddingDimensions: 1536,
			RedisAddr:           "localhost:6379",
		},
		Agent: config.AgentConfig{MaxCalls: 5, MaxAttempts: 10},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("expected no restart-required sections, got %v", d.RestartRequired)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level is hot-reloadable, got restart sections %v", d.RestartRequired)
	}
}

func TestDiff_StorageChangeNeedsRestart(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Storage.RedisAddr = "redis.internal:6379"

	d := config.Diff(old, new)
	if !slices.Contains(d.RestartRequired, "storage") {
		t.Errorf("expected storage in RestartRequired, got %v", d.RestartRequired)
	}
}

func TestDiff_ProviderModelChangeNeedsRestart(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Providers.Structured.Model = "gpt-4o"

	d := config.Diff(old, new)
	if !slices.Contains(d.RestartRequired, "providers") {
		t.Errorf("expected providers in RestartRequired, got %v", d.RestartRequired)
	}
}

func TestDiff_ProviderOptionsCompared(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	old.Providers.Structured.Options = map[string]any{"seed": 7}
	new := baseConfig()
	new.Providers.Structured.Options = map[string]any{"seed": 8}

	d := config.Diff(old, new)
	if !slices.Contains(d.RestartRequired, "providers") {
		t.Errorf("expected providers in RestartRequired, got %v", d.RestartRequired)
	}
}

func TestDiff_ProviderFallbacksCompared(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Providers.Structured.Fallbacks = []config.ProviderEntry{
		{Name: "ollama", Model: "llama3.1"},
	}

	d := config.Diff(old, new)
	if !slices.Contains(d.RestartRequired, "providers") {
		t.Errorf("expected providers in RestartRequired, got %v", d.RestartRequired)
	}
}

func TestDiff_AgentTuningNeedsRestart(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Agent.MaxCalls = 8

	d := config.Diff(old, new)
	if !slices.Contains(d.RestartRequired, "agent") {
		t.Errorf("expected agent in RestartRequired, got %v", d.RestartRequired)
	}
}
