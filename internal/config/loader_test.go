package config_test

import (
	"strings"
	"testing"

	"github.com/vestigelabs/vestige/internal/config"
)

// validYAML is a minimal config that passes Validate, used as a base by the
// tests below.
const validYAML = `
server:
  log_level: info
user:
  name: Alex
providers:
  structured:
    name: openai
    model: gpt-4o-mini
  embeddings:
    name: openai
    model: text-embedding-3-small
storage:
  postgres_dsn: "postgres://localhost/vestige"
  embedding_dimensions: 1536
  redis_addr: "localhost:6379"
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.User.Name != "Alex" {
		t.Errorf("user.name = %q, want Alex", cfg.User.Name)
	}
	if cfg.Storage.EmbeddingDimensions != 1536 {
		t.Errorf("storage.embedding_dimensions = %d, want 1536", cfg.Storage.EmbeddingDimensions)
	}
	if cfg.Providers.Structured.Model != "gpt-4o-mini" {
		t.Errorf("providers.structured.model = %q", cfg.Providers.Structured.Model)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := validYAML + `
pipelines:
  batch_size: 5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
}

func TestLoadFromReader_FallbacksDecode(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, `  structured:
    name: openai
    model: gpt-4o-mini`, `  structured:
    name: openai
    model: gpt-4o-mini
    fallbacks:
      - name: ollama
        base_url: http://localhost:11434
        model: llama3.1`, 1)
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fbs := cfg.Providers.Structured.Fallbacks
	if len(fbs) != 1 {
		t.Fatalf("len(fallbacks) = %d, want 1", len(fbs))
	}
	if fbs[0].Name != "ollama" || fbs[0].Model != "llama3.1" {
		t.Errorf("fallback = %+v, want ollama/llama3.1", fbs[0])
	}
}

func TestValidate_FallbackNameRequired(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, `  structured:
    name: openai
    model: gpt-4o-mini`, `  structured:
    name: openai
    model: gpt-4o-mini
    fallbacks:
      - model: llama3.1`, 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for fallback without a name, got nil")
	}
	if !strings.Contains(err.Error(), "fallback") {
		t.Errorf("error should mention fallback, got: %v", err)
	}
}

func TestValidate_UserNameRequired(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  structured:
    name: openai
storage:
  postgres_dsn: "postgres://localhost/vestige"
  redis_addr: "localhost:6379"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing user.name, got nil")
	}
	if !strings.Contains(err.Error(), "user.name") {
		t.Errorf("error should mention user.name, got: %v", err)
	}
}

func TestValidate_StorageRequired(t *testing.T) {
	t.Parallel()
	yaml := `
user:
  name: Alex
providers:
  structured:
    name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors for missing storage, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "postgres_dsn") {
		t.Errorf("error should mention postgres_dsn, got: %v", err)
	}
	if !strings.Contains(errStr, "redis_addr") {
		t.Errorf("error should mention redis_addr, got: %v", err)
	}
}

func TestValidate_NoLLMProvider(t *testing.T) {
	t.Parallel()
	yaml := `
user:
  name: Alex
storage:
  postgres_dsn: "postgres://localhost/vestige"
  redis_addr: "localhost:6379"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error when no LLM provider is configured, got nil")
	}
	if !strings.Contains(err.Error(), "structured") {
		t.Errorf("error should mention the structured entry, got: %v", err)
	}
}

func TestValidate_MergeGatesOrdered(t *testing.T) {
	t.Parallel()
	yaml := validYAML + `
scheduler:
  merge_auto_threshold: 0.7
  merge_review_threshold: 0.9
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for review threshold above auto threshold, got nil")
	}
	if !strings.Contains(err.Error(), "merge_review_threshold") {
		t.Errorf("error should mention merge_review_threshold, got: %v", err)
	}
}

func TestValidate_AgentAttemptsBelowCalls(t *testing.T) {
	t.Parallel()
	yaml := validYAML + `
agent:
  max_calls: 8
  max_attempts: 3
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for max_attempts below max_calls, got nil")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, "log_level: info", "log_level: loud", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "log_level") || !strings.Contains(errStr, "user.name") {
		t.Errorf("joined error should report every failure, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	llmNames := config.ValidProviderNames["llm"]
	if len(llmNames) == 0 {
		t.Fatal("ValidProviderNames[\"llm\"] should not be empty")
	}
	found := false
	for _, n := range llmNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"llm\"] should contain \"openai\"")
	}
}

func TestPipelineDurationsParse(t *testing.T) {
	t.Parallel()
	yaml := validYAML + `
pipeline:
  batch_size: 10
  batch_timeout: 30s
scheduler:
  check_interval: 2m
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Pipeline.BatchTimeout.Std().Seconds(); got != 30 {
		t.Errorf("pipeline.batch_timeout = %vs, want 30s", got)
	}
	if got := cfg.Scheduler.CheckInterval.Std().Minutes(); got != 2 {
		t.Errorf("scheduler.check_interval = %vm, want 2m", got)
	}
}
