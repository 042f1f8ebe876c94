package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Environment references like ${OPENAI_API_KEY} are expanded before
// decoding, so secrets can stay out of the file.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// User
	if cfg.User.Name == "" {
		errs = append(errs, errors.New("user.name is required"))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.Structured.Name)
	validateProviderName("llm", cfg.Providers.Reasoning.Name)
	validateProviderName("llm", cfg.Providers.Agent.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for _, entry := range []ProviderEntry{cfg.Providers.Structured, cfg.Providers.Reasoning, cfg.Providers.Agent} {
		for _, fb := range entry.Fallbacks {
			validateProviderName("llm", fb.Name)
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers: fallback entries under %q must set a provider name", entry.Name))
			}
		}
	}

	// At least one LLM entry must be configured; unset call shapes fall back
	// to the structured entry at wiring time.
	if cfg.Providers.Structured.Name == "" && cfg.Providers.Reasoning.Name == "" && cfg.Providers.Agent.Name == "" {
		errs = append(errs, errors.New("providers: at least one of structured, reasoning, or agent must be configured"))
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required"))
	}
	if cfg.Storage.RedisAddr == "" {
		errs = append(errs, errors.New("storage.redis_addr is required"))
	}
	if cfg.Storage.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("storage.embedding_dimensions %d must not be negative", cfg.Storage.EmbeddingDimensions))
	}
	if cfg.Providers.Embeddings.Name != "" && cfg.Storage.EmbeddingDimensions == 0 {
		slog.Warn("providers.embeddings is configured but storage.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("providers.embeddings is not configured; entity similarity search will be unavailable")
	}

	// Pipeline bounds. Zero means "use the default", so only reject values
	// that are explicitly nonsensical.
	if cfg.Pipeline.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.batch_size %d must not be negative", cfg.Pipeline.BatchSize))
	}
	if cfg.Pipeline.BatchTimeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.batch_timeout %s must not be negative", cfg.Pipeline.BatchTimeout.Std()))
	}
	if cfg.Pipeline.ProfileConcurrency < 0 {
		errs = append(errs, fmt.Errorf("pipeline.profile_concurrency %d must not be negative", cfg.Pipeline.ProfileConcurrency))
	}

	// Scheduler: the merge gates must stay ordered so the review band exists.
	auto, review := cfg.Scheduler.MergeAutoThreshold, cfg.Scheduler.MergeReviewThreshold
	if auto != 0 && (auto <= 0 || auto > 1) {
		errs = append(errs, fmt.Errorf("scheduler.merge_auto_threshold %.2f is out of range (0, 1]", auto))
	}
	if review != 0 && (review <= 0 || review > 1) {
		errs = append(errs, fmt.Errorf("scheduler.merge_review_threshold %.2f is out of range (0, 1]", review))
	}
	if auto != 0 && review != 0 && review > auto {
		errs = append(errs, fmt.Errorf("scheduler.merge_review_threshold %.2f must not exceed merge_auto_threshold %.2f", review, auto))
	}

	// Agent
	if cfg.Agent.MaxCalls < 0 {
		errs = append(errs, fmt.Errorf("agent.max_calls %d must not be negative", cfg.Agent.MaxCalls))
	}
	if cfg.Agent.MaxAttempts != 0 && cfg.Agent.MaxCalls != 0 && cfg.Agent.MaxAttempts < cfg.Agent.MaxCalls {
		errs = append(errs, fmt.Errorf("agent.max_attempts %d must be at least agent.max_calls %d", cfg.Agent.MaxAttempts, cfg.Agent.MaxCalls))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
