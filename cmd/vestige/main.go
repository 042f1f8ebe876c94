// Command vestige is the main entry point for the Vestige memory engine.
//
// It loads the YAML config, builds the configured providers, wires the
// engine, and runs an interactive prompt on stdin: plain lines are
// remembered, "/ask <question>" queries the knowledge graph.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vestigelabs/vestige/internal/app"
	"github.com/vestigelabs/vestige/internal/config"
	"github.com/vestigelabs/vestige/internal/health"
	"github.com/vestigelabs/vestige/internal/observe"
	"github.com/vestigelabs/vestige/internal/resilience"
	"github.com/vestigelabs/vestige/pkg/provider/embeddings"
	ollamaembed "github.com/vestigelabs/vestige/pkg/provider/embeddings/ollama"
	oaembed "github.com/vestigelabs/vestige/pkg/provider/embeddings/openai"
	"github.com/vestigelabs/vestige/pkg/provider/llm"
	"github.com/vestigelabs/vestige/pkg/provider/llm/anyllm"
	"github.com/vestigelabs/vestige/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Logger ─────────────────────────────────────────────────────────────────
	// The level var lets a config reload adjust verbosity without restart.
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Load configuration ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, next *config.Config) {
		d := config.Diff(old, next)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		for _, field := range d.RestartRequired {
			slog.Warn("config change requires restart", "field", field)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vestige: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vestige: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("vestige starting",
		"config", *configPath,
		"user", cfg.User.Name,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ──────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	engine, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise engine", "err", err)
		return 1
	}

	// ── Diagnostics listener (optional) ────────────────────────────────────────
	var diag *http.Server
	if addr := cfg.Server.MetricsAddr; addr != "" {
		diag = diagnosticsServer(addr, engine)
		go func() {
			if err := diag.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("diagnostics listener error", "err", err)
			}
		}()
		slog.Info("diagnostics listening", "addr", addr)
	}

	// ── Interactive prompt ─────────────────────────────────────────────────────
	go promptLoop(ctx, stop, engine)

	slog.Info("engine ready — press Ctrl+C to shut down")

	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	grace := cfg.Pipeline.ShutdownProfileWait.Std()
	if grace <= 0 {
		grace = 90 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace+30*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if diag != nil {
		if err := diag.Shutdown(shutdownCtx); err != nil {
			slog.Warn("diagnostics listener close error", "err", err)
		}
	}

	if err := engine.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Interactive prompt ──────────────────────────────────────────────────────────

// promptLoop reads stdin until EOF or ctx cancellation. Plain lines feed the
// ingestion buffer; "/ask" runs a query through the agent loop.
func promptLoop(ctx context.Context, stop context.CancelFunc, engine *app.App) {
	var history []types.Message

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue

		case line == "/quit", line == "/exit":
			stop()
			return

		case strings.HasPrefix(line, "/ask"):
			query := strings.TrimSpace(strings.TrimPrefix(line, "/ask"))
			if query == "" {
				fmt.Println("usage: /ask <question>")
				continue
			}
			resp, err := engine.Ask(ctx, query, history)
			if err != nil {
				slog.Error("query failed", "err", err)
				continue
			}
			fmt.Println(resp.Text)
			history = append(history,
				types.Message{Role: "user", Content: query},
				types.Message{Role: "assistant", Content: resp.Text},
			)

		default:
			if _, err := engine.Remember(ctx, line); err != nil {
				slog.Error("remember failed", "err", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("stdin read error", "err", err)
	}
	// EOF on stdin ends the session.
	stop()
}

// ── Diagnostics ────────────────────────────────────────────────────────────────

// diagnosticsServer builds the /metrics, /healthz and /readyz listener.
func diagnosticsServer(addr string, engine *app.App) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.StoreChecker(engine.Store()),
		health.QueueChecker(engine.Queue()),
	).Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Provider wiring ─────────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ────────────────────────────────────────────────────────────────────
	// The hosted providers all share the same pattern: optional APIKey +
	// optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Embeddings ─────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})
}

// buildProviders instantiates the providers named in cfg and returns them in
// an [app.Providers] struct. The reasoning and agent slots are optional; the
// engine falls back to the structured provider when they are unset.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	llmSlots := []struct {
		kind  string
		entry config.ProviderEntry
		dst   *llm.Provider
	}{
		{"structured", cfg.Providers.Structured, &ps.Structured},
		{"reasoning", cfg.Providers.Reasoning, &ps.Reasoning},
		{"agent", cfg.Providers.Agent, &ps.Agent},
	}
	for _, slot := range llmSlots {
		if slot.entry.Name == "" {
			continue
		}
		p, err := reg.CreateLLM(slot.entry)
		if err != nil {
			return nil, fmt.Errorf("create %s provider %q: %w", slot.kind, slot.entry.Name, err)
		}
		if len(slot.entry.Fallbacks) > 0 {
			group := resilience.NewLLMFallback(p, slot.entry.Name, resilience.FallbackConfig{})
			for _, fb := range slot.entry.Fallbacks {
				fp, err := reg.CreateLLM(fb)
				if err != nil {
					return nil, fmt.Errorf("create %s fallback provider %q: %w", slot.kind, fb.Name, err)
				}
				group.AddFallback(fb.Name, fp)
				slog.Info("fallback provider created", "slot", slot.kind, "name", fb.Name, "model", fb.Model)
			}
			p = group
		}
		*slot.dst = p
		slog.Info("provider created", "slot", slot.kind, "name", slot.entry.Name, "model", slot.entry.Model)
	}

	if entry := cfg.Providers.Embeddings; entry.Name != "" {
		p, err := reg.CreateEmbeddings(entry)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", entry.Name, err)
		}
		ps.Embeddings = p
		slog.Info("provider created", "slot", "embeddings", "name", entry.Name, "model", entry.Model)
	}

	return ps, nil
}

// ── Startup summary ─────────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Vestige — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Structured", cfg.Providers.Structured.Name, cfg.Providers.Structured.Model)
	printProvider("Reasoning", cfg.Providers.Reasoning.Name, cfg.Providers.Reasoning.Model)
	printProvider("Agent", cfg.Providers.Agent.Name, cfg.Providers.Agent.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	fmt.Printf("║  User            : %-19s║\n", clip(cfg.User.Name))
	if cfg.Server.MetricsAddr != "" {
		fmt.Printf("║  Diagnostics     : %-19s║\n", clip(cfg.Server.MetricsAddr))
	} else {
		fmt.Printf("║  Diagnostics     : %-19s║\n", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	fmt.Printf("║  %-12s    : %-19s║\n", kind, clip(value))
}

func clip(s string) string {
	if len(s) > 19 {
		return s[:16] + "…"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
