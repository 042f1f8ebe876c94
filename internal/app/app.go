// Package app wires all Vestige subsystems into a running memory engine.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the ingestion, consolidation and maintenance
// loops, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithQueue, WithStore). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vestigelabs/vestige/internal/agentloop"
	"github.com/vestigelabs/vestige/internal/config"
	"github.com/vestigelabs/vestige/internal/graphbuilder"
	"github.com/vestigelabs/vestige/internal/ingest"
	"github.com/vestigelabs/vestige/internal/jobs"
	"github.com/vestigelabs/vestige/internal/llmsvc"
	"github.com/vestigelabs/vestige/internal/nlp"
	"github.com/vestigelabs/vestige/internal/resolver"
	"github.com/vestigelabs/vestige/internal/scheduler"
	"github.com/vestigelabs/vestige/pkg/graph"
	graphpg "github.com/vestigelabs/vestige/pkg/graph/postgres"
	"github.com/vestigelabs/vestige/pkg/provider/embeddings"
	"github.com/vestigelabs/vestige/pkg/provider/llm"
	"github.com/vestigelabs/vestige/pkg/queue"
	queueredis "github.com/vestigelabs/vestige/pkg/queue/redis"
	"github.com/vestigelabs/vestige/pkg/types"
)

// Providers holds one provider value per model slot. Nil Reasoning or Agent
// fall back to Structured; nil Embeddings disables similarity features.
// Populated by main.go via the config registry.
type Providers struct {
	Structured llm.Provider
	Reasoning  llm.Provider
	Agent      llm.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and orchestrates the Vestige memory engine.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	queue        queue.Queue
	store        graph.Store
	llm          *llmsvc.Service
	resolver     *resolver.Resolver
	nlp          *nlp.Pipeline
	processor    *ingest.Processor
	builder      *graphbuilder.Builder
	scheduler    *scheduler.Scheduler
	agent        *agentloop.Loop
	userEntityID int64

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithQueue injects a queue instead of connecting to Redis from config.
func WithQueue(q queue.Queue) Option {
	return func(a *App) { a.queue = q }
}

// WithStore injects a graph store instead of connecting to PostgreSQL from
// config.
func WithStore(s graph.Store) Option {
	return func(a *App) { a.store = s }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for the stores.
//
// New performs all initialisation synchronously: store and queue connection,
// resolver hydration, user-entity bootstrap, and pipeline, scheduler and
// agent-loop assembly. Hydration failure is fatal; an engine running against
// a partial entity index would silently fork the graph.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Graph store ───────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Queue ─────────────────────────────────────────────────────────
	if err := a.initQueue(ctx); err != nil {
		return nil, fmt.Errorf("app: init queue: %w", err)
	}

	// ── 3. Model service ─────────────────────────────────────────────────
	if err := a.initLLM(); err != nil {
		return nil, fmt.Errorf("app: init llm: %w", err)
	}

	// ── 4. Resolver ──────────────────────────────────────────────────────
	a.resolver = resolver.New(a.store, providers.Embeddings, resolver.Config{})
	if err := a.resolver.Hydrate(ctx); err != nil {
		return nil, fmt.Errorf("app: hydrate resolver: %w", err)
	}
	slog.Info("resolver hydrated", "entities", a.resolver.Count())

	// ── 5. Graph builder ─────────────────────────────────────────────────
	a.builder = graphbuilder.New(a.queue, a.store, graphbuilder.Config{})

	// ── 6. User entity ───────────────────────────────────────────────────
	if err := a.initUserEntity(ctx); err != nil {
		return nil, fmt.Errorf("app: init user entity: %w", err)
	}

	// ── 7. Batch processor ───────────────────────────────────────────────
	a.nlp = nlp.New(a.llm)
	a.processor = ingest.New(a.queue, a.store, a.resolver, a.nlp, a.llm,
		a.userEntityID, cfg.User.Name, ingest.Config{
			BatchSize:           cfg.Pipeline.BatchSize,
			BatchTimeout:        cfg.Pipeline.BatchTimeout.Std(),
			ProfileInterval:     cfg.Pipeline.ProfileInterval,
			RecentWindow:        cfg.Pipeline.RecentWindow,
			UserWindow:          cfg.Pipeline.UserWindow,
			ProfileConcurrency:  cfg.Pipeline.ProfileConcurrency,
			ShutdownProfileWait: cfg.Pipeline.ShutdownProfileWait.Std(),
		})

	// ── 8. Scheduler + jobs ──────────────────────────────────────────────
	a.initScheduler()

	// ── 9. Agent loop ────────────────────────────────────────────────────
	a.agent = agentloop.New(a.llm, a.store, a.resolver, a.queue, agentloop.Config{
		MaxCalls:    cfg.Agent.MaxCalls,
		MaxAttempts: cfg.Agent.MaxAttempts,
		Timeout:     cfg.Agent.Timeout.Std(),
	})

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to PostgreSQL unless a store was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		return fmt.Errorf("storage.postgres_dsn is required when no store is injected")
	}

	dims := a.cfg.Storage.EmbeddingDimensions
	if dims == 0 {
		dims = 1536 // sensible default for OpenAI text-embedding-3-small
	}

	store, err := graphpg.NewStore(ctx, dsn, dims)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initQueue connects to Redis unless a queue was injected. All keys are
// scoped by the user name, so two users on one Redis never interleave.
func (a *App) initQueue(ctx context.Context) error {
	if a.queue != nil {
		return nil
	}

	addr := a.cfg.Storage.RedisAddr
	if addr == "" {
		return fmt.Errorf("storage.redis_addr is required when no queue is injected")
	}

	q, err := queueredis.New(ctx, addr, a.cfg.User.Name)
	if err != nil {
		return err
	}
	a.queue = q
	a.closers = append(a.closers, q.Close)
	return nil
}

// initLLM builds the shared model service. The structured slot is mandatory
// for llmsvc; when only reasoning or agent is configured, that provider
// serves as the structured slot too.
func (a *App) initLLM() error {
	structured := a.providers.Structured
	if structured == nil {
		structured = a.providers.Reasoning
	}
	if structured == nil {
		structured = a.providers.Agent
	}
	if structured == nil {
		return fmt.Errorf("at least one LLM provider is required")
	}

	svc, err := llmsvc.New(structured, a.providers.Reasoning, a.providers.Agent, llmsvc.Config{})
	if err != nil {
		return err
	}
	a.llm = svc
	return nil
}

// initUserEntity resolves the configured user to an entity id, seeding the
// graph with a system record on first run. The record flows through the
// builder like any other so the store's merge semantics apply.
func (a *App) initUserEntity(ctx context.Context) error {
	name := a.cfg.User.Name
	if id, _, ok := a.resolver.Lookup(name); ok {
		a.userEntityID = id
		return nil
	}

	id, err := a.store.NextEntityID(ctx)
	if err != nil {
		return fmt.Errorf("reserve user entity id: %w", err)
	}
	payload, err := json.Marshal(graph.BatchRecord{
		Type: graph.RecordSystemEntity,
		Entities: []graph.Entity{{
			ID:            id,
			CanonicalName: name,
			Type:          "person",
			Aliases:       []string{name},
			Topic:         graph.DefaultTopic,
			Confidence:    1,
		}},
	})
	if err != nil {
		return fmt.Errorf("marshal user entity record: %w", err)
	}
	if _, err := a.queue.Publish(ctx, queue.StreamStructure, payload); err != nil {
		return fmt.Errorf("publish user entity record: %w", err)
	}
	if err := a.builder.ProcessOnce(ctx); err != nil {
		return fmt.Errorf("apply user entity record: %w", err)
	}
	if err := a.resolver.Hydrate(ctx); err != nil {
		return fmt.Errorf("rehydrate after bootstrap: %w", err)
	}

	id, _, ok := a.resolver.Lookup(name)
	if !ok {
		return fmt.Errorf("user entity %q missing after bootstrap", name)
	}
	a.userEntityID = id
	slog.Info("user entity created", "name", name, "id", id)
	return nil
}

// initScheduler assembles the maintenance jobs and their trigger source.
func (a *App) initScheduler() {
	sched := a.cfg.Scheduler

	profile := jobs.NewProfileJob(a.queue, a.store, a.processor, a.userEntityID, jobs.ProfileJobConfig{
		DirtyThreshold:  int64(sched.DirtyThreshold),
		IdleSeconds:     float64(sched.IdleSeconds),
		UserIdleSeconds: float64(sched.UserIdleSeconds),
		Concurrency:     a.cfg.Pipeline.ProfileConcurrency,
		RecentWindow:    a.cfg.Pipeline.RecentWindow,
		UserWindow:      a.cfg.Pipeline.UserWindow,
	})
	merge := jobs.NewMergeJob(a.queue, a.store, a.resolver, a.llm, a.processor, jobs.MergeConfig{
		AutoThreshold:   sched.MergeAutoThreshold,
		ReviewThreshold: sched.MergeReviewThreshold,
	})
	mood := jobs.NewMoodJob(a.queue, a.store, jobs.MoodConfig{
		BatchSize: sched.MoodThreshold,
	})
	dlq := jobs.NewDLQJob(a.queue, jobs.DLQConfig{
		ReplayInterval: sched.DLQReplayInterval.Std(),
	})

	source := func(ctx context.Context) (scheduler.Triggers, error) {
		dirty, err := a.queue.DirtyCount(ctx)
		if err != nil {
			return scheduler.Triggers{}, err
		}
		emotions, err := a.queue.EmotionLen(ctx)
		if err != nil {
			return scheduler.Triggers{}, err
		}
		dead, err := a.queue.DLQLen(ctx)
		if err != nil {
			return scheduler.Triggers{}, err
		}
		return scheduler.Triggers{
			IdleSeconds:  a.processor.IdleSeconds(),
			DirtyCount:   dirty,
			EmotionCount: emotions,
			DLQCount:     dead,
			Now:          time.Now(),
		}, nil
	}

	a.scheduler = scheduler.New(source, sched.CheckInterval.Std(), profile, merge, mood, dlq)
}

// ─── API ─────────────────────────────────────────────────────────────────────

// Remember buffers one user message for ingestion and returns its message id.
func (a *App) Remember(ctx context.Context, text string) (int64, error) {
	return a.processor.HandleMessage(ctx, text)
}

// Ask answers a query against the knowledge graph via the agent loop.
func (a *App) Ask(ctx context.Context, query string, history []types.Message) (*agentloop.Response, error) {
	return a.agent.Run(ctx, query, history)
}

// UserEntityID returns the entity id of the configured user.
func (a *App) UserEntityID() int64 { return a.userEntityID }

// Store returns the graph store, for diagnostics probes.
func (a *App) Store() graph.Store { return a.store }

// Queue returns the queue, for diagnostics probes.
func (a *App) Queue() queue.Queue { return a.queue }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the batch processor, the graph builder and the scheduler, and
// blocks until ctx is cancelled or one of them fails. When ctx is done, Run
// returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.processor.Run(ctx) })
	g.Go(func() error { return a.builder.Run(ctx) })
	g.Go(func() error { return a.scheduler.Run(ctx) })

	slog.Info("vestige running", "user", a.cfg.User.Name)
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains the pipeline and tears down all subsystems. The buffered
// messages are flushed through processing, outstanding stream records are
// applied, and then connections are closed in init order. It respects the
// context deadline: if ctx expires, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Flush the buffer and wait for in-flight profile refreshes.
		if err := a.processor.Shutdown(ctx); err != nil {
			slog.Warn("processor shutdown error", "err", err)
		}

		// Apply whatever the flush published before closing the stores.
		if err := a.builder.ProcessOnce(ctx); err != nil {
			slog.Warn("final stream drain error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
