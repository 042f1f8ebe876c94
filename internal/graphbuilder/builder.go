// Package graphbuilder implements the consumer side of the consolidation
// pipeline: it reads batch records from the structure and profile streams and
// applies them to the persistent knowledge graph.
//
// The builder is the only writer of graph state in steady operation. Records
// are applied at-least-once; [graph.Store.WriteBatch]'s merge semantics make
// redelivery safe. Records that fail to apply are copied to the stream's
// dead-letter sub-stream and acked so one poison record cannot stall the
// stream.
package graphbuilder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/vestigelabs/vestige/internal/observe"
	"github.com/vestigelabs/vestige/pkg/graph"
	"github.com/vestigelabs/vestige/pkg/queue"
)

// Group is the consumer-group name shared by all builder instances.
const Group = "graph-builder"

// Config holds the builder's tuning knobs.
type Config struct {
	// ReadCount is how many records one read fetches per stream. Default: 16.
	ReadCount int64

	// BlockTimeout is how long a read blocks on an empty stream. Default: 2s.
	BlockTimeout time.Duration

	// CleanupInterval is the minimum time between opportunistic null-type
	// cleanup sweeps. Default: 10m.
	CleanupInterval time.Duration

	// Metrics receives consumer instrumentation.
	// Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (cfg Config) withDefaults() Config {
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 16
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return cfg
}

// Builder applies stream records to the graph store.
type Builder struct {
	queue    queue.Queue
	store    graph.Store
	cfg      Config
	consumer string

	lastCleanup time.Time
}

// New creates a [Builder]. The consumer name is derived from the host and pid
// so parallel instances get distinct pending-entry lists.
func New(q queue.Queue, store graph.Store, cfg Config) *Builder {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Builder{
		queue:    q,
		store:    store,
		cfg:      cfg.withDefaults(),
		consumer: fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// Run consumes both streams until ctx is cancelled. Consumer groups are
// created on entry and recreated if the broker loses them.
func (b *Builder) Run(ctx context.Context) error {
	if err := b.ensureGroups(ctx); err != nil {
		return err
	}
	slog.Info("graph builder started", "consumer", b.consumer)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, stream := range []string{queue.StreamStructure, queue.StreamProfile} {
			if err := b.consume(ctx, stream); err != nil {
				return err
			}
		}
	}
}

// ProcessOnce drains whatever is currently pending on both streams and
// returns. Used by tests and the shutdown path.
func (b *Builder) ProcessOnce(ctx context.Context) error {
	if err := b.ensureGroups(ctx); err != nil {
		return err
	}
	for _, stream := range []string{queue.StreamStructure, queue.StreamProfile} {
		for {
			n, err := b.consumeBatch(ctx, stream, 0)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
		}
	}
	return nil
}

func (b *Builder) ensureGroups(ctx context.Context) error {
	for _, stream := range []string{queue.StreamStructure, queue.StreamProfile} {
		if err := b.queue.EnsureGroup(ctx, stream, Group); err != nil {
			return fmt.Errorf("graphbuilder: ensure group on %s: %w", stream, err)
		}
	}
	return nil
}

// consume reads and applies one blocking batch from the stream, recovering
// from a lost consumer group by recreating it.
func (b *Builder) consume(ctx context.Context, stream string) error {
	_, err := b.consumeBatch(ctx, stream, b.cfg.BlockTimeout)
	if err == queue.ErrGroupLost {
		slog.Warn("consumer group lost, recreating", "stream", stream)
		return b.ensureGroups(ctx)
	}
	return err
}

// consumeBatch reads up to ReadCount records and applies each one. Failed
// records go to the dead-letter sub-stream; every delivered record is acked.
func (b *Builder) consumeBatch(ctx context.Context, stream string, block time.Duration) (int, error) {
	msgs, err := b.queue.ReadGroup(ctx, stream, Group, b.consumer, b.cfg.ReadCount, block)
	if err != nil {
		return 0, err
	}

	for _, msg := range msgs {
		if err := b.apply(ctx, msg.Payload); err != nil {
			slog.Error("record failed to apply, dead-lettering",
				"stream", stream,
				"entry", msg.ID,
				"error", err)
			if dlErr := b.queue.DeadLetterStream(ctx, stream, msg); dlErr != nil {
				slog.Error("dead-letter copy failed", "entry", msg.ID, "error", dlErr)
			}
			b.cfg.Metrics.RecordsDeadLettered.Add(ctx, 1,
				metric.WithAttributes(observe.Attr("stream", stream)))
		}
		if err := b.queue.Ack(ctx, stream, Group, msg.ID); err != nil {
			return len(msgs), fmt.Errorf("graphbuilder: ack %s: %w", msg.ID, err)
		}
	}
	return len(msgs), nil
}

// apply routes one record by type.
func (b *Builder) apply(ctx context.Context, payload []byte) error {
	var rec graph.BatchRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("graphbuilder: unmarshal record: %w", err)
	}

	switch rec.Type {
	case graph.RecordUserMessage:
		if err := b.store.WriteBatch(ctx, rec.Entities, rec.Relationships, true); err != nil {
			return fmt.Errorf("graphbuilder: write batch for message %d: %w", rec.MessageID, err)
		}
		b.maybeCleanup(ctx)
		return nil

	case graph.RecordSystemEntity:
		if err := b.store.WriteBatch(ctx, rec.Entities, rec.Relationships, false); err != nil {
			return fmt.Errorf("graphbuilder: write system batch: %w", err)
		}
		return nil

	case graph.RecordProfileUpdate:
		for _, e := range rec.Entities {
			if e.ID == 0 {
				continue
			}
			err := b.store.UpdateEntityProfile(ctx, e.ID, e.CanonicalName, e.Summary, e.Embedding, e.LastProfiledMsgID, e.Topic)
			if err != nil {
				return fmt.Errorf("graphbuilder: update profile %d: %w", e.ID, err)
			}
		}
		return nil

	default:
		return fmt.Errorf("graphbuilder: unknown record type %q", rec.Type)
	}
}

// maybeCleanup runs the null-type sweep at most once per interval.
func (b *Builder) maybeCleanup(ctx context.Context) {
	if time.Since(b.lastCleanup) < b.cfg.CleanupInterval {
		return
	}
	b.lastCleanup = time.Now()
	n, err := b.store.NullTypeCleanup(ctx)
	if err != nil {
		slog.Warn("null-type cleanup failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("null-type cleanup", "normalized", n)
	}
}
