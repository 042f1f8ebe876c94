package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vestigelabs/vestige/internal/ingest"
	"github.com/vestigelabs/vestige/internal/observe"
	"github.com/vestigelabs/vestige/internal/scheduler"
	"github.com/vestigelabs/vestige/pkg/queue"
)

// dlqBatchSize caps how many entries one replay pass examines.
const dlqBatchSize = 50

// DLQConfig holds the replay job's knobs.
type DLQConfig struct {
	// ReplayInterval is the minimum time between replay passes.
	// Default: 5m.
	ReplayInterval time.Duration

	// Metrics receives replay outcome counts.
	// Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (cfg DLQConfig) withDefaults() DLQConfig {
	if cfg.ReplayInterval <= 0 {
		cfg.ReplayInterval = 5 * time.Minute
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return cfg
}

// transientMarkers identify error strings worth retrying. Anything else is
// treated as deterministic and parked for manual review.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection",
	"unavailable",
	"rate limit",
	"too many requests",
	"circuit breaker",
	"retries exhausted",
	"temporar",
	"5xx",
	"overloaded",
}

// DLQJob replays dead-lettered batches whose failures look transient by
// pushing their messages back onto the ingestion buffer.
type DLQJob struct {
	queue queue.Queue
	cfg   DLQConfig

	mu      sync.Mutex
	lastRun time.Time
}

var _ scheduler.Job = (*DLQJob)(nil)

// NewDLQJob creates a [DLQJob].
func NewDLQJob(q queue.Queue, cfg DLQConfig) *DLQJob {
	return &DLQJob{queue: q, cfg: cfg.withDefaults()}
}

// Name implements [scheduler.Job].
func (j *DLQJob) Name() string { return "dlq-replay" }

// ShouldRun implements [scheduler.Job].
func (j *DLQJob) ShouldRun(_ context.Context, t scheduler.Triggers) (bool, error) {
	if t.DLQCount == 0 {
		return false, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return t.Now.Sub(j.lastRun) >= j.cfg.ReplayInterval, nil
}

// Execute implements [scheduler.Job].
func (j *DLQJob) Execute(ctx context.Context) (scheduler.Result, error) {
	j.mu.Lock()
	j.lastRun = time.Now()
	j.mu.Unlock()

	entries, err := j.queue.DrainDLQ(ctx, dlqBatchSize)
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("jobs: drain dlq: %w", err)
	}

	requeued, parked := 0, 0
	for _, raw := range entries {
		var entry ingest.DLQEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			// Unreadable entries can never replay.
			if parkErr := j.queue.Park(ctx, raw); parkErr != nil {
				slog.Error("park of unreadable DLQ entry failed", "error", parkErr)
			}
			parked++
			continue
		}

		if entry.ErrorClass == ingest.ErrClassCorrupt || !isTransient(entry.Error) {
			if err := j.queue.Park(ctx, raw); err != nil {
				slog.Error("park failed", "class", entry.ErrorClass, "error", err)
			}
			parked++
			continue
		}

		if err := j.requeue(ctx, entry); err != nil {
			slog.Error("dlq requeue failed", "class", entry.ErrorClass, "error", err)
			if parkErr := j.queue.Park(ctx, raw); parkErr != nil {
				slog.Error("park after failed requeue failed", "error", parkErr)
			}
			parked++
			continue
		}
		requeued++
	}

	j.cfg.Metrics.RecordDLQReplay(ctx, "requeued", int64(requeued))
	j.cfg.Metrics.RecordDLQReplay(ctx, "parked", int64(parked))

	return scheduler.Result{
		Summary:           fmt.Sprintf("examined=%d requeued=%d parked=%d", len(entries), requeued, parked),
		RescheduleSeconds: int(j.cfg.ReplayInterval / time.Second),
	}, nil
}

// OnShutdown implements [scheduler.Job].
func (j *DLQJob) OnShutdown(context.Context) error { return nil }

// requeue pushes the entry's preserved messages back onto the buffer in their
// original order.
func (j *DLQJob) requeue(ctx context.Context, entry ingest.DLQEntry) error {
	payloads := make([][]byte, 0, len(entry.Messages))
	for _, m := range entry.Messages {
		p, err := json.Marshal(m)
		if err != nil {
			return err
		}
		payloads = append(payloads, p)
	}
	return j.queue.RequeueBuffer(ctx, payloads...)
}

// isTransient reports whether the error string carries a transient marker.
func isTransient(errStr string) bool {
	lower := strings.ToLower(errStr)
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
