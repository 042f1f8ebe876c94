package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/vestigelabs/vestige/internal/ingest"
	"github.com/vestigelabs/vestige/internal/scheduler"
	"github.com/vestigelabs/vestige/pkg/graph"
	"github.com/vestigelabs/vestige/pkg/queue"
)

// ProfileJobConfig holds the refinement job's tuning knobs.
type ProfileJobConfig struct {
	// DirtyThreshold triggers a pass regardless of idle time. Default: 5.
	DirtyThreshold int64

	// IdleSeconds triggers a pass for any dirty entity once the user has
	// been quiet this long. Default: 300.
	IdleSeconds float64

	// UserIdleSeconds additionally refreshes the user's own profile after
	// this much quiet. Default: 600.
	UserIdleSeconds float64

	// BatchLimit caps how many dirty entities one pass refreshes.
	// Default: 50.
	BatchLimit int

	// Concurrency bounds parallel refreshes. Default: 5.
	Concurrency int64

	// RecentWindow is the message window for entity refreshes. Default: 75.
	RecentWindow int

	// UserWindow is the message window for the user refresh. Default: 45.
	UserWindow int
}

func (cfg ProfileJobConfig) withDefaults() ProfileJobConfig {
	if cfg.DirtyThreshold <= 0 {
		cfg.DirtyThreshold = 5
	}
	if cfg.IdleSeconds <= 0 {
		cfg.IdleSeconds = 300
	}
	if cfg.UserIdleSeconds <= 0 {
		cfg.UserIdleSeconds = 600
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 75
	}
	if cfg.UserWindow <= 0 {
		cfg.UserWindow = 45
	}
	return cfg
}

// ProfileJob refreshes summaries for entities marked dirty by the pipeline,
// and periodically the user's own profile during quiet stretches.
type ProfileJob struct {
	queue        queue.Queue
	store        graph.Store
	proc         *ingest.Processor
	userEntityID int64
	cfg          ProfileJobConfig

	mu           sync.Mutex
	refreshUser  bool
	userRefreshed bool
}

var _ scheduler.Job = (*ProfileJob)(nil)

// NewProfileJob creates a [ProfileJob].
func NewProfileJob(q queue.Queue, store graph.Store, proc *ingest.Processor, userEntityID int64, cfg ProfileJobConfig) *ProfileJob {
	return &ProfileJob{
		queue:        q,
		store:        store,
		proc:         proc,
		userEntityID: userEntityID,
		cfg:          cfg.withDefaults(),
	}
}

// Name implements [scheduler.Job].
func (j *ProfileJob) Name() string { return "profile-refinement" }

// ShouldRun implements [scheduler.Job].
func (j *ProfileJob) ShouldRun(_ context.Context, t scheduler.Triggers) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.refreshUser = false
	if t.IdleSeconds >= j.cfg.UserIdleSeconds && !j.userRefreshed {
		j.refreshUser = true
		return true, nil
	}
	if t.DirtyCount >= j.cfg.DirtyThreshold {
		return true, nil
	}
	return t.DirtyCount > 0 && t.IdleSeconds >= j.cfg.IdleSeconds, nil
}

// Execute implements [scheduler.Job].
func (j *ProfileJob) Execute(ctx context.Context) (scheduler.Result, error) {
	ids, err := j.queue.PopDirtyEntities(ctx, j.cfg.BatchLimit)
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("jobs: pop dirty entities: %w", err)
	}

	lastMsgID, err := j.newestMessageID(ctx)
	if err != nil {
		return scheduler.Result{}, err
	}

	j.mu.Lock()
	refreshUser := j.refreshUser
	j.mu.Unlock()

	sem := semaphore.NewWeighted(j.cfg.Concurrency)
	var wg sync.WaitGroup
	refreshed := 0
	var refreshedMu sync.Mutex

	for _, id := range ids {
		if id == j.userEntityID {
			refreshUser = true
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			defer sem.Release(1)
			if err := j.proc.RefreshProfile(ctx, id, j.cfg.RecentWindow, lastMsgID); err != nil {
				slog.Warn("profile refinement failed", "entity_id", id, "error", err)
				return
			}
			refreshedMu.Lock()
			refreshed++
			refreshedMu.Unlock()
		}(id)
	}
	wg.Wait()

	if refreshUser {
		if err := j.proc.RefreshProfile(ctx, j.userEntityID, j.cfg.UserWindow, lastMsgID); err != nil {
			slog.Warn("user profile refresh failed", "error", err)
		} else {
			j.mu.Lock()
			j.userRefreshed = true
			j.mu.Unlock()
			refreshed++
		}
	}

	// Merge detection only makes sense once summaries exist.
	if err := j.queue.SetFlag(ctx, FlagProfileComplete, "1", profileCompleteTTL); err != nil {
		slog.Warn("profile complete flag set failed", "error", err)
	}

	return scheduler.Result{
		Summary: fmt.Sprintf("dirty=%d refreshed=%d user=%v", len(ids), refreshed, refreshUser),
	}, nil
}

// OnShutdown implements [scheduler.Job]. Dirty entities survive in the queue,
// so nothing needs persisting.
func (j *ProfileJob) OnShutdown(context.Context) error { return nil }

func (j *ProfileJob) newestMessageID(ctx context.Context) (int64, error) {
	msgs, err := j.store.RecentMessages(ctx, 1)
	if err != nil {
		return 0, fmt.Errorf("jobs: newest message id: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	return msgs[len(msgs)-1].ID, nil
}
