package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/vestigelabs/vestige/internal/nlp"
	"github.com/vestigelabs/vestige/internal/scheduler"
	"github.com/vestigelabs/vestige/pkg/graph"
	"github.com/vestigelabs/vestige/pkg/queue"
)

// MoodConfig holds the checkpoint job's single knob.
type MoodConfig struct {
	// BatchSize is how many emotion labels one checkpoint consumes, and the
	// minimum backlog before a checkpoint is due. Default: 5.
	BatchSize int
}

func (cfg MoodConfig) withDefaults() MoodConfig {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	return cfg
}

// MoodJob aggregates per-message emotion labels into daily mood checkpoints
// on the user entity.
type MoodJob struct {
	queue queue.Queue
	store graph.Store
	cfg   MoodConfig
}

var _ scheduler.Job = (*MoodJob)(nil)

// NewMoodJob creates a [MoodJob].
func NewMoodJob(q queue.Queue, store graph.Store, cfg MoodConfig) *MoodJob {
	return &MoodJob{queue: q, store: store, cfg: cfg.withDefaults()}
}

// Name implements [scheduler.Job].
func (j *MoodJob) Name() string { return "mood-checkpoint" }

// ShouldRun implements [scheduler.Job].
func (j *MoodJob) ShouldRun(_ context.Context, t scheduler.Triggers) (bool, error) {
	return t.EmotionCount >= int64(j.cfg.BatchSize), nil
}

// Execute implements [scheduler.Job].
func (j *MoodJob) Execute(ctx context.Context) (scheduler.Result, error) {
	n, err := j.checkpoint(ctx, j.cfg.BatchSize)
	if err != nil {
		return scheduler.Result{}, err
	}
	return scheduler.Result{Summary: fmt.Sprintf("labels=%d", n)}, nil
}

// OnShutdown implements [scheduler.Job]. Whatever labels remain are flushed,
// batch by batch, so a short session still leaves a checkpoint and a long
// backlog does not carry over.
func (j *MoodJob) OnShutdown(ctx context.Context) error {
	for {
		n, err := j.checkpoint(ctx, j.cfg.BatchSize)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// checkpoint pops up to max labels, tallies them, and records the day's mood.
func (j *MoodJob) checkpoint(ctx context.Context, max int) (int, error) {
	labels, err := j.queue.PopEmotions(ctx, max)
	if err != nil {
		return 0, fmt.Errorf("jobs: pop emotions: %w", err)
	}
	if len(labels) == 0 {
		return 0, nil
	}

	mood := tallyMood(labels)
	mood.Date = time.Now().Format("2006-01-02")
	if err := j.store.RecordDailyMood(ctx, mood); err != nil {
		return 0, fmt.Errorf("jobs: record mood: %w", err)
	}
	return len(labels), nil
}

// tallyMood derives primary and secondary emotions from a label batch.
// Neutral only wins when nothing else occurs at all.
func tallyMood(labels []string) graph.DailyMood {
	counts := make(map[string]int)
	for _, l := range labels {
		counts[l]++
	}

	pick := func() (string, int) {
		best, bestN := "", 0
		for label, n := range counts {
			if label == nlp.EmotionNeutral {
				continue
			}
			if n > bestN || (n == bestN && label < best) {
				best, bestN = label, n
			}
		}
		return best, bestN
	}

	primary, primaryN := pick()
	if primary == "" {
		return graph.DailyMood{
			Primary:      nlp.EmotionNeutral,
			PrimaryCount: counts[nlp.EmotionNeutral],
			Total:        len(labels),
		}
	}
	delete(counts, primary)
	secondary, secondaryN := pick()

	return graph.DailyMood{
		Primary:        primary,
		PrimaryCount:   primaryN,
		Secondary:      secondary,
		SecondaryCount: secondaryN,
		Total:          len(labels),
	}
}
