package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vestigelabs/vestige/internal/llmsvc"
	"github.com/vestigelabs/vestige/internal/observe"
	"github.com/vestigelabs/vestige/internal/resolver"
	"github.com/vestigelabs/vestige/internal/scheduler"
	"github.com/vestigelabs/vestige/pkg/graph"
	"github.com/vestigelabs/vestige/pkg/queue"
)

// MergeConfig holds the thresholds on the model's duplicate judgment,
// both in [0, 1].
type MergeConfig struct {
	// AutoThreshold is the minimum judgment for an automatic merge.
	// Default: 0.93.
	AutoThreshold float64

	// ReviewThreshold is the minimum judgment to park a pair for manual
	// review. Default: 0.65.
	ReviewThreshold float64

	// Metrics receives verdict counts. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (cfg MergeConfig) withDefaults() MergeConfig {
	if cfg.AutoThreshold <= 0 {
		cfg.AutoThreshold = 0.93
	}
	if cfg.ReviewThreshold <= 0 {
		cfg.ReviewThreshold = 0.65
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return cfg
}

const mergeJudgePrompt = `You judge whether two knowledge-graph entities describe the same real-world
thing. Consider names, aliases, types, and summaries. Respond with a single
number between 0.0 and 1.0, where 1.0 means certainly the same. Respond with
the number only.`

const mergeSummaryPrompt = `Two entity profiles have been confirmed to describe the same thing. Write a
single merged summary under 150 words that keeps every distinct fact from
both. Return only the summary text.`

// MergeReview is the parked-list payload for a pair that needs human review.
type MergeReview struct {
	Kind        string  `json:"kind"`
	PrimaryID   int64   `json:"primary_id"`
	SecondaryID int64   `json:"secondary_id"`
	Primary     string  `json:"primary"`
	Secondary   string  `json:"secondary"`
	Judgment    float64 `json:"judgment"`
	Timestamp   int64   `json:"timestamp"`
}

// Pauser is the slice of the batch processor the merge job needs: exclusive
// access to the graph while entities are rewritten.
type Pauser interface {
	Pause()
	Resume()
}

// MergeJob detects and folds duplicate entities. It runs at most once per
// session, after the first profile-refinement pass has produced the summaries
// and embeddings the detection needs.
type MergeJob struct {
	queue    queue.Queue
	store    graph.Store
	resolver *resolver.Resolver
	llm      *llmsvc.Service
	pauser   Pauser
	cfg      MergeConfig

	mu  sync.Mutex
	ran bool
}

var _ scheduler.Job = (*MergeJob)(nil)

// NewMergeJob creates a [MergeJob].
func NewMergeJob(q queue.Queue, store graph.Store, res *resolver.Resolver, llm *llmsvc.Service, pauser Pauser, cfg MergeConfig) *MergeJob {
	return &MergeJob{queue: q, store: store, resolver: res, llm: llm, pauser: pauser, cfg: cfg.withDefaults()}
}

// Name implements [scheduler.Job].
func (j *MergeJob) Name() string { return "merge-detection" }

// ShouldRun implements [scheduler.Job]. The job runs when a merge pass is
// pending from a previous session, or once this session after profiling has
// completed.
func (j *MergeJob) ShouldRun(ctx context.Context, _ scheduler.Triggers) (bool, error) {
	if _, pending, err := j.queue.GetFlag(ctx, FlagMergePending); err != nil {
		return false, err
	} else if pending {
		return true, nil
	}

	j.mu.Lock()
	ran := j.ran
	j.mu.Unlock()
	if ran {
		return false, nil
	}

	_, profiled, err := j.queue.GetFlag(ctx, FlagProfileComplete)
	if err != nil {
		return false, err
	}
	return profiled, nil
}

// Execute implements [scheduler.Job]. The pass takes the maintenance lock,
// pauses batch processing, and judges every nominated pair with the reasoning
// model.
func (j *MergeJob) Execute(ctx context.Context) (scheduler.Result, error) {
	ok, err := j.queue.AcquireLock(ctx, MaintenanceLock, maintenanceTTL)
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("jobs: acquire maintenance lock: %w", err)
	}
	if !ok {
		return scheduler.Result{Summary: "skipped, maintenance lock held", RescheduleSeconds: 60}, nil
	}
	defer func() {
		if err := j.queue.ReleaseLock(ctx, MaintenanceLock); err != nil {
			slog.Warn("maintenance lock release failed", "error", err)
		}
	}()

	if err := j.queue.SetFlag(ctx, FlagMaintenance, "merge", maintenanceTTL); err != nil {
		slog.Warn("maintenance flag set failed", "error", err)
	}
	defer func() {
		if err := j.queue.ClearFlag(ctx, FlagMaintenance); err != nil {
			slog.Warn("maintenance flag clear failed", "error", err)
		}
	}()

	j.pauser.Pause()
	defer j.pauser.Resume()

	candidates, err := j.resolver.DetectMergeCandidates(ctx)
	if err != nil {
		return scheduler.Result{}, fmt.Errorf("jobs: detect merge candidates: %w", err)
	}

	merged, review := 0, 0
	consumed := make(map[int64]bool)
	for _, c := range candidates {
		// A pair member already folded away this pass cannot merge again.
		if consumed[c.PrimaryID] || consumed[c.SecondaryID] {
			continue
		}

		judgment, err := j.judge(ctx, c)
		if err != nil {
			slog.Warn("merge judgment failed",
				"primary", c.Primary.Canonical,
				"secondary", c.Secondary.Canonical,
				"error", err)
			continue
		}

		switch {
		case judgment >= j.cfg.AutoThreshold:
			if err := j.merge(ctx, c); err != nil {
				slog.Error("merge failed",
					"primary", c.Primary.Canonical,
					"secondary", c.Secondary.Canonical,
					"error", err)
				continue
			}
			consumed[c.SecondaryID] = true
			merged++
			j.cfg.Metrics.RecordMerge(ctx, "merged")

		case judgment >= j.cfg.ReviewThreshold:
			if err := j.park(ctx, c, judgment); err != nil {
				slog.Warn("merge review park failed", "error", err)
				continue
			}
			review++
			j.cfg.Metrics.RecordMerge(ctx, "review")

		default:
			j.cfg.Metrics.RecordMerge(ctx, "rejected")
		}
	}

	j.mu.Lock()
	j.ran = true
	j.mu.Unlock()
	if err := j.queue.ClearFlag(ctx, FlagMergePending); err != nil {
		slog.Warn("merge pending flag clear failed", "error", err)
	}

	return scheduler.Result{
		Summary: fmt.Sprintf("candidates=%d merged=%d review=%d", len(candidates), merged, review),
	}, nil
}

// OnShutdown implements [scheduler.Job]. A pass that never ran this session
// leaves a pending flag so the next session catches up.
func (j *MergeJob) OnShutdown(ctx context.Context) error {
	j.mu.Lock()
	ran := j.ran
	j.mu.Unlock()
	if ran {
		return nil
	}
	return j.queue.SetFlag(ctx, FlagMergePending, "1", 0)
}

// judge asks the reasoning model for a same-entity probability.
func (j *MergeJob) judge(ctx context.Context, c resolver.MergeCandidate) (float64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Entity 1: %s (type=%s)\nAliases: %s\nSummary: %s\n\n",
		c.Primary.Canonical, c.Primary.Type, strings.Join(c.Primary.Aliases, ", "), c.Primary.Summary)
	fmt.Fprintf(&b, "Entity 2: %s (type=%s)\nAliases: %s\nSummary: %s\n",
		c.Secondary.Canonical, c.Secondary.Type, strings.Join(c.Secondary.Aliases, ", "), c.Secondary.Summary)

	raw, err := j.llm.CallReasoning(ctx, mergeJudgePrompt, b.String())
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(llmsvc.StripJSONFences(raw)), 64)
	if err != nil {
		return 0, fmt.Errorf("jobs: unparseable judgment %q: %w", raw, err)
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("jobs: judgment %v out of range", v)
	}
	return v, nil
}

// merge folds the secondary into the primary in store and resolver.
func (j *MergeJob) merge(ctx context.Context, c resolver.MergeCandidate) error {
	summary, err := j.llm.CallReasoning(ctx, mergeSummaryPrompt, fmt.Sprintf(
		"Profile 1 (%s):\n%s\n\nProfile 2 (%s):\n%s",
		c.Primary.Canonical, c.Primary.Summary, c.Secondary.Canonical, c.Secondary.Summary))
	if err != nil {
		return fmt.Errorf("merge summary: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		summary = c.Primary.Summary
	}

	ok, err := j.store.MergeEntities(ctx, c.PrimaryID, c.SecondaryID, summary)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("entity pair %d/%d no longer exists", c.PrimaryID, c.SecondaryID)
	}

	j.resolver.RemapAliases(c.PrimaryID, c.SecondaryID)
	vec, err := j.resolver.UpdateProfileSummary(ctx, c.PrimaryID, summary)
	if err != nil {
		slog.Warn("merged summary re-embed failed", "entity", c.Primary.Canonical, "error", err)
	} else {
		prof, _ := j.resolver.ProfileByID(c.PrimaryID)
		if err := j.store.UpdateEntityProfile(ctx, c.PrimaryID, prof.Canonical, summary, vec, prof.LastProfiledMsgID, prof.Topic); err != nil {
			slog.Warn("merged embedding persist failed", "entity", c.Primary.Canonical, "error", err)
		}
	}

	slog.Info("entities merged",
		"primary", c.Primary.Canonical,
		"secondary", c.Secondary.Canonical,
		"similarity", c.Similarity)
	return nil
}

// park records a borderline pair for manual review.
func (j *MergeJob) park(ctx context.Context, c resolver.MergeCandidate, judgment float64) error {
	payload, err := json.Marshal(MergeReview{
		Kind:        "merge-review",
		PrimaryID:   c.PrimaryID,
		SecondaryID: c.SecondaryID,
		Primary:     c.Primary.Canonical,
		Secondary:   c.Secondary.Canonical,
		Judgment:    judgment,
		Timestamp:   time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return j.queue.Park(ctx, payload)
}
