// Package scheduler runs Vestige's background maintenance jobs on a fixed
// check interval. Jobs declare their own trigger conditions against queue
// depths and user idle time; the scheduler evaluates them once per tick and
// executes at most one instance of each job at a time.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Triggers is the snapshot of system state a [Job] bases its ShouldRun
// decision on. One snapshot is taken per scheduler tick and shared by all
// jobs.
type Triggers struct {
	// IdleSeconds is how long ago the last user message arrived.
	IdleSeconds float64

	// DirtyCount is the size of the dirty-entity set.
	DirtyCount int64

	// EmotionCount is the length of the emotion queue.
	EmotionCount int64

	// DLQCount is the number of replayable dead-letter entries.
	DLQCount int64

	// Now is the tick's wall-clock time.
	Now time.Time
}

// Result reports one job execution.
type Result struct {
	// Summary is a human-readable account of what the run did.
	Summary string

	// RescheduleSeconds, when positive, suppresses the job for that long.
	RescheduleSeconds int
}

// Job is one background maintenance task.
type Job interface {
	// Name identifies the job in logs.
	Name() string

	// ShouldRun reports whether the job wants to execute this tick.
	ShouldRun(ctx context.Context, t Triggers) (bool, error)

	// Execute runs the job to completion.
	Execute(ctx context.Context) (Result, error)

	// OnShutdown gives the job a chance to persist pending state.
	OnShutdown(ctx context.Context) error
}

// TriggerSource supplies the per-tick [Triggers] snapshot.
type TriggerSource func(ctx context.Context) (Triggers, error)

// Scheduler evaluates and runs jobs on a fixed interval.
type Scheduler struct {
	jobs     []Job
	source   TriggerSource
	interval time.Duration

	mu      sync.Mutex
	running map[string]bool
	holdoff map[string]time.Time
	wg      sync.WaitGroup
}

// New creates a [Scheduler]. A non-positive interval defaults to one minute.
func New(source TriggerSource, interval time.Duration, jobs ...Job) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		jobs:     jobs,
		source:   source,
		interval: interval,
		running:  make(map[string]bool),
		holdoff:  make(map[string]time.Time),
	}
}

// Run evaluates jobs every interval until ctx is cancelled, then waits for
// in-flight jobs and runs every job's shutdown hook.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// An immediate first tick lets pending-at-startup jobs run without
	// waiting a full interval.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.shutdown()
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every job once. Jobs that want to run are executed on their
// own goroutine; a job never overlaps itself.
func (s *Scheduler) Tick(ctx context.Context) {
	triggers, err := s.source(ctx)
	if err != nil {
		slog.Warn("trigger snapshot failed", "error", err)
		return
	}

	for _, job := range s.jobs {
		if !s.claim(job.Name(), triggers.Now) {
			continue
		}
		run, err := job.ShouldRun(ctx, triggers)
		if err != nil {
			slog.Warn("job trigger check failed", "job", job.Name(), "error", err)
			s.release(job.Name(), 0)
			continue
		}
		if !run {
			s.release(job.Name(), 0)
			continue
		}

		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			start := time.Now()
			result, err := job.Execute(ctx)
			if err != nil {
				slog.Error("job failed", "job", job.Name(), "error", err, "duration", time.Since(start))
				s.release(job.Name(), 0)
				return
			}
			slog.Info("job completed",
				"job", job.Name(),
				"summary", result.Summary,
				"duration", time.Since(start))
			s.release(job.Name(), time.Duration(result.RescheduleSeconds)*time.Second)
		}(job)
	}
}

// Wait blocks until all in-flight job executions finish. Test helper.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// claim marks the job as running unless it already is or is held off.
func (s *Scheduler) claim(name string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return false
	}
	if until, ok := s.holdoff[name]; ok && now.Before(until) {
		return false
	}
	s.running[name] = true
	return true
}

func (s *Scheduler) release(name string, holdoff time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, name)
	if holdoff > 0 {
		s.holdoff[name] = time.Now().Add(holdoff)
	}
}

// shutdown runs every job's shutdown hook with a fresh context, since the run
// context is already cancelled by the time Run exits.
func (s *Scheduler) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, job := range s.jobs {
		if err := job.OnShutdown(ctx); err != nil {
			slog.Warn("job shutdown hook failed", "job", job.Name(), "error", err)
		}
	}
}
