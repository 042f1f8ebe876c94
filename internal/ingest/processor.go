// Package ingest implements the batch consolidation pipeline: raw user
// messages are buffered, drained in small batches, run through mention
// extraction, disambiguation and relationship extraction, and published as
// structure records for the graph builder.
//
// One [Processor] exists per user. A single batch mutex serializes batches
// against each other and against graph maintenance; only the fire-and-forget
// profile side-tasks of a batch may overlap it.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vestigelabs/vestige/internal/llmsvc"
	"github.com/vestigelabs/vestige/internal/nlp"
	"github.com/vestigelabs/vestige/internal/observe"
	"github.com/vestigelabs/vestige/internal/resolver"
	"github.com/vestigelabs/vestige/pkg/graph"
	"github.com/vestigelabs/vestige/pkg/queue"
)

// BufferedMessage is the JSON payload stored in the user buffer between
// ingestion and batch processing.
type BufferedMessage struct {
	// ID is the message's assigned monotonic id.
	ID int64 `json:"id"`

	// Text is the raw message text.
	Text string `json:"text"`

	// Timestamp is a millisecond epoch wall-clock timestamp.
	Timestamp int64 `json:"timestamp"`
}

// DLQEntry is the JSON payload written to the dead-letter list when a whole
// batch fails. The original messages are preserved for replay.
type DLQEntry struct {
	// ErrorClass names the pipeline stage that failed.
	ErrorClass string `json:"error_class"`

	// Error is the failure's error string.
	Error string `json:"error"`

	// Messages is the failed batch, preserved verbatim.
	Messages []BufferedMessage `json:"messages,omitempty"`

	// Raw preserves the unparseable payload when ErrorClass is
	// [ErrClassCorrupt]. Kept for forensics; never replayed.
	Raw []byte `json:"raw,omitempty"`

	// Timestamp is a millisecond epoch timestamp of the failure.
	Timestamp int64 `json:"timestamp"`
}

// Error classes recorded in DLQ entries.
const (
	ErrClassCorrupt       = "corrupt"
	ErrClassExtraction    = "extraction"
	ErrClassDisambiguate  = "disambiguation"
	ErrClassRelationships = "relationships"
	ErrClassPublish       = "publish"
)

// Config holds the batch pipeline's tuning knobs.
type Config struct {
	// BatchSize is the maximum number of messages drained per batch.
	// Default: 5.
	BatchSize int

	// BatchTimeout forces a drain this long after the first buffered message.
	// Default: 60s.
	BatchTimeout time.Duration

	// ProfileInterval is the message-id gap after which an entity's profile
	// is refreshed. Default: 15.
	ProfileInterval int64

	// RecentWindow is how many recent messages a profile update reads.
	// Default: 75.
	RecentWindow int

	// UserWindow is the window used when refreshing the user entity.
	// Default: 45.
	UserWindow int

	// ProfileConcurrency bounds concurrent profile side-tasks. Default: 5.
	ProfileConcurrency int64

	// ShutdownProfileWait bounds how long Shutdown waits for in-flight
	// profile tasks. Default: 90s.
	ShutdownProfileWait time.Duration

	// Metrics receives pipeline instrumentation.
	// Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (cfg Config) withDefaults() Config {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 60 * time.Second
	}
	if cfg.ProfileInterval <= 0 {
		cfg.ProfileInterval = 15
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 75
	}
	if cfg.UserWindow <= 0 {
		cfg.UserWindow = 45
	}
	if cfg.ProfileConcurrency <= 0 {
		cfg.ProfileConcurrency = 5
	}
	if cfg.ShutdownProfileWait <= 0 {
		cfg.ShutdownProfileWait = 90 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return cfg
}

// Processor is the per-user batch pipeline.
// It is safe for concurrent use.
type Processor struct {
	queue    queue.Queue
	store    graph.Store
	resolver *resolver.Resolver
	nlp      *nlp.Pipeline
	llm      *llmsvc.Service
	cfg      Config

	userEntityID int64
	userName     string

	// batchMu serializes batches and graph maintenance.
	batchMu sync.Mutex

	profileSem *semaphore.Weighted
	profileWG  sync.WaitGroup

	wake chan struct{}

	timerMu sync.Mutex
	timer   *time.Timer

	lastActivityMu sync.Mutex
	lastActivity   time.Time
}

// New creates a [Processor]. userEntityID and userName identify the user's
// own graph entity, which participates in every batch's relationship
// extraction.
func New(q queue.Queue, store graph.Store, res *resolver.Resolver, pipeline *nlp.Pipeline, llm *llmsvc.Service, userEntityID int64, userName string, cfg Config) *Processor {
	cfg = cfg.withDefaults()
	return &Processor{
		queue:        q,
		store:        store,
		resolver:     res,
		nlp:          pipeline,
		llm:          llm,
		cfg:          cfg,
		userEntityID: userEntityID,
		userName:     userName,
		profileSem:   semaphore.NewWeighted(cfg.ProfileConcurrency),
		wake:         make(chan struct{}, 1),
		lastActivity: time.Now(),
	}
}

// HandleMessage persists one raw user message, assigns its id, buffers it for
// the next batch, and arms the batch-timeout timer when the buffer was empty.
func (p *Processor) HandleMessage(ctx context.Context, text string) (int64, error) {
	now := time.Now().UnixMilli()
	id, err := p.store.AppendMessage(ctx, "user", text, now)
	if err != nil {
		return 0, fmt.Errorf("ingest: append message: %w", err)
	}

	payload, err := json.Marshal(BufferedMessage{ID: id, Text: text, Timestamp: now})
	if err != nil {
		return 0, fmt.Errorf("ingest: marshal buffered message: %w", err)
	}
	if err := p.queue.PushBuffer(ctx, payload); err != nil {
		return 0, fmt.Errorf("ingest: buffer message %d: %w", id, err)
	}

	p.cfg.Metrics.MessagesIngested.Add(ctx, 1)

	p.lastActivityMu.Lock()
	p.lastActivity = time.Now()
	p.lastActivityMu.Unlock()

	n, err := p.queue.BufferLen(ctx)
	if err != nil {
		return id, nil
	}
	switch {
	case n >= int64(p.cfg.BatchSize):
		p.signalDrain()
	case n == 1:
		p.armTimeout()
	}
	return id, nil
}

// IdleSeconds returns how long ago the last user message arrived. The
// scheduler feeds this into job triggers.
func (p *Processor) IdleSeconds() float64 {
	p.lastActivityMu.Lock()
	defer p.lastActivityMu.Unlock()
	return time.Since(p.lastActivity).Seconds()
}

// Pause acquires the batch mutex, blocking new batches until [Processor.Resume].
// Graph maintenance (the merge job) uses this to get exclusive access.
func (p *Processor) Pause() {
	p.batchMu.Lock()
}

// Resume releases the batch mutex taken by [Processor.Pause].
func (p *Processor) Resume() {
	p.batchMu.Unlock()
}

// signalDrain wakes the drain loop without blocking.
func (p *Processor) signalDrain() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// armTimeout schedules a forced drain after the batch timeout. Re-arming
// while a timer is pending is a no-op; the timer belongs to the oldest
// buffered message.
func (p *Processor) armTimeout() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if p.timer != nil {
		return
	}
	p.timer = time.AfterFunc(p.cfg.BatchTimeout, func() {
		p.timerMu.Lock()
		p.timer = nil
		p.timerMu.Unlock()
		p.signalDrain()
	})
}

// disarmTimeout cancels a pending batch-timeout timer.
func (p *Processor) disarmTimeout() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Run is the buffer-drain loop. It blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
		}
		if err := p.Drain(ctx); err != nil {
			slog.Error("batch drain failed", "error", err)
		}
	}
}

// Drain processes batches until the buffer is empty.
func (p *Processor) Drain(ctx context.Context) error {
	p.disarmTimeout()
	for {
		n, err := p.ProcessBatch(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// ProcessBatch drains and processes at most one batch, returning how many
// messages it consumed. Stage failures dead-letter the whole batch and are
// not returned as errors; only infrastructure failures (queue, store) are.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()

	// Refresh the resolver so late-arriving profile updates written by the
	// graph builder are visible to this batch.
	if err := p.resolver.Hydrate(ctx); err != nil {
		return 0, err
	}

	payloads, err := p.queue.PopBuffer(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("ingest: pop buffer: %w", err)
	}
	if len(payloads) == 0 {
		return 0, nil
	}

	msgs := make([]BufferedMessage, 0, len(payloads))
	for _, raw := range payloads {
		var m BufferedMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			p.deadLetterRaw(ctx, err, raw)
			continue
		}
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		return len(payloads), nil
	}

	start := time.Now()
	if err := p.runPipeline(ctx, msgs); err != nil {
		var stageErr *stageError
		if errors.As(err, &stageErr) {
			p.deadLetter(ctx, stageErr.class, stageErr.err, msgs)
			p.cfg.Metrics.RecordBatch(ctx, "dead_lettered", time.Since(start).Seconds())
			return len(payloads), nil
		}
		return len(payloads), err
	}
	p.cfg.Metrics.RecordBatch(ctx, "ok", time.Since(start).Seconds())
	return len(payloads), nil
}

// stageError marks a pipeline-stage failure that should dead-letter the
// batch instead of propagating.
type stageError struct {
	class string
	err   error
}

func (e *stageError) Error() string { return e.class + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func stageFail(class string, err error) error {
	return &stageError{class: class, err: err}
}

// runPipeline executes the five pipeline stages for one parsed batch.
func (p *Processor) runPipeline(ctx context.Context, msgs []BufferedMessage) error {
	start := time.Now()

	// Stage 1: mention extraction + local emotion classification.
	perMessage := make([][]nlp.Mention, len(msgs))
	for i, m := range msgs {
		mentions, err := p.nlp.ExtractMentions(ctx, m.Text)
		if err != nil {
			return stageFail(ErrClassExtraction, err)
		}
		perMessage[i] = mentions

		if err := p.queue.PushEmotion(ctx, nlp.ClassifyEmotion(m.Text)); err != nil {
			slog.Warn("emotion push failed", "message_id", m.ID, "error", err)
		}
	}
	mentions := nlp.DedupeMentions(perMessage)
	if len(mentions) == 0 {
		slog.Debug("batch contained no entity mentions", "messages", len(msgs))
		return nil
	}

	// Stage 2: known-entity lookup.
	known := p.lookupKnown(mentions)

	// Stages 3-4: disambiguation and verdict resolution.
	entities, err := p.disambiguate(ctx, msgs, mentions, known)
	if err != nil {
		return stageFail(ErrClassDisambiguate, err)
	}

	// Stage 5: relationship extraction.
	relations, err := p.extractRelationships(ctx, msgs, entities)
	if err != nil {
		return stageFail(ErrClassRelationships, err)
	}

	// Publication, in strictly increasing message-id order.
	if err := p.publish(ctx, msgs, entities, relations); err != nil {
		return stageFail(ErrClassPublish, err)
	}

	p.scheduleProfiles(entities, maxMessageID(msgs))

	slog.Info("batch processed",
		"messages", len(msgs),
		"entities", len(entities),
		"relationships", countRelations(relations),
		"duration", time.Since(start))
	return nil
}

// publish emits one structure record per message. Every record carries the
// full batch entity list; relationships are filtered to the record's message.
func (p *Processor) publish(ctx context.Context, msgs []BufferedMessage, entities []graph.Entity, relations map[int64][]graph.Relationship) error {
	ordered := append([]BufferedMessage(nil), msgs...)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j-1].ID > ordered[j].ID; j-- {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}

	for _, m := range ordered {
		rec := graph.BatchRecord{
			MessageID:     m.ID,
			Type:          graph.RecordUserMessage,
			Entities:      entities,
			Relationships: relations[m.ID],
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record %d: %w", m.ID, err)
		}
		if _, err := p.queue.Publish(ctx, queue.StreamStructure, payload); err != nil {
			return fmt.Errorf("publish record %d: %w", m.ID, err)
		}
	}
	return nil
}

// deadLetter moves a failed batch to the user DLQ with its error class.
func (p *Processor) deadLetter(ctx context.Context, class string, cause error, msgs []BufferedMessage) {
	p.pushDLQ(ctx, DLQEntry{
		ErrorClass: class,
		Error:      cause.Error(),
		Messages:   msgs,
		Timestamp:  time.Now().UnixMilli(),
	}, len(msgs))
}

// deadLetterRaw dead-letters a single unparseable buffered payload. The
// corrupt bytes themselves are preserved; the rest of the batch proceeds.
func (p *Processor) deadLetterRaw(ctx context.Context, cause error, raw []byte) {
	p.pushDLQ(ctx, DLQEntry{
		ErrorClass: ErrClassCorrupt,
		Error:      cause.Error(),
		Raw:        raw,
		Timestamp:  time.Now().UnixMilli(),
	}, 1)
}

func (p *Processor) pushDLQ(ctx context.Context, entry DLQEntry, n int) {
	payload, err := json.Marshal(entry)
	if err != nil {
		slog.Error("dead-letter marshal failed", "class", entry.ErrorClass, "error", err)
		return
	}
	if err := p.queue.PushDLQ(ctx, payload); err != nil {
		slog.Error("dead-letter push failed", "class", entry.ErrorClass, "error", err)
		return
	}
	slog.Warn("batch dead-lettered",
		"class", entry.ErrorClass,
		"messages", n,
		"cause", entry.Error)
}

// Shutdown drains the buffer to empty, then waits for in-flight profile
// tasks up to the configured deadline.
func (p *Processor) Shutdown(ctx context.Context) error {
	if err := p.Drain(ctx); err != nil {
		slog.Error("shutdown drain failed", "error", err)
	}

	done := make(chan struct{})
	go func() {
		p.profileWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(p.cfg.ShutdownProfileWait):
		return fmt.Errorf("ingest: profile tasks still running after %s", p.cfg.ShutdownProfileWait)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func maxMessageID(msgs []BufferedMessage) int64 {
	var max int64
	for _, m := range msgs {
		if m.ID > max {
			max = m.ID
		}
	}
	return max
}

func countRelations(relations map[int64][]graph.Relationship) int {
	n := 0
	for _, rels := range relations {
		n += len(rels)
	}
	return n
}
