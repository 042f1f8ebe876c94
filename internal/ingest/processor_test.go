package ingest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/vestigelabs/vestige/internal/ingest"
	"github.com/vestigelabs/vestige/internal/llmsvc"
	"github.com/vestigelabs/vestige/internal/nlp"
	"github.com/vestigelabs/vestige/internal/observe"
	"github.com/vestigelabs/vestige/internal/resilience"
	"github.com/vestigelabs/vestige/internal/resolver"
	"github.com/vestigelabs/vestige/pkg/graph"
	graphmock "github.com/vestigelabs/vestige/pkg/graph/mock"
	embedmock "github.com/vestigelabs/vestige/pkg/provider/embeddings/mock"
	"github.com/vestigelabs/vestige/pkg/provider/llm"
	llmmock "github.com/vestigelabs/vestige/pkg/provider/llm/mock"
	"github.com/vestigelabs/vestige/pkg/queue"
	queuemock "github.com/vestigelabs/vestige/pkg/queue/mock"
)

const testUserID = int64(1)

// harness wires a Processor against fully in-memory dependencies.
type harness struct {
	queue *queuemock.Queue
	store *graphmock.Store
	llm   *llmmock.Provider
	res   *resolver.Resolver
	proc  *ingest.Processor
}

func newHarness(t *testing.T, cfg ingest.Config) *harness {
	t.Helper()

	q := queuemock.New()
	store := graphmock.NewStore()
	store.Seed(graph.Entity{
		ID:            testUserID,
		CanonicalName: "Alex",
		Type:          "person",
		Aliases:       []string{"Alex"},
		Confidence:    1.0,
	})

	embedder := &embedmock.Provider{EmbedResult: []float32{1, 0, 0}}
	res := resolver.New(store, embedder, resolver.Config{})

	prov := &llmmock.Provider{
		// Fallback keeps stray background profile refreshes inert once the
		// scripted FIFO responses run out.
		CompleteResponse: &llm.CompletionResponse{Content: ""},
	}
	svc, err := llmsvc.New(prov, nil, nil, llmsvc.Config{
		Retry: resilience.RetryConfig{MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("llmsvc.New: %v", err)
	}

	proc := ingest.New(q, store, res, nlp.New(svc), svc, testUserID, "Alex", cfg)
	return &harness{queue: q, store: store, llm: prov, res: res, proc: proc}
}

// script queues the given response contents in order.
func (h *harness) script(contents ...string) {
	for _, c := range contents {
		h.llm.CompleteResponses = append(h.llm.CompleteResponses,
			&llm.CompletionResponse{Content: c})
	}
}

func structureRecords(t *testing.T, q *queuemock.Queue) []graph.BatchRecord {
	t.Helper()
	entries := q.StreamEntries(queue.StreamStructure)
	out := make([]graph.BatchRecord, 0, len(entries))
	for _, e := range entries {
		var rec graph.BatchRecord
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			t.Fatalf("unmarshal structure record: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func drainDLQ(t *testing.T, q *queuemock.Queue) []ingest.DLQEntry {
	t.Helper()
	payloads, err := q.DrainDLQ(context.Background(), 100)
	if err != nil {
		t.Fatalf("DrainDLQ: %v", err)
	}
	out := make([]ingest.DLQEntry, 0, len(payloads))
	for _, p := range payloads {
		var entry ingest.DLQEntry
		if err := json.Unmarshal(p, &entry); err != nil {
			t.Fatalf("unmarshal DLQ entry: %v", err)
		}
		out = append(out, entry)
	}
	return out
}

func findEntity(rec graph.BatchRecord, canonical string) (graph.Entity, bool) {
	for _, e := range rec.Entities {
		if e.CanonicalName == canonical {
			return e, true
		}
	}
	return graph.Entity{}, false
}

// ─────────────────────────────────────────────────────────────────────────────

func TestHandleMessageBuffersAndPersists(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ingest.Config{})
	ctx := context.Background()

	id, err := h.proc.HandleMessage(ctx, "hello there")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if id != 1 {
		t.Errorf("message id = %d, want 1", id)
	}

	n, _ := h.queue.BufferLen(ctx)
	if n != 1 {
		t.Errorf("buffer length = %d, want 1", n)
	}
	msgs, err := h.store.RecentMessages(ctx, 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "hello there" || msgs[0].Role != "user" {
		t.Errorf("stored messages = %+v", msgs)
	}
	if h.proc.IdleSeconds() > 5 {
		t.Errorf("IdleSeconds = %v, want near zero", h.proc.IdleSeconds())
	}
}

func TestProcessBatchNewEntity(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ingest.Config{ProfileInterval: 100000})
	ctx := context.Background()

	if _, err := h.proc.HandleMessage(ctx, "Met Jordan at the office today"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	h.script(
		`{"mentions":[{"name":"Jordan","type":"person","topic":"Work"}]}`,
		"NEW_SINGLE | Jordan",
		`{"entries":[{"verdict":"NEW_SINGLE","mentions":["Jordan"]}]}`,
		"MSG 1 | Alex, Jordan | direct | met at the office",
		`{"messages":[{"message_id":1,"pairs":[{"a":"Alex","b":"Jordan","kind":"direct"}]}]}`,
	)

	n, err := h.proc.ProcessBatch(ctx)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if n != 1 {
		t.Errorf("consumed = %d, want 1", n)
	}
	if err := h.proc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	recs := structureRecords(t, h.queue)
	if len(recs) != 1 {
		t.Fatalf("structure records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.MessageID != 1 || rec.Type != graph.RecordUserMessage {
		t.Errorf("record header = %+v", rec)
	}

	jordan, ok := findEntity(rec, "Jordan")
	if !ok {
		t.Fatalf("Jordan missing from record entities: %+v", rec.Entities)
	}
	if jordan.ID != 2 {
		t.Errorf("Jordan id = %d, want 2", jordan.ID)
	}
	if jordan.Type != "person" || jordan.Topic != "Work" {
		t.Errorf("Jordan type/topic = %s/%s", jordan.Type, jordan.Topic)
	}
	if jordan.Confidence != 0.8 {
		t.Errorf("Jordan confidence = %v, want 0.8", jordan.Confidence)
	}
	if _, ok := findEntity(rec, "Alex"); !ok {
		t.Error("user entity missing from record")
	}

	if len(rec.Relationships) != 1 {
		t.Fatalf("relationships = %+v, want one", rec.Relationships)
	}
	rel := rec.Relationships[0]
	if rel.EntityA != "Alex" || rel.EntityB != "Jordan" {
		t.Errorf("pair = %s/%s", rel.EntityA, rel.EntityB)
	}
	if rel.Weight != 1 || rel.Confidence != 0.9 {
		t.Errorf("weight/confidence = %d/%v", rel.Weight, rel.Confidence)
	}
	if len(rel.MessageIDs) != 1 || rel.MessageIDs[0] != 1 {
		t.Errorf("evidence = %v", rel.MessageIDs)
	}

	// The new entity is immediately resolvable without rehydration.
	if id, _, ok := h.res.Lookup("Jordan"); !ok || id != 2 {
		t.Errorf("Lookup(Jordan) = %d, %v", id, ok)
	}
}

func TestProcessBatchExistingEntityAliasDrift(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ingest.Config{ProfileInterval: 100000})
	ctx := context.Background()

	h.store.Seed(graph.Entity{
		ID:            2,
		CanonicalName: "Marcus Chen",
		Type:          "person",
		Topic:         "Work",
		Aliases:       []string{"Marcus Chen", "Marcus"},
		Summary:       "A colleague.",
	})

	if _, err := h.proc.HandleMessage(ctx, "Marcus pushed the release out"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	h.script(
		`{"mentions":[{"name":"Marcus","type":"person","topic":"Work"}]}`,
		"EXISTING | Marcus Chen | Marcus",
		`{"entries":[{"verdict":"EXISTING","canonical":"Marcus Chen","mentions":["Marcus"]}]}`,
		"MSG 1 | Alex, Marcus | association | works with",
		`{"messages":[{"message_id":1,"pairs":[{"a":"Alex","b":"Marcus","kind":"association"}]}]}`,
	)

	if _, err := h.proc.ProcessBatch(ctx); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if err := h.proc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	recs := structureRecords(t, h.queue)
	if len(recs) != 1 {
		t.Fatalf("structure records = %d, want 1", len(recs))
	}

	marcus, ok := findEntity(recs[0], "Marcus Chen")
	if !ok {
		t.Fatalf("Marcus Chen missing: %+v", recs[0].Entities)
	}
	if marcus.ID != 2 || marcus.Confidence != 0.9 {
		t.Errorf("existing entity id/confidence = %d/%v", marcus.ID, marcus.Confidence)
	}

	// The relationship pass used an alias; the edge must carry the canonical.
	if len(recs[0].Relationships) != 1 {
		t.Fatalf("relationships = %+v", recs[0].Relationships)
	}
	rel := recs[0].Relationships[0]
	if rel.EntityA != "Alex" || rel.EntityB != "Marcus Chen" {
		t.Errorf("pair = %s/%s, want Alex/Marcus Chen", rel.EntityA, rel.EntityB)
	}
	if rel.Confidence != 0.8 {
		t.Errorf("association confidence = %v, want 0.8", rel.Confidence)
	}
}

func TestProcessBatchUnknownCanonicalDemotedToNew(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ingest.Config{ProfileInterval: 100000})
	ctx := context.Background()

	if _, err := h.proc.HandleMessage(ctx, "Zed fixed the build"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	h.script(
		`{"mentions":[{"name":"Zed","type":"person","topic":"Work"}]}`,
		"EXISTING | Nobody Known | Zed",
		`{"entries":[{"verdict":"EXISTING","canonical":"Nobody Known","mentions":["Zed"]}]}`,
		"MSG 1 | NO CONNECTIONS",
		`{"messages":[{"message_id":1,"pairs":[]}]}`,
	)

	if _, err := h.proc.ProcessBatch(ctx); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if err := h.proc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	recs := structureRecords(t, h.queue)
	if len(recs) != 1 {
		t.Fatalf("structure records = %d, want 1", len(recs))
	}
	zed, ok := findEntity(recs[0], "Zed")
	if !ok {
		t.Fatalf("Zed missing: %+v", recs[0].Entities)
	}
	if zed.Confidence != 0.8 {
		t.Errorf("demoted entity confidence = %v, want 0.8", zed.Confidence)
	}
	if zed.ID == 0 {
		t.Error("demoted entity got no fresh id")
	}
}

func TestProcessBatchPublishOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ingest.Config{BatchSize: 3, ProfileInterval: 100000})
	ctx := context.Background()

	// Buffer out of order; records must still publish ascending.
	for _, id := range []int64{3, 1, 2} {
		payload, _ := json.Marshal(ingest.BufferedMessage{
			ID:        id,
			Text:      "saw Jordan again",
			Timestamp: time.Now().UnixMilli(),
		})
		if err := h.queue.PushBuffer(ctx, payload); err != nil {
			t.Fatalf("PushBuffer: %v", err)
		}
	}

	h.script(
		`{"mentions":[{"name":"Jordan","type":"person","topic":"Work"}]}`,
		`{"mentions":[{"name":"Jordan","type":"person","topic":"Work"}]}`,
		`{"mentions":[{"name":"Jordan","type":"person","topic":"Work"}]}`,
		"NEW_SINGLE | Jordan",
		`{"entries":[{"verdict":"NEW_SINGLE","mentions":["Jordan"]}]}`,
		"MSG 1 | NO CONNECTIONS\nMSG 2 | NO CONNECTIONS\nMSG 3 | NO CONNECTIONS",
		`{"messages":[{"message_id":1,"pairs":[]},{"message_id":2,"pairs":[]},{"message_id":3,"pairs":[]}]}`,
	)

	if _, err := h.proc.ProcessBatch(ctx); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if err := h.proc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	recs := structureRecords(t, h.queue)
	if len(recs) != 3 {
		t.Fatalf("structure records = %d, want 3", len(recs))
	}
	for i, rec := range recs {
		if rec.MessageID != int64(i+1) {
			t.Errorf("record %d has message id %d, want %d", i, rec.MessageID, i+1)
		}
	}
}

func TestProcessBatchNoMentions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ingest.Config{})
	ctx := context.Background()

	if _, err := h.proc.HandleMessage(ctx, "nothing of note"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	h.script(`{"mentions":[]}`)

	if _, err := h.proc.ProcessBatch(ctx); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if recs := structureRecords(t, h.queue); len(recs) != 0 {
		t.Errorf("structure records = %d, want 0", len(recs))
	}

	// Emotion classification still ran.
	n, _ := h.queue.EmotionLen(ctx)
	if n != 1 {
		t.Errorf("emotion queue length = %d, want 1", n)
	}
}

func TestProcessBatchStageFailureDeadLetters(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ingest.Config{})
	ctx := context.Background()

	if _, err := h.proc.HandleMessage(ctx, "Met Jordan at the office"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	h.llm.CompleteErr = errors.New("backend down")

	n, err := h.proc.ProcessBatch(ctx)
	if err != nil {
		t.Fatalf("ProcessBatch returned infrastructure error: %v", err)
	}
	if n != 1 {
		t.Errorf("consumed = %d, want 1", n)
	}

	entries := drainDLQ(t, h.queue)
	if len(entries) != 1 {
		t.Fatalf("DLQ entries = %d, want 1", len(entries))
	}
	entry := entries[0]
	if entry.ErrorClass != ingest.ErrClassExtraction {
		t.Errorf("error class = %q, want %q", entry.ErrorClass, ingest.ErrClassExtraction)
	}
	if len(entry.Messages) != 1 || entry.Messages[0].Text != "Met Jordan at the office" {
		t.Errorf("preserved messages = %+v", entry.Messages)
	}
	if recs := structureRecords(t, h.queue); len(recs) != 0 {
		t.Errorf("structure records = %d after failure, want 0", len(recs))
	}
}

func TestProcessBatchCorruptPayload(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ingest.Config{})
	ctx := context.Background()

	good, err := json.Marshal(ingest.BufferedMessage{ID: 7, Text: "thinking out loud", Timestamp: time.Now().UnixMilli()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	corrupt := []byte("{{{ not json")
	if err := h.queue.PushBuffer(ctx, good); err != nil {
		t.Fatalf("PushBuffer: %v", err)
	}
	if err := h.queue.PushBuffer(ctx, corrupt); err != nil {
		t.Fatalf("PushBuffer: %v", err)
	}
	h.script(`{"mentions":[]}`)

	n, err := h.proc.ProcessBatch(ctx)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if n != 2 {
		t.Errorf("consumed = %d, want 2", n)
	}

	entries := drainDLQ(t, h.queue)
	if len(entries) != 1 || entries[0].ErrorClass != ingest.ErrClassCorrupt {
		t.Fatalf("DLQ entries = %+v, want one corrupt entry", entries)
	}
	// The entry must carry the unparseable bytes themselves, and never the
	// parseable messages alongside them in the buffer.
	if !bytes.Equal(entries[0].Raw, corrupt) {
		t.Errorf("raw payload = %q, want %q", entries[0].Raw, corrupt)
	}
	if len(entries[0].Messages) != 0 {
		t.Errorf("dead-lettered messages = %+v, want none", entries[0].Messages)
	}
}

func TestProcessBatchEmptyBuffer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ingest.Config{})

	n, err := h.proc.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if n != 0 {
		t.Errorf("consumed = %d, want 0", n)
	}
}

func TestRefreshProfilePublishesUpdate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ingest.Config{})
	ctx := context.Background()

	h.store.Seed(graph.Entity{
		ID:            2,
		CanonicalName: "Marcus Chen",
		Type:          "person",
		Topic:         "Work",
		Aliases:       []string{"Marcus Chen", "Marcus"},
	})
	for _, text := range []string{
		"Marcus pushed the release out",
		"lunch was quiet today",
		"Marcus is mentoring the new hire",
	} {
		if _, err := h.store.AppendMessage(ctx, "user", text, time.Now().UnixMilli()); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	if err := h.res.Hydrate(ctx); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}

	h.script("Marcus Chen is a colleague who ships releases and mentors new hires.")

	if err := h.proc.RefreshProfile(ctx, 2, 10, 3); err != nil {
		t.Fatalf("RefreshProfile: %v", err)
	}

	entries := h.queue.StreamEntries(queue.StreamProfile)
	if len(entries) != 1 {
		t.Fatalf("profile records = %d, want 1", len(entries))
	}
	var rec graph.BatchRecord
	if err := json.Unmarshal(entries[0].Payload, &rec); err != nil {
		t.Fatalf("unmarshal profile record: %v", err)
	}
	if rec.Type != graph.RecordProfileUpdate || rec.MessageID != 3 {
		t.Errorf("record header = %+v", rec)
	}
	if len(rec.Entities) != 1 {
		t.Fatalf("record entities = %+v", rec.Entities)
	}
	e := rec.Entities[0]
	if e.ID != 2 || e.Summary == "" || len(e.Embedding) == 0 {
		t.Errorf("profile entity = %+v", e)
	}
	if e.LastProfiledMsgID != 3 {
		t.Errorf("last profiled msg id = %d, want 3", e.LastProfiledMsgID)
	}

	// The reasoning prompt only carried messages mentioning the entity.
	if calls := h.llm.CompleteCalls; len(calls) == 1 {
		prompt := calls[0].Req.Messages[0].Content
		if !containsAll(prompt, "Marcus pushed the release out", "mentoring the new hire") {
			t.Errorf("prompt missing observations:\n%s", prompt)
		}
		if strings.Contains(prompt, "lunch was quiet today") {
			t.Errorf("prompt leaked unrelated message:\n%s", prompt)
		}
	}

	// The resolver picked up the new summary without rehydration.
	prof, ok := h.res.ProfileByID(2)
	if !ok || prof.Summary == "" {
		t.Errorf("resolver profile = %+v, %v", prof, ok)
	}
}

func TestRefreshProfileUnchangedSummarySkipsPublish(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ingest.Config{})
	ctx := context.Background()

	const summary = "Marcus Chen is a colleague."
	h.store.Seed(graph.Entity{
		ID:            2,
		CanonicalName: "Marcus Chen",
		Type:          "person",
		Aliases:       []string{"Marcus Chen"},
		Summary:       summary,
	})
	if _, err := h.store.AppendMessage(ctx, "user", "Marcus Chen said hi", time.Now().UnixMilli()); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := h.res.Hydrate(ctx); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}

	h.script(summary)

	if err := h.proc.RefreshProfile(ctx, 2, 10, 1); err != nil {
		t.Fatalf("RefreshProfile: %v", err)
	}
	if entries := h.queue.StreamEntries(queue.StreamProfile); len(entries) != 0 {
		t.Errorf("profile records = %d, want 0", len(entries))
	}
}

func TestRefreshProfileUnknownEntity(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ingest.Config{})

	if err := h.proc.RefreshProfile(context.Background(), 999, 10, 1); err == nil {
		t.Fatal("expected error for unknown entity id")
	}
}

func TestPauseBlocksProcessing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ingest.Config{})
	ctx := context.Background()

	h.proc.Pause()
	done := make(chan struct{})
	go func() {
		_, _ = h.proc.ProcessBatch(ctx)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("ProcessBatch ran while paused")
	case <-time.After(50 * time.Millisecond):
	}

	h.proc.Resume()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ProcessBatch did not resume")
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

func TestPipelineRecordsMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := newHarness(t, ingest.Config{Metrics: m})
	if _, err := h.proc.HandleMessage(ctx, "nothing of note"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	h.script(`{"mentions":[]}`)
	if _, err := h.proc.ProcessBatch(ctx); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := counterValue(t, rm, "vestige.messages.ingested"); got != 1 {
		t.Errorf("messages ingested = %d, want 1", got)
	}
	if got := counterValue(t, rm, "vestige.batches.processed"); got != 1 {
		t.Errorf("batches processed = %d, want 1", got)
	}
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}
