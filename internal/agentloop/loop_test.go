package agentloop_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/vestigelabs/vestige/internal/agentloop"
	"github.com/vestigelabs/vestige/internal/llmsvc"
	"github.com/vestigelabs/vestige/internal/resilience"
	"github.com/vestigelabs/vestige/internal/resolver"
	"github.com/vestigelabs/vestige/pkg/graph"
	graphmock "github.com/vestigelabs/vestige/pkg/graph/mock"
	embedmock "github.com/vestigelabs/vestige/pkg/provider/embeddings/mock"
	"github.com/vestigelabs/vestige/pkg/provider/llm"
	llmmock "github.com/vestigelabs/vestige/pkg/provider/llm/mock"
	"github.com/vestigelabs/vestige/pkg/types"
	queuemock "github.com/vestigelabs/vestige/pkg/queue/mock"
)

// toolTurn builds a completion response selecting one tool.
func toolTurn(name, args string) *llm.CompletionResponse {
	return &llm.CompletionResponse{
		ToolCalls: []types.ToolCall{{ID: "call-1", Name: name, Arguments: args}},
	}
}

type harness struct {
	queue *queuemock.Queue
	store *graphmock.Store
	llm   *llmmock.Provider
	loop  *agentloop.Loop
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := graphmock.NewStore()
	store.Seed(graph.Entity{
		ID: 1, CanonicalName: "Alex", Type: "person", Aliases: []string{"Alex"},
	})
	store.Seed(graph.Entity{
		ID: 2, CanonicalName: "Marcus Chen", Type: "person", Topic: "Work",
		Aliases: []string{"Marcus Chen", "Marcus"},
		Summary: "A colleague who ships releases.",
	})
	store.SeedEdge(graph.Relationship{
		EntityA: "Alex", EntityB: "Marcus Chen", Weight: 3, Confidence: 0.9,
		MessageIDs: []int64{4, 9}, LastSeen: time.Now().UnixMilli(),
	})

	res := resolver.New(store, &embedmock.Provider{EmbedResult: []float32{1, 0, 0}}, resolver.Config{})
	if err := res.Hydrate(context.Background()); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}

	prov := &llmmock.Provider{}
	svc, err := llmsvc.New(prov, nil, nil, llmsvc.Config{
		Retry: resilience.RetryConfig{MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("llmsvc.New: %v", err)
	}

	q := queuemock.New()
	return &harness{
		queue: q,
		store: store,
		llm:   prov,
		loop:  agentloop.New(svc, store, res, q, agentloop.Config{}),
	}
}

func (h *harness) script(turns ...*llm.CompletionResponse) {
	h.llm.CompleteResponses = append(h.llm.CompleteResponses, turns...)
}

func TestRunAnswersWithEvidence(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.script(
		toolTurn("search_entities", `{"query":"Marcus"}`),
		toolTurn("get_profile", `{"entity_name":"Marcus"}`),
		toolTurn("get_connections", `{"entity_name":"Marcus Chen"}`),
		toolTurn("finish", `{"response":"Marcus Chen is your colleague who ships releases."}`),
	)

	resp, err := h.loop.Run(context.Background(), "Who is Marcus?", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Kind != agentloop.KindComplete {
		t.Fatalf("kind = %s, want complete", resp.Kind)
	}
	if !strings.Contains(resp.Text, "colleague who ships releases") {
		t.Errorf("text = %q", resp.Text)
	}
	if len(resp.ToolsUsed) != 3 {
		t.Errorf("tools used = %v, want 3 retrieval calls", resp.ToolsUsed)
	}
	if resp.TraceID == "" {
		t.Error("empty trace id")
	}
	if len(resp.Trace) != 4 {
		t.Errorf("trace entries = %d, want 4", len(resp.Trace))
	}

	// The alias argument was resolved to canonical form before the store
	// lookup.
	var sawResolved bool
	for _, entry := range resp.Trace {
		if entry.Tool == "get_profile" && entry.ResolvedArgs["entity_name"] == "Marcus Chen" {
			sawResolved = true
		}
	}
	if !sawResolved {
		t.Error("get_profile argument was not canonicalized in the trace")
	}
}

func TestRunFinishWithoutEvidenceIsRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.script(
		toolTurn("search_entities", `{"query":"nobody at all"}`),
		// Premature finish: search_entities hits are leads, not evidence.
		toolTurn("finish", `{"response":"done"}`),
		toolTurn("request_clarification", `{"question":"Who do you mean?"}`),
	)

	resp, err := h.loop.Run(context.Background(), "who?", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Kind != agentloop.KindClarification {
		t.Fatalf("kind = %s, want clarification", resp.Kind)
	}
	if resp.Text == "" || !strings.Contains(resp.Text, "Who do you mean?") {
		t.Errorf("text = %q", resp.Text)
	}

	var sawRejection bool
	for _, entry := range resp.Trace {
		if entry.Tool == "finish" && entry.Error != "" {
			sawRejection = true
		}
	}
	if !sawRejection {
		t.Error("premature finish not recorded as a rejection")
	}
}

func TestRunDuplicateCallSuppression(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.script(
		toolTurn("search_messages", `{"query":"Marcus"}`),
		toolTurn("search_messages", `{"query":"Marcus"}`), // exact duplicate
		toolTurn("search_messages", `{"query":"release"}`),
		toolTurn("request_clarification", `{"question":"What about Marcus?"}`),
	)

	resp, err := h.loop.Run(context.Background(), "Marcus?", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(resp.ToolsUsed) != 2 {
		t.Errorf("tools used = %v, want the duplicate suppressed", resp.ToolsUsed)
	}

	var sawDuplicate bool
	for _, entry := range resp.Trace {
		if strings.Contains(entry.Error, "already called") {
			sawDuplicate = true
		}
	}
	if !sawDuplicate {
		t.Error("duplicate call not recorded in the trace")
	}
}

func TestRunStateMachineBlocksFindPathBeforeGrounded(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.script(
		// find_path requires the grounded state; from start it must be
		// rejected three times, ending the run.
		toolTurn("find_path", `{"entity_a":"Alex","entity_b":"Marcus"}`),
		toolTurn("find_path", `{"entity_a":"Alex","entity_b":"Marcus Chen"}`),
		toolTurn("find_path", `{"entity_a":"Marcus","entity_b":"Alex"}`),
	)

	resp, err := h.loop.Run(context.Background(), "How are Alex and Marcus connected?", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Kind != agentloop.KindClarification {
		t.Fatalf("kind = %s, want clarification after repeated rejections", resp.Kind)
	}
	if len(resp.ToolsUsed) != 0 {
		t.Errorf("tools used = %v, want none", resp.ToolsUsed)
	}
}

func TestRunCallBudgetProducesPartialAnswer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.script(
		toolTurn("search_messages", `{"query":"Marcus"}`),
		toolTurn("get_profile", `{"entity_name":"Marcus"}`),
		toolTurn("get_connections", `{"entity_name":"Marcus"}`),
		toolTurn("get_activity", `{"entity_name":"Marcus"}`),
		toolTurn("get_activity", `{"entity_name":"Alex"}`),
		// Budget (5) is now exhausted without a finish.
	)

	resp, err := h.loop.Run(context.Background(), "Tell me everything about Marcus", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Kind != agentloop.KindComplete {
		t.Fatalf("kind = %s, want partial complete", resp.Kind)
	}
	if !strings.Contains(resp.Text, "Marcus Chen") {
		t.Errorf("partial answer does not list found profiles: %q", resp.Text)
	}
	if len(resp.ToolsUsed) != 5 {
		t.Errorf("tools used = %d, want 5", len(resp.ToolsUsed))
	}
}

func TestRunModelFailureReturnsStateError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.llm.CompleteErr = context.DeadlineExceeded

	resp, err := h.loop.Run(context.Background(), "anything", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Kind != agentloop.KindError {
		t.Errorf("kind = %s, want error", resp.Kind)
	}
}

func TestRunMaintenanceNoticePrefix(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if err := h.queue.SetFlag(ctx, "flag:maintenance-active", "merge", time.Minute); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}

	h.script(
		toolTurn("search_messages", `{"query":"Marcus"}`),
		toolTurn("request_clarification", `{"question":"Which Marcus?"}`),
	)

	resp, err := h.loop.Run(ctx, "Marcus?", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(resp.Text, "reorganizing my memory") {
		t.Errorf("maintenance notice missing: %q", resp.Text)
	}
	if !strings.Contains(resp.Text, "Which Marcus?") {
		t.Errorf("clarification lost behind the notice: %q", resp.Text)
	}
}

func TestRunGroundedUnlocksFindPath(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.script(
		toolTurn("search_messages", `{"query":"Marcus"}`),
		toolTurn("get_profile", `{"entity_name":"Marcus Chen"}`),
		toolTurn("get_connections", `{"entity_name":"Marcus Chen"}`),
		toolTurn("find_path", `{"entity_a":"Alex","entity_b":"Marcus"}`),
		toolTurn("finish", `{"response":"You and Marcus Chen are directly connected."}`),
	)

	resp, err := h.loop.Run(context.Background(), "How am I connected to Marcus?", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Kind != agentloop.KindComplete {
		t.Fatalf("kind = %s, want complete; trace: %+v", resp.Kind, resp.Trace)
	}

	var pathEntry *agentloop.TraceEntry
	for i := range resp.Trace {
		if resp.Trace[i].Tool == "find_path" {
			pathEntry = &resp.Trace[i]
		}
	}
	if pathEntry == nil || pathEntry.Error != "" {
		t.Fatalf("find_path entry = %+v, want accepted", pathEntry)
	}
	if pathEntry.ResultCount != 2 {
		t.Errorf("path steps = %d, want 2 (direct edge)", pathEntry.ResultCount)
	}
}
