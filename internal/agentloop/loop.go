// Package agentloop implements the query-answering agent: a state-machine
// driven tool dispatcher over the knowledge graph. Each query runs a bounded
// loop in which the agent model must pick exactly one retrieval tool per
// turn; results accumulate until the model finishes with an evidence-backed
// answer, asks for clarification, or runs out of budget.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/vestigelabs/vestige/internal/llmsvc"
	"github.com/vestigelabs/vestige/internal/observe"
	"github.com/vestigelabs/vestige/internal/resolver"
	"github.com/vestigelabs/vestige/pkg/graph"
	"github.com/vestigelabs/vestige/pkg/queue"
	"github.com/vestigelabs/vestige/pkg/types"
)

// ResponseKind classifies how a query run ended.
type ResponseKind string

const (
	// KindComplete is an evidence-backed (possibly partial) answer.
	KindComplete ResponseKind = "complete"

	// KindClarification asks the user a question instead of answering.
	KindClarification ResponseKind = "clarification_needed"

	// KindError is the generic fallback after an unrecoverable failure.
	KindError ResponseKind = "error"
)

// TraceEntry records one tool attempt, validated or not.
type TraceEntry struct {
	Step          int               `json:"step"`
	State         State             `json:"state"`
	Tool          string            `json:"tool"`
	Args          string            `json:"args"`
	ResolvedArgs  map[string]string `json:"resolved_args,omitempty"`
	ResultSummary string            `json:"result_summary,omitempty"`
	ResultCount   int               `json:"result_count"`
	DurationMS    int64             `json:"duration_ms"`
	Error         string            `json:"error,omitempty"`
}

// Response is the outcome of one query run.
type Response struct {
	// Kind classifies the outcome.
	Kind ResponseKind

	// Text is the user-facing answer, clarification question, or error note.
	Text string

	// TraceID keys the run's trace.
	TraceID string

	// Trace is the full tool-attempt record, for observability.
	Trace []TraceEntry

	// ToolsUsed lists the executed (accepted) tool names in order.
	ToolsUsed []string
}

// Config holds the loop's budgets.
type Config struct {
	// MaxCalls bounds executed tool calls per query. Default: 5.
	MaxCalls int

	// MaxAttempts bounds model turns per query. Default: 10.
	MaxAttempts int

	// MaxRejections bounds consecutive validation failures. Default: 3.
	MaxRejections int

	// Timeout bounds the whole run. Default: 60s.
	Timeout time.Duration

	// MaintenanceFlag is the queue flag checked for an in-progress
	// maintenance notice. Default: "flag:maintenance-active".
	MaintenanceFlag string

	// Metrics receives query and tool-call instrumentation.
	// Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.MaxRejections <= 0 {
		cfg.MaxRejections = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaintenanceFlag == "" {
		cfg.MaintenanceFlag = "flag:maintenance-active"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return cfg
}

// accumulators are the per-query result collections. They only ever grow.
type accumulators struct {
	messages []graph.MessageHit
	profiles []*graph.Entity
	// graphResults counts connection/activity/path records gathered.
	graphResults int
}

func (a *accumulators) hasEvidence() bool {
	return len(a.messages) > 0 || len(a.profiles) > 0 || a.graphResults > 0
}

const agentSystemPrompt = `You are Vestige, a memory assistant answering questions about the user's own
life from their personal knowledge graph. You must respond by calling exactly
one tool per turn. Search first, then inspect profiles and connections, and
finish only when the gathered evidence supports an answer. If the question
cannot be answered from the graph, request clarification instead of guessing.`

// Loop runs queries against the graph. It is safe for concurrent use; all
// per-query state lives on the stack of [Loop.Run].
type Loop struct {
	llm   *llmsvc.Service
	tools *Tools
	queue queue.Queue
	cfg   Config
}

// New creates a [Loop].
func New(llm *llmsvc.Service, store graph.Store, res *resolver.Resolver, q queue.Queue, cfg Config) *Loop {
	return &Loop{
		llm:   llm,
		tools: NewTools(store, res),
		queue: q,
		cfg:   cfg.withDefaults(),
	}
}

// Run answers one query. history carries recent conversation turns for
// context. Run never returns an error for model or validation failures; those
// degrade into a [KindError] or [KindClarification] response. Only a
// cancelled context propagates.
func (l *Loop) Run(ctx context.Context, query string, history []types.Message) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	start := time.Now()
	l.cfg.Metrics.ActiveQueries.Add(ctx, 1)
	defer func() {
		l.cfg.Metrics.ActiveQueries.Add(context.WithoutCancel(ctx), -1)
		l.cfg.Metrics.AgentQueryDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
	}()

	run := &queryRun{
		loop:    l,
		traceID: uuid.NewString(),
		query:   query,
		history: history,
		state:   StateStart,
		seen:    make(map[string]bool),
	}
	resp := run.dispatch(ctx)
	resp.TraceID = run.traceID
	resp.Trace = run.trace
	resp.ToolsUsed = run.toolsUsed
	resp.Text = l.maintenancePrefix(ctx) + resp.Text

	slog.Info("query answered",
		"trace_id", run.traceID,
		"kind", resp.Kind,
		"state", run.state,
		"calls", len(run.toolsUsed),
		"attempts", run.attempts)
	return resp, nil
}

// queryRun is the mutable state of one Run invocation.
type queryRun struct {
	loop    *Loop
	traceID string
	query   string
	history []types.Message

	state      State
	acc        accumulators
	trace      []TraceEntry
	toolsUsed  []string
	seen       map[string]bool
	attempts   int
	rejections int
	lastError  string
	lastResult string
}

// dispatch is the main loop: one model turn per iteration.
func (r *queryRun) dispatch(ctx context.Context) *Response {
	l := r.loop
	for r.attempts = 1; r.attempts <= l.cfg.MaxAttempts; r.attempts++ {
		if terminal(r.state) || len(r.toolsUsed) >= l.cfg.MaxCalls {
			break
		}

		resp, err := l.llm.CallWithTools(ctx, agentSystemPrompt, r.buildMessages(), definitions())
		if err != nil {
			slog.Error("agent model call failed", "trace_id", r.traceID, "error", err)
			return &Response{
				Kind: KindError,
				Text: "I ran into an internal state error while searching my memory. Please try again.",
			}
		}

		call := resp.ToolCalls[0]
		args, err := parseArgs(call.Arguments)
		if err != nil {
			r.reject(call.Name, call.Arguments, "arguments were not valid JSON")
		} else {
			switch call.Name {
			case ToolFinish:
				if out := r.tryFinish(args, call.Arguments); out != nil {
					return out
				}
			case ToolRequestClarification:
				if out := r.tryClarify(args, call.Arguments); out != nil {
					return out
				}
			default:
				r.step(ctx, call.Name, args, call.Arguments)
			}
		}

		if r.rejections >= l.cfg.MaxRejections {
			return r.bailOut("the model kept choosing unavailable tools")
		}
	}

	return r.bailOut("the tool budget ran out")
}

// tryFinish validates and applies a finish call. nil means rejected.
func (r *queryRun) tryFinish(args map[string]any, rawArgs string) *Response {
	to, ok := nextState(r.state, ToolFinish)
	if !ok {
		r.reject(ToolFinish, rawArgs, fmt.Sprintf("finish is not available from the %s state; gather evidence first", r.state))
		return nil
	}
	if !r.acc.hasEvidence() {
		r.reject(ToolFinish, rawArgs, "finish requires at least one retrieved result as evidence")
		return nil
	}
	answer, err := stringArg(args, "response")
	if err != nil {
		r.reject(ToolFinish, rawArgs, "finish requires a response argument")
		return nil
	}

	r.state = to
	r.record(TraceEntry{Tool: ToolFinish, Args: rawArgs, ResultSummary: "answered"})
	return &Response{Kind: KindComplete, Text: answer}
}

// tryClarify validates and applies a request_clarification call.
func (r *queryRun) tryClarify(args map[string]any, rawArgs string) *Response {
	to, ok := nextState(r.state, ToolRequestClarification)
	if !ok {
		r.reject(ToolRequestClarification, rawArgs, "clarification is not available here")
		return nil
	}
	question, err := stringArg(args, "question")
	if err != nil {
		r.reject(ToolRequestClarification, rawArgs, "request_clarification requires a question argument")
		return nil
	}

	r.state = to
	r.record(TraceEntry{Tool: ToolRequestClarification, Args: rawArgs, ResultSummary: "asked for clarification"})
	return &Response{Kind: KindClarification, Text: question}
}

// step validates and executes one retrieval tool call.
func (r *queryRun) step(ctx context.Context, name string, args map[string]any, rawArgs string) {
	to, ok := nextState(r.state, name)
	if !ok {
		r.reject(name, rawArgs, fmt.Sprintf("%s is not available from the %s state", name, r.state))
		return
	}
	key := dedupeKey(name, args)
	if r.seen[key] {
		r.reject(name, rawArgs, fmt.Sprintf("%s was already called with these exact arguments", name))
		return
	}

	start := time.Now()
	result, err := r.loop.tools.execute(ctx, name, args)
	entry := TraceEntry{
		Tool:       name,
		Args:       rawArgs,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
		r.record(entry)
		r.lastError = fmt.Sprintf("%s failed: %v", name, err)
		r.loop.cfg.Metrics.RecordAgentToolCall(ctx, name, "error")
		// Execution failures are not validation rejections; the turn still
		// consumed its slot so the key is burned.
		r.seen[key] = true
		r.toolsUsed = append(r.toolsUsed, name)
		return
	}

	r.loop.cfg.Metrics.RecordAgentToolCall(ctx, name, "ok")
	r.seen[key] = true
	r.toolsUsed = append(r.toolsUsed, name)
	r.rejections = 0
	r.lastError = ""
	r.lastResult = result.summary
	entry.ResolvedArgs = result.resolvedArgs
	entry.ResultSummary = result.summary
	entry.ResultCount = result.count
	r.record(entry)

	r.absorb(name, result)
	r.state = to
	r.maybeAdvance()
}

// absorb folds a tool result into the accumulators.
func (r *queryRun) absorb(name string, result *toolResult) {
	switch name {
	case ToolSearchMessages:
		if hits, ok := result.payload.([]graph.MessageHit); ok {
			r.acc.messages = append(r.acc.messages, hits...)
		}
	case ToolGetProfile:
		if profile, ok := result.payload.(*graph.Entity); ok && profile != nil {
			r.acc.profiles = append(r.acc.profiles, profile)
		}
	case ToolSearchEntities:
		// Search hits are leads, not evidence of grounding.
	default:
		r.acc.graphResults += result.count
	}
}

// maybeAdvance fires the internal exploring → grounded transition once the
// accumulators hold a profile plus supporting results.
func (r *queryRun) maybeAdvance() {
	if r.state != StateExploring {
		return
	}
	if len(r.acc.profiles) >= 1 && (r.acc.graphResults > 0 || len(r.acc.messages) > 0) {
		r.state = StateGrounded
	}
}

// reject records a validation failure and feeds it back to the model.
func (r *queryRun) reject(name, rawArgs, reason string) {
	r.rejections++
	r.lastError = reason
	r.record(TraceEntry{Tool: name, Args: rawArgs, Error: reason})
}

// bailOut ends the run without a finish call: a partial answer when evidence
// exists, a clarification otherwise.
func (r *queryRun) bailOut(cause string) *Response {
	slog.Debug("agent run bailed out", "trace_id", r.traceID, "cause", cause)
	if r.acc.hasEvidence() {
		return &Response{Kind: KindComplete, Text: r.partialAnswer()}
	}
	return &Response{
		Kind: KindClarification,
		Text: "I could not find enough in my memory to answer that. Could you rephrase or add a detail, like a name or a timeframe?",
	}
}

// partialAnswer summarizes the accumulators when the budget ran out before a
// proper finish.
func (r *queryRun) partialAnswer() string {
	var b strings.Builder
	b.WriteString("I ran out of lookups before finishing, but here is what I found. ")
	if len(r.acc.profiles) > 0 {
		names := make([]string, 0, len(r.acc.profiles))
		for _, p := range r.acc.profiles {
			names = append(names, p.CanonicalName)
		}
		fmt.Fprintf(&b, "Profiles: %s. ", strings.Join(names, ", "))
	}
	if len(r.acc.messages) > 0 {
		fmt.Fprintf(&b, "%d related messages. ", len(r.acc.messages))
	}
	if r.acc.graphResults > 0 {
		fmt.Fprintf(&b, "%d graph records. ", r.acc.graphResults)
	}
	return strings.TrimSpace(b.String())
}

// buildMessages renders the conversation for the next model turn.
func (r *queryRun) buildMessages() []types.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", r.query)
	fmt.Fprintf(&b, "State: %s. Lookups remaining: %d.\n", r.state, r.loop.cfg.MaxCalls-len(r.toolsUsed))
	if r.lastResult != "" {
		fmt.Fprintf(&b, "Last result: %s\n", r.lastResult)
	}
	if r.lastError != "" {
		fmt.Fprintf(&b, "Previous attempt was rejected: %s\n", r.lastError)
	}
	r.renderAccumulators(&b)

	messages := make([]types.Message, 0, len(r.history)+1)
	messages = append(messages, r.history...)
	return append(messages, types.Message{Role: "user", Content: b.String()})
}

// renderAccumulators writes a truncated view of gathered evidence.
func (r *queryRun) renderAccumulators(b *strings.Builder) {
	if !r.acc.hasEvidence() {
		return
	}
	b.WriteString("\nGathered so far:\n")
	for i, p := range r.acc.profiles {
		if i == 5 {
			fmt.Fprintf(b, "- … and %d more profiles\n", len(r.acc.profiles)-5)
			break
		}
		fmt.Fprintf(b, "- %s (%s): %s\n", p.CanonicalName, p.Type, truncate(p.Summary, 200))
	}
	for i, m := range r.acc.messages {
		if i == 5 {
			fmt.Fprintf(b, "- … and %d more messages\n", len(r.acc.messages)-5)
			break
		}
		fmt.Fprintf(b, "- MSG %d: %s\n", m.ID, truncate(m.Message, 160))
	}
	if r.acc.graphResults > 0 {
		fmt.Fprintf(b, "- %d graph records collected\n", r.acc.graphResults)
	}
}

func (r *queryRun) record(entry TraceEntry) {
	entry.Step = len(r.trace) + 1
	entry.State = r.state
	r.trace = append(r.trace, entry)
}

// maintenancePrefix returns the active maintenance notice, when set.
func (l *Loop) maintenancePrefix(ctx context.Context) string {
	if l.queue == nil {
		return ""
	}
	_, active, err := l.queue.GetFlag(ctx, l.cfg.MaintenanceFlag)
	if err != nil || !active {
		return ""
	}
	return "(Heads up: I am reorganizing my memory right now, so details may be briefly incomplete.)\n\n"
}

// dedupeKey builds the duplicate-suppression key: tool name plus the
// arguments serialized with sorted keys.
func dedupeKey(name string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%v", k, args[k])
	}
	return b.String()
}

func parseArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(llmsvc.StripJSONFences(raw)), &args); err != nil {
		return nil, err
	}
	return args, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so a multi-byte rune is never split.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
