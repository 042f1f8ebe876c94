package llmsvc_test

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/vestigelabs/vestige/internal/llmsvc"
	"github.com/vestigelabs/vestige/internal/observe"
	"github.com/vestigelabs/vestige/internal/resilience"
	"github.com/vestigelabs/vestige/pkg/provider/llm"
	llmmock "github.com/vestigelabs/vestige/pkg/provider/llm/mock"
	"github.com/vestigelabs/vestige/pkg/types"
)

func newService(t *testing.T, p *llmmock.Provider) *llmsvc.Service {
	t.Helper()
	svc, err := llmsvc.New(p, p, p, llmsvc.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func TestNew_RequiresStructuredProvider(t *testing.T) {
	t.Parallel()
	_, err := llmsvc.New(nil, nil, nil, llmsvc.Config{})
	if err == nil {
		t.Fatal("expected error for nil structured provider")
	}
}

func TestCallReasoning(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "the user cares about their sister"},
	}
	svc := newService(t, p)

	got, err := svc.CallReasoning(context.Background(), "analyse", "messages here")
	if err != nil {
		t.Fatalf("CallReasoning: %v", err)
	}
	if got != "the user cares about their sister" {
		t.Fatalf("content = %q", got)
	}
	if len(p.CompleteCalls) != 1 {
		t.Fatalf("calls = %d, want 1", len(p.CompleteCalls))
	}
	if p.CompleteCalls[0].Req.SystemPrompt != "analyse" {
		t.Fatalf("system prompt = %q", p.CompleteCalls[0].Req.SystemPrompt)
	}
}

func TestCallStructured_ParsesJSON(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"name":"Marcus","topic":"Work"}`},
	}
	svc := newService(t, p)

	var out struct {
		Name  string `json:"name"`
		Topic string `json:"topic"`
	}
	if err := svc.CallStructured(context.Background(), "extract", "input", &out); err != nil {
		t.Fatalf("CallStructured: %v", err)
	}
	if out.Name != "Marcus" || out.Topic != "Work" {
		t.Fatalf("out = %+v", out)
	}
}

func TestCallStructured_StripsMarkdownFences(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "```json\n{\"name\":\"Ana\"}\n```"},
	}
	svc := newService(t, p)

	var out struct {
		Name string `json:"name"`
	}
	if err := svc.CallStructured(context.Background(), "extract", "input", &out); err != nil {
		t.Fatalf("CallStructured: %v", err)
	}
	if out.Name != "Ana" {
		t.Fatalf("name = %q", out.Name)
	}
}

func TestCallStructured_RepromptsOnMalformedJSON(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{Content: "I think the answer is:"},
			{Content: `{"name":"Ana"}`},
		},
	}
	svc := newService(t, p)

	var out struct {
		Name string `json:"name"`
	}
	if err := svc.CallStructured(context.Background(), "extract", "input", &out); err != nil {
		t.Fatalf("CallStructured: %v", err)
	}
	if out.Name != "Ana" {
		t.Fatalf("name = %q", out.Name)
	}
	if len(p.CompleteCalls) != 2 {
		t.Fatalf("calls = %d, want 2", len(p.CompleteCalls))
	}
	// The re-prompt must carry the model's bad output back to it.
	second := p.CompleteCalls[1].Req.Messages
	if len(second) != 3 {
		t.Fatalf("re-prompt message count = %d, want 3", len(second))
	}
	if second[1].Role != "assistant" || second[1].Content != "I think the answer is:" {
		t.Fatalf("re-prompt should echo the assistant output, got %+v", second[1])
	}
}

func TestCallStructured_GivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "never json"},
	}
	svc := newService(t, p)

	var out map[string]any
	err := svc.CallStructured(context.Background(), "extract", "input", &out)
	if !errors.Is(err, llmsvc.ErrMalformedJSON) {
		t.Fatalf("err = %v, want ErrMalformedJSON", err)
	}
	if len(p.CompleteCalls) != 3 {
		t.Fatalf("calls = %d, want 3", len(p.CompleteCalls))
	}
}

func TestCallWithTools_ReturnsToolCall(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			ToolCalls: []types.ToolCall{{ID: "c1", Name: "search_entity", Arguments: `{"name":"Marcus"}`}},
		},
	}
	svc := newService(t, p)

	resp, err := svc.CallWithTools(context.Background(), "agent",
		[]types.Message{{Role: "user", Content: "who is Marcus?"}},
		[]types.ToolDefinition{{Name: "search_entity"}})
	if err != nil {
		t.Fatalf("CallWithTools: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "search_entity" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
}

func TestCallWithTools_RepromptsOnPlainText(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{Content: "Marcus is probably a coworker."},
			{ToolCalls: []types.ToolCall{{ID: "c1", Name: "search_entity"}}},
		},
	}
	svc := newService(t, p)

	resp, err := svc.CallWithTools(context.Background(), "agent",
		[]types.Message{{Role: "user", Content: "who is Marcus?"}},
		[]types.ToolDefinition{{Name: "search_entity"}})
	if err != nil {
		t.Fatalf("CallWithTools: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if len(p.CompleteCalls) != 2 {
		t.Fatalf("calls = %d, want 2", len(p.CompleteCalls))
	}
}

func TestCallWithTools_GivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "no tools for me"},
	}
	svc := newService(t, p)

	_, err := svc.CallWithTools(context.Background(), "agent",
		[]types.Message{{Role: "user", Content: "hi"}},
		[]types.ToolDefinition{{Name: "search_entity"}})
	if !errors.Is(err, llmsvc.ErrNoToolCall) {
		t.Fatalf("err = %v, want ErrNoToolCall", err)
	}
}

func TestCallWithTools_RequiresTools(t *testing.T) {
	t.Parallel()
	svc := newService(t, &llmmock.Provider{})
	_, err := svc.CallWithTools(context.Background(), "agent", nil, nil)
	if err == nil {
		t.Fatal("expected error for empty tools")
	}
}

func TestStripJSONFences(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"whitespace", "  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := llmsvc.StripJSONFences(tt.in); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompleteRecordsCallMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "fine"}}
	svc, err := llmsvc.New(p, p, p, llmsvc.Config{
		Retry:   resilience.RetryConfig{MaxAttempts: 1},
		Metrics: m,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := svc.CallReasoning(ctx, "analyse", "messages"); err != nil {
		t.Fatalf("CallReasoning: %v", err)
	}
	p.CompleteErr = errors.New("backend down")
	if _, err := svc.CallReasoning(ctx, "analyse", "more messages"); err == nil {
		t.Fatal("expected error from failing backend")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	counts := callCountsByStatus(t, rm)
	if counts["ok"] != 1 || counts["error"] != 1 {
		t.Errorf("llm call counts = %v, want one ok and one error", counts)
	}
}

func callCountsByStatus(t *testing.T, rm metricdata.ResourceMetrics) map[string]int64 {
	t.Helper()
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "vestige.llm.calls" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatal("vestige.llm.calls is not an int64 sum")
			}
			for _, dp := range sum.DataPoints {
				if status, ok := dp.Attributes.Value("status"); ok {
					out[status.AsString()] += dp.Value
				}
			}
		}
	}
	return out
}
