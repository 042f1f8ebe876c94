package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/vestigelabs/vestige/pkg/types"
)

// ── message conversion ───────────────────────────────────────────────────────

func TestToBackendMessage_Roles(t *testing.T) {
	for _, tt := range []struct {
		role, content string
	}{
		{"system", "You are helpful."},
		{"user", "Hello!"},
		{"assistant", "Hi there!"},
	} {
		got := toBackendMessage(types.Message{Role: tt.role, Content: tt.content})
		if got.Role != tt.role {
			t.Errorf("role = %q, want %q", got.Role, tt.role)
		}
		if got.ContentString() != tt.content {
			t.Errorf("content = %q, want %q", got.ContentString(), tt.content)
		}
	}
}

func TestToBackendMessage_ToolCalls(t *testing.T) {
	got := toBackendMessage(types.Message{
		Role: "assistant",
		ToolCalls: []types.ToolCall{
			{ID: "call_1", Name: "get_entity_profile", Arguments: `{"name":"Marie"}`},
		},
	})
	if len(got.ToolCalls) != 1 {
		t.Fatalf("converted %d tool calls, want 1", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "call_1" || tc.Type != "function" {
		t.Errorf("tool call id/type = %q/%q", tc.ID, tc.Type)
	}
	if tc.Function.Name != "get_entity_profile" || tc.Function.Arguments != `{"name":"Marie"}` {
		t.Errorf("function = %q args %q", tc.Function.Name, tc.Function.Arguments)
	}
}

func TestToBackendMessage_ToolResult(t *testing.T) {
	got := toBackendMessage(types.Message{Role: "tool", Content: "found", ToolCallID: "call_1"})
	if got.Role != "tool" || got.ToolCallID != "call_1" || got.ContentString() != "found" {
		t.Errorf("tool result converted badly: %+v", got)
	}
}

func TestToBackendMessage_PreservesName(t *testing.T) {
	if got := toBackendMessage(types.Message{Role: "user", Content: "Hi", Name: "alice"}); got.Name != "alice" {
		t.Errorf("name = %q, want alice", got.Name)
	}
}

// ── capability lookup ────────────────────────────────────────────────────────

func TestLookupCapabilities(t *testing.T) {
	tests := []struct {
		model       string
		window, out int
		vision      bool
		toolCalling bool
	}{
		{"gpt-4o-mini", 128_000, 16_384, true, true},
		{"gpt-4o", 128_000, 16_384, true, true},
		{"gpt-4-turbo", 128_000, 4_096, true, true},
		{"gpt-4", 8_192, 4_096, false, true},
		{"gpt-3.5-turbo", 16_385, 4_096, false, true},
		{"o1-mini", 128_000, 65_536, false, false},
		{"o1", 200_000, 100_000, true, true},
		{"claude-3-5-sonnet-latest", 200_000, 8_192, true, true},
		{"claude-3-haiku-20240307", 200_000, 8_192, true, true},
		{"claude-3-opus-20240229", 200_000, 4_096, true, true},
		{"claude-future-model", 200_000, 8_192, true, true},
		{"gemini-2.0-flash", 1_048_576, 8_192, true, true},
		{"gemini-1.5-pro", 2_097_152, 8_192, true, true},
		{"gemini-1.5-flash", 1_048_576, 8_192, true, true},
		{"gemini-pro", 128_000, 8_192, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := lookupCapabilities(tt.model)
			if caps.ContextWindow != tt.window {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tt.window)
			}
			if caps.MaxOutputTokens != tt.out {
				t.Errorf("MaxOutputTokens = %d, want %d", caps.MaxOutputTokens, tt.out)
			}
			if caps.SupportsVision != tt.vision {
				t.Errorf("SupportsVision = %v, want %v", caps.SupportsVision, tt.vision)
			}
			if caps.SupportsToolCalling != tt.toolCalling {
				t.Errorf("SupportsToolCalling = %v, want %v", caps.SupportsToolCalling, tt.toolCalling)
			}
		})
	}
}

func TestLookupCapabilities_UnknownModelDefaults(t *testing.T) {
	caps := lookupCapabilities("my-custom-model")
	if caps.ContextWindow <= 0 || caps.MaxOutputTokens <= 0 {
		t.Errorf("unknown model should get positive limits: %+v", caps)
	}
	if !caps.SupportsStreaming {
		t.Error("unknown model should default to streaming support")
	}
}

func TestLookupCapabilities_CaseInsensitive(t *testing.T) {
	if lookupCapabilities("gpt-4o").ContextWindow != lookupCapabilities("GPT-4O").ContextWindow {
		t.Error("model matching should ignore case")
	}
}

// ── constructors ─────────────────────────────────────────────────────────────

func TestNew_InputValidation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("empty provider name should fail")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("empty model should fail")
	}
	if _, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("unknown provider name should fail")
	}
}

func TestNew_CreatesBackends(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (*Provider, error)
	}{
		{"openai", func() (*Provider, error) { return NewOpenAI("gpt-4o", anyllmlib.WithAPIKey("sk-test")) }},
		{"anthropic", func() (*Provider, error) {
			return NewAnthropic("claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-test"))
		}},
		{"ollama", func() (*Provider, error) { return NewOllama("llama3") }},
		{"llamacpp", func() (*Provider, error) { return New("llamacpp", "llama3") }},
		{"llamafile", func() (*Provider, error) { return New("llamafile", "llama3") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.fn()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p == nil {
				t.Fatal("nil provider")
			}
		})
	}
}

func TestNew_OpenAIRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("expected error without API key")
	}
}

// ── token counting ───────────────────────────────────────────────────────────

func TestCountTokens(t *testing.T) {
	p := &Provider{model: "gpt-4o"}

	if n, err := p.CountTokens(nil); err != nil || n != 0 {
		t.Errorf("CountTokens(nil) = %d, %v; want 0, nil", n, err)
	}

	one, err := p.CountTokens([]types.Message{{Role: "user", Content: "Hello"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if one <= 0 {
		t.Errorf("single message count = %d, want > 0", one)
	}

	two, _ := p.CountTokens([]types.Message{
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi there, how can I help?"},
	})
	if two <= one {
		t.Errorf("two messages should count more than one: %d <= %d", two, one)
	}
}

func TestCapabilities_UsesConfiguredModel(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	if got, want := p.Capabilities(), lookupCapabilities("gpt-4o"); got != want {
		t.Errorf("Capabilities() = %+v, want %+v", got, want)
	}
}
