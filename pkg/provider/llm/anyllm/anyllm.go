// Package anyllm adapts github.com/mozilla-ai/any-llm-go — a unified client
// for OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq and local
// llama.cpp/llamafile servers — to the [llm.Provider] interface.
//
// Vestige builds up to three instances from this package, one per model slot
// (structured, reasoning, agent):
//
//	p, err := anyllm.New("openai", "gpt-4o", anyllmlib.WithAPIKey("sk-..."))
//	p, err := anyllm.New("anthropic", "claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/vestigelabs/vestige/pkg/provider/llm"
	"github.com/vestigelabs/vestige/pkg/types"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// Provider bridges one any-llm-go backend and one model name to
// [llm.Provider].
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// backends maps provider names to any-llm-go constructors.
var backends = map[string]func(...anyllmlib.Option) (anyllmlib.Provider, error){
	"openai":    wrapCtor(anyllmoai.New),
	"anthropic": wrapCtor(anthropic.New),
	"gemini":    wrapCtor(gemini.New),
	"ollama":    wrapCtor(ollama.New),
	"deepseek":  wrapCtor(deepseek.New),
	"mistral":   wrapCtor(mistral.New),
	"groq":      wrapCtor(groq.New),
	"llamacpp":  wrapCtor(llamacpp.New),
	"llamafile": wrapCtor(llamafile.New),
}

// wrapCtor adapts a constructor returning a concrete provider type to the
// common constructor signature used by the backends map.
func wrapCtor[T anyllmlib.Provider](ctor func(...anyllmlib.Option) (T, error)) func(...anyllmlib.Option) (anyllmlib.Provider, error) {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		return ctor(opts...)
	}
}

// New creates a Provider for the named backend and model. providerName must
// be one of the keys of the supported-backend set (openai, anthropic, gemini,
// ollama, deepseek, mistral, groq, llamacpp, llamafile). opts are passed
// through to any-llm-go; when no API key option is given, the backend falls
// back to its usual environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY,
// and so on).
func New(providerName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	ctor, ok := backends[strings.ToLower(providerName)]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported provider %q; supported: %s",
			providerName, strings.Join(backendNames(), ", "))
	}
	backend, err := ctor(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Provider{backend: backend, model: model}, nil
}

func backendNames() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// NewOpenAI is shorthand for New("openai", model, opts...).
func NewOpenAI(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("openai", model, opts...)
}

// NewAnthropic is shorthand for New("anthropic", model, opts...).
func NewAnthropic(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("anthropic", model, opts...)
}

// NewOllama is shorthand for New("ollama", model, opts...). Without options
// it connects to http://localhost:11434.
func NewOllama(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("ollama", model, opts...)
}

// Complete sends the request to the backend and maps the first choice back
// into an [llm.CompletionResponse].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	choice := resp.Choices[0]
	out := &llm.CompletionResponse{Content: choice.Message.ContentString()}
	if resp.Usage != nil {
		out.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// CountTokens approximates locally at ~4 characters per token plus a small
// per-message overhead. It overshoots rather than undercounts.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total, nil
}

// Capabilities reports static capabilities for the configured model.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return lookupCapabilities(p.model)
}

// params converts an [llm.CompletionRequest] into anyllm CompletionParams.
//
// ToolChoiceRequired and ResponseJSON are enforced at the llmsvc layer
// (prompt instruction + response validation) because not every any-llm-go
// backend exposes native knobs for them.
func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, toBackendMessage(m))
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}
	return params
}

func toBackendMessage(m types.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return msg
}

// capsRule maps a model-name pattern to its capability profile. Prefix rules
// use HasPrefix, the rest use Contains. First match wins, so more specific
// patterns come first.
type capsRule struct {
	pattern string
	prefix  bool
	caps    types.ModelCapabilities
}

var capsTable = []capsRule{
	// OpenAI
	{"gpt-4o-mini", true, types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsToolCalling: true, SupportsVision: true, SupportsStreaming: true}},
	{"gpt-4o", true, types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsToolCalling: true, SupportsVision: true, SupportsStreaming: true}},
	{"gpt-4-turbo", true, types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096, SupportsToolCalling: true, SupportsVision: true, SupportsStreaming: true}},
	{"gpt-4", true, types.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096, SupportsToolCalling: true, SupportsStreaming: true}},
	{"gpt-3.5-turbo", true, types.ModelCapabilities{ContextWindow: 16_385, MaxOutputTokens: 4_096, SupportsToolCalling: true, SupportsStreaming: true}},

	// OpenAI o-series
	{"o1-mini", true, types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 65_536, SupportsStreaming: true}},
	{"o1", true, types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true, SupportsVision: true, SupportsStreaming: true}},
	{"o3-mini", true, types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true, SupportsStreaming: true}},
	{"o3", true, types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true, SupportsVision: true, SupportsStreaming: true}},

	// Anthropic
	{"claude-3-opus", false, types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 4_096, SupportsToolCalling: true, SupportsVision: true, SupportsStreaming: true}},
	{"claude", true, types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 8_192, SupportsToolCalling: true, SupportsVision: true, SupportsStreaming: true}},

	// Google
	{"gemini-1.5-pro", false, types.ModelCapabilities{ContextWindow: 2_097_152, MaxOutputTokens: 8_192, SupportsToolCalling: true, SupportsVision: true, SupportsStreaming: true}},
	{"gemini-1.5-flash", false, types.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192, SupportsToolCalling: true, SupportsVision: true, SupportsStreaming: true}},
	{"gemini-2.0-flash", false, types.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192, SupportsToolCalling: true, SupportsVision: true, SupportsStreaming: true}},
	{"gemini", true, types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 8_192, SupportsToolCalling: true, SupportsVision: true, SupportsStreaming: true}},
}

func lookupCapabilities(model string) types.ModelCapabilities {
	m := strings.ToLower(model)
	for _, rule := range capsTable {
		if rule.prefix && strings.HasPrefix(m, rule.pattern) {
			return rule.caps
		}
		if !rule.prefix && strings.Contains(m, rule.pattern) {
			return rule.caps
		}
	}
	// Unknown models get conservative defaults.
	return types.ModelCapabilities{
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
		SupportsToolCalling: true,
		SupportsStreaming:   true,
	}
}
