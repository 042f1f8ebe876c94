// Package llmsvc wraps the raw [llm.Provider] surface with the three call
// shapes the rest of the system uses:
//
//   - CallReasoning: free-form text completion used for analysis passes.
//   - CallStructured: completion that must parse as JSON into a caller-supplied
//     struct, with automatic re-prompting on malformed output.
//   - CallWithTools: completion that must select exactly one of the offered
//     tools, used by the agent loop.
//
// Each call shape is bound to its own model slot so that cheap models can
// serve extraction while a stronger model serves the agent. All calls run
// behind per-slot circuit breakers and exponential-backoff retries.
package llmsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vestigelabs/vestige/internal/observe"
	"github.com/vestigelabs/vestige/internal/resilience"
	"github.com/vestigelabs/vestige/pkg/provider/llm"
	"github.com/vestigelabs/vestige/pkg/types"
)

// ErrNoToolCall is returned by [Service.CallWithTools] when the model refuses
// to select a tool after all re-prompts.
var ErrNoToolCall = errors.New("llmsvc: model returned no tool call")

// ErrMalformedJSON is returned by [Service.CallStructured] when the model's
// output cannot be parsed after all re-prompts.
var ErrMalformedJSON = errors.New("llmsvc: model returned malformed JSON")

// jsonInstruction is appended to every structured call's system prompt.
const jsonInstruction = "\n\nRespond with a single valid JSON object and nothing else. " +
	"No markdown fences, no prose before or after the JSON."

// parseRetries is the number of re-prompts allowed when the model returns
// output that fails validation (malformed JSON, missing tool call).
const parseRetries = 2

// Slot identifies which configured model a call runs against.
type Slot string

const (
	// SlotStructured serves extraction and consolidation calls that must
	// return JSON.
	SlotStructured Slot = "structured"

	// SlotReasoning serves free-form analysis passes.
	SlotReasoning Slot = "reasoning"

	// SlotAgent serves the retrieval agent's tool-calling loop.
	SlotAgent Slot = "agent"
)

// Config holds tuning knobs for a [Service].
type Config struct {
	// Temperature used for all calls. Default: 0.2.
	Temperature float64

	// MaxTokens per completion. Default: 4096.
	MaxTokens int

	// Retry configures backoff for transient provider failures.
	Retry resilience.RetryConfig

	// Breaker configures the per-slot circuit breakers.
	Breaker resilience.CircuitBreakerConfig

	// Metrics receives per-call instrumentation.
	// Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (cfg Config) withDefaults() Config {
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Breaker.ResetTimeout <= 0 {
		cfg.Breaker.ResetTimeout = 30 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return cfg
}

// slotBinding pairs a provider with its dedicated circuit breaker.
type slotBinding struct {
	provider llm.Provider
	breaker  *resilience.CircuitBreaker
}

// Service routes calls to the configured model slots.
// It is safe for concurrent use.
type Service struct {
	slots map[Slot]slotBinding
	cfg   Config
}

// New creates a [Service]. The structured slot is mandatory; when reasoning or
// agent providers are nil they fall back to the structured provider.
func New(structured, reasoning, agent llm.Provider, cfg Config) (*Service, error) {
	if structured == nil {
		return nil, fmt.Errorf("llmsvc: structured provider must not be nil")
	}
	if reasoning == nil {
		reasoning = structured
	}
	if agent == nil {
		agent = structured
	}
	cfg = cfg.withDefaults()

	bind := func(slot Slot, p llm.Provider) slotBinding {
		bcfg := cfg.Breaker
		bcfg.Name = "llm-" + string(slot)
		return slotBinding{provider: p, breaker: resilience.NewCircuitBreaker(bcfg)}
	}

	return &Service{
		slots: map[Slot]slotBinding{
			SlotStructured: bind(SlotStructured, structured),
			SlotReasoning:  bind(SlotReasoning, reasoning),
			SlotAgent:      bind(SlotAgent, agent),
		},
		cfg: cfg,
	}, nil
}

// complete runs one completion against a slot behind its breaker and the
// retry policy.
func (s *Service) complete(ctx context.Context, slot Slot, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	binding, ok := s.slots[slot]
	if !ok {
		return nil, fmt.Errorf("llmsvc: unknown slot %q", slot)
	}

	var resp *llm.CompletionResponse
	rcfg := s.cfg.Retry
	rcfg.Name = "llm-" + string(slot)

	start := time.Now()
	err := resilience.Retry(ctx, rcfg, func() error {
		return binding.breaker.Execute(func() error {
			var err error
			resp, err = binding.provider.Complete(ctx, req)
			return err
		})
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.cfg.Metrics.RecordLLMCall(ctx, string(slot), status, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// CallReasoning runs a free-form completion on the reasoning slot and returns
// the raw text content.
func (s *Service) CallReasoning(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := s.complete(ctx, SlotReasoning, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     []types.Message{{Role: "user", Content: userPrompt}},
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("llmsvc: reasoning call: %w", err)
	}
	return resp.Content, nil
}

// CallStructured runs a completion on the structured slot and unmarshals the
// JSON response into out. When the model returns malformed JSON the call is
// re-prompted with the parse error up to two times before giving up.
func (s *Service) CallStructured(ctx context.Context, systemPrompt, userPrompt string, out any) error {
	messages := []types.Message{{Role: "user", Content: userPrompt}}

	var lastErr error
	for attempt := 0; attempt <= parseRetries; attempt++ {
		resp, err := s.complete(ctx, SlotStructured, llm.CompletionRequest{
			SystemPrompt: systemPrompt + jsonInstruction,
			Messages:     messages,
			Temperature:  s.cfg.Temperature,
			MaxTokens:    s.cfg.MaxTokens,
			ResponseJSON: true,
		})
		if err != nil {
			return fmt.Errorf("llmsvc: structured call: %w", err)
		}

		cleaned := StripJSONFences(resp.Content)
		if err := json.Unmarshal([]byte(cleaned), out); err == nil {
			return nil
		} else {
			lastErr = err
		}

		slog.Warn("structured response failed to parse, re-prompting",
			"attempt", attempt+1,
			"error", lastErr)

		// Feed the model its own output plus the parse error so the next
		// attempt can correct itself.
		messages = append(messages,
			types.Message{Role: "assistant", Content: resp.Content},
			types.Message{Role: "user", Content: fmt.Sprintf(
				"Your previous response was not valid JSON (%v). Respond again with only the corrected JSON object.", lastErr)},
		)
	}

	return fmt.Errorf("%w: %v", ErrMalformedJSON, lastErr)
}

// CallWithTools runs a completion on the agent slot, offering tools and
// requiring that exactly one of them is selected. When the model answers with
// plain text instead, the call is re-prompted up to two times.
//
// The returned response always carries at least one tool call; callers should
// dispatch the first.
func (s *Service) CallWithTools(ctx context.Context, systemPrompt string, messages []types.Message, tools []types.ToolDefinition) (*llm.CompletionResponse, error) {
	if len(tools) == 0 {
		return nil, fmt.Errorf("llmsvc: tools must not be empty")
	}

	convo := make([]types.Message, len(messages))
	copy(convo, messages)

	for attempt := 0; attempt <= parseRetries; attempt++ {
		resp, err := s.complete(ctx, SlotAgent, llm.CompletionRequest{
			SystemPrompt:       systemPrompt,
			Messages:           convo,
			Tools:              tools,
			Temperature:        s.cfg.Temperature,
			MaxTokens:          s.cfg.MaxTokens,
			ToolChoiceRequired: true,
		})
		if err != nil {
			return nil, fmt.Errorf("llmsvc: tool call: %w", err)
		}
		if len(resp.ToolCalls) > 0 {
			return resp, nil
		}

		slog.Warn("model returned no tool call, re-prompting",
			"attempt", attempt+1)

		convo = append(convo,
			types.Message{Role: "assistant", Content: resp.Content},
			types.Message{Role: "user", Content: "You must respond by calling exactly one of the provided tools. Do not answer in plain text."},
		)
	}

	return nil, ErrNoToolCall
}

// StripJSONFences removes a surrounding markdown code fence from s, if
// present, and trims whitespace. Models frequently wrap JSON in ```json
// fences despite instructions not to.
func StripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
