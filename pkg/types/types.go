// Package types defines the shared types used across all Vestige packages.
//
// The LLM providers, the ingestion pipeline, and the agent loop all exchange
// these structures. Domain types stay in their own packages; only the
// cross-cutting pieces live here, which keeps the import graph acyclic.
package types

// Message is one turn of an LLM conversation.
type Message struct {
	// Role: "system", "user", "assistant", or "tool".
	Role string

	// Content holds the message text.
	Content string

	// Name optionally labels the participant when a conversation has more
	// than one user-side speaker.
	Name string

	// ToolCalls lists tool invocations the assistant asked for, if any.
	ToolCalls []ToolCall

	// ToolCallID links a Role=="tool" message back to the call it answers.
	ToolCallID string
}

// ToolCall is a single tool invocation requested by a model.
type ToolCall struct {
	// ID is assigned by the provider and echoed back in the tool result.
	ID string

	// Name of the tool being invoked.
	Name string

	// Arguments as a JSON-encoded string, exactly as the model produced it.
	Arguments string
}

// ToolDefinition describes a tool offered to a model during an agent turn.
type ToolDefinition struct {
	// Name uniquely identifies the tool within a request.
	Name string

	// Description tells the model what the tool does.
	Description string

	// Parameters is a JSON Schema object describing the accepted arguments.
	Parameters map[string]any
}

// ModelCapabilities reports what a configured model can do. Providers fill
// this from static model metadata; callers use it to pick call shapes.
type ModelCapabilities struct {
	// ContextWindow is the combined input+output token limit.
	ContextWindow int

	// MaxOutputTokens caps a single completion.
	MaxOutputTokens int

	// SupportsToolCalling reports native function calling.
	SupportsToolCalling bool

	// SupportsVision reports image input support.
	SupportsVision bool

	// SupportsStreaming reports streamed completion support.
	SupportsStreaming bool
}
