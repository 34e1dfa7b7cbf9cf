// Package llm defines the Provider interface for language-model backends.
//
// A provider wraps a remote model API (Gemini, OpenAI, or anything reachable
// through any-llm-go) and exposes a uniform streaming interface to the reply
// pipeline. Providers are cheap to construct: the gateway builds a fresh one
// per turn so that per-session credential overrides take effect immediately.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// Message represents a single message in a model conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this
	// message responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned identifier for this call.
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool offered to the model for a single turn.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in model prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Tools is the set of tool definitions offered to the model.
	Tools []ToolDefinition

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int

	// SystemPrompt is a high-priority instruction injected before the
	// conversation history. Providers that have no dedicated system slot
	// prepend it as a "system"-role message.
	SystemPrompt string
}

// FinishError is the FinishReason value carried by the last chunk of a stream
// that failed after it was successfully opened. The chunk's Text holds the
// error message.
const FinishError = "error"

// FinishToolCalls is the FinishReason indicating the model stopped to request
// tool invocations.
const FinishToolCalls = "tool_calls"

// Chunk is a single increment emitted by a streaming completion. A chunk may
// carry text, a finish signal, tool calls, or any combination.
type Chunk struct {
	// Text is the incremental text content. May be empty when the chunk only
	// carries ToolCalls or a FinishReason.
	Text string

	// FinishReason is set on the final chunk: "stop", "length",
	// [FinishToolCalls], [FinishError], or "" for non-final chunks.
	FinishReason string

	// ToolCalls contains completed tool invocation requests. Streaming
	// implementations accumulate fragments internally and attach the full
	// calls to the finishing chunk.
	ToolCalls []ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the model
	// responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model.
	ToolCalls []ToolCall
}

// Provider is the abstraction over any model backend.
//
// Each method must propagate context cancellation promptly: when ctx is
// cancelled the method must return (or close its channel) as quickly as
// possible.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// emitting Chunk values as they arrive. The channel is closed when
	// generation finishes or ctx is cancelled.
	//
	// The initial error is non-nil only for failures that prevent the stream
	// from starting (invalid credentials, malformed request). Errors after
	// that point surface as a final Chunk with FinishReason [FinishError].
	// Callers must drain the channel to avoid goroutine leaks.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response. Convenience wrapper
	// for callers that do not need incremental output.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
