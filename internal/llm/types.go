// Package llm defines the provider-agnostic chat types and the Provider
// interface implemented by concrete adapters (see llm/openai). Any
// chat-completions-compatible endpoint can back the runtime.
package llm

import (
	"context"
	"encoding/json"
)

// Message represents a chat message for LLM communication.
type Message struct {
	Role       string     `json:"role"`                   // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`                // message text; may be empty for tool-call turns
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // tool calls emitted by the model
	ToolCallID string     `json:"tool_call_id,omitempty"` // role="tool": id of the call this responds to
}

// ToolCall represents a single tool call returned by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes a tool for function calling.
// Parameters is a JSON-Schema object.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// TokenCounts is the per-request token accounting. Counts accumulate
// monotonically across a turn via Add.
type TokenCounts struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Add folds another accounting into t.
func (t *TokenCounts) Add(o TokenCounts) {
	t.Input += o.Input
	t.Output += o.Output
	t.Total += o.Total
}

// GenerateRequest is a single chat-completion request.
type GenerateRequest struct {
	Messages    []Message
	Tools       []ToolDefinition // nil = plain text request
	Model       string           // "" = adapter default
	Temperature float32
	MaxTokens   int // 0 = no limit
}

// GenerateResponse is the non-streaming result. A nil/empty ToolCalls slice
// means the model answered with plain text.
type GenerateResponse struct {
	Content   string
	ToolCalls []ToolCall
	Tokens    TokenCounts
}

// StreamEventKind discriminates streaming events.
type StreamEventKind string

const (
	StreamChunk       StreamEventKind = "chunk"
	StreamError       StreamEventKind = "error"
	StreamTokenCounts StreamEventKind = "token_counts"
)

// StreamEvent is one element of a streamed response. The terminal
// token_counts event carries the final accounting and the fully accumulated
// tool calls, if any.
type StreamEvent struct {
	Kind      StreamEventKind
	Content   string     // chunk: delta text
	ToolCalls []ToolCall // token_counts: accumulated tool calls
	Tokens    TokenCounts
	Err       error // error: terminal failure
}

// Provider is the single call/stream interface over an LLM endpoint.
type Provider interface {
	// Generate sends a request and returns the complete response.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)

	// GenerateStream sends a request and returns a lazily produced event
	// sequence. The channel is closed after a terminal token_counts or error
	// event.
	GenerateStream(ctx context.Context, req GenerateRequest) (<-chan StreamEvent, error)
}

// Role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)
