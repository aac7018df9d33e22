package domain

import (
	"context"
	"encoding/json"
)

// CompletionOptions are per-call knobs common to all providers.
type CompletionOptions struct {
	Temperature *float64
	MaxTokens   int
}

// Provider defines the minimum contract every LLM backend implements.
type Provider interface {
	ProviderName() string
	ModelName() string

	// SimpleCompletion returns the model's plain-text answer.
	SimpleCompletion(ctx context.Context, messages []Message, opts *CompletionOptions) (string, Usage, error)

	// StructuredCompletion returns raw JSON conforming to schema.
	// Backends without strict schema support return ErrorTypeUnsupported
	// rather than silently degrading. An empty or malformed payload is
	// reported as ErrorTypeMalformedOutput so callers can fall back.
	StructuredCompletion(ctx context.Context, messages []Message, schema json.RawMessage, opts *CompletionOptions) (string, Usage, error)

	// CountTokens counts tokens of plain text for this provider's model.
	CountTokens(text string) (int, error)
}

// StreamDelta is one increment of a streamed completion. Usage is non-nil
// only on the final delta when the provider reports authoritative counts.
type StreamDelta struct {
	Content string
	Usage   *Usage
	Err     error
}

// StreamingProvider is implemented by backends that support incremental
// text output. The channel MUST be closed by the provider when done.
type StreamingProvider interface {
	Stream(ctx context.Context, messages []Message, opts *CompletionOptions) (<-chan StreamDelta, error)
}

// ToolSpec describes one callable tool in provider-neutral form.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments string
}

// ToolCallResult is the outcome of a tool-enabled completion pass.
type ToolCallResult struct {
	Calls []ToolCall
	Usage Usage
}

// ToolCallingProvider is implemented by backends that emit structured
// function calls.
type ToolCallingProvider interface {
	ToolCompletion(ctx context.Context, messages []Message, tools []ToolSpec, opts *CompletionOptions) (*ToolCallResult, error)
}

// EmbeddingProvider is implemented by backends that produce text embeddings.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
