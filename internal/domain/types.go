// Package domain holds the canonical types shared across the chat pipeline.
package domain

import "encoding/json"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat message in provider-neutral form.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage captures token accounting reported by a provider for one call.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	ReasoningTokens int `json:"reasoning_tokens"`
}

// GateDecision is the outcome of the regulation gate for one question.
// Reason is best-effort but always populated on the keyword fallback path.
type GateDecision struct {
	IsRegulation bool   `json:"is_regulation"`
	Reason       string `json:"reason,omitempty"`
}

// RetrievalHit is one scored candidate from the vector index.
type RetrievalHit struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Document is a full-text regulation chunk resolved from the document store.
type Document struct {
	ID           string `json:"id"`
	Text         string `json:"text"`
	Title        string `json:"title"`
	SourceFile   string `json:"source_file"`
	LawArticleID string `json:"law_article_id"`
}

// ContextSource records where a DocumentPackage's merged text came from.
type ContextSource string

const (
	SourceDocumentStore ContextSource = "document_store"
	SourcePreview       ContextSource = "preview"
	SourceNone          ContextSource = "none"
)

// SourceAttribution identifies one document that contributed context.
type SourceAttribution struct {
	LawArticleID string `json:"law_article_id"`
	SourceFile   string `json:"source_file"`
	Title        string `json:"title"`
}

// DocumentPackage is the assembled retrieval context for one turn.
//
// Invariants: Source==SourceDocumentStore implies DocumentCount>0,
// Source==SourcePreview implies PreviewCount>0, and Source==SourceNone
// implies MergedText=="".
type DocumentPackage struct {
	MergedText    string              `json:"merged_text,omitempty"`
	Source        ContextSource       `json:"source"`
	DocumentCount int                 `json:"document_count"`
	PreviewCount  int                 `json:"preview_count"`
	Attributions  []SourceAttribution `json:"source_attributions,omitempty"`
}

// FunctionCallRecord is the auditable record of one executed tool call.
// Output is always a string; execution failures are encoded as an
// error-prefixed string, never propagated.
type FunctionCallRecord struct {
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments"`
	Output     string         `json:"output"`
	CallID     string         `json:"call_id"`
	IsFallback bool           `json:"is_fallback"`
	Reasoning  string         `json:"reasoning,omitempty"`
}

// ToolReasoning is the model's explanation of which tools it selected.
type ToolReasoning struct {
	Reasoning     string   `json:"reasoning"`
	SelectedTools []string `json:"selected_tools"`
}

// WebSearchStatus summarizes the outcome of web-search tool calls in a turn.
type WebSearchStatus string

const (
	WebSearchOK           WebSearchStatus = "ok"
	WebSearchEmptyOrError WebSearchStatus = "empty-or-error"
	WebSearchNotRun       WebSearchStatus = "not-run"
)

// RagMetadata is the retrieval-side slice of TurnMetadata. Absence of
// results is recorded explicitly rather than omitted.
type RagMetadata struct {
	IsRegulation     bool                `json:"is_regulation"`
	GateReason       string              `json:"gate_reason"`
	ContextSource    ContextSource       `json:"context_source"`
	HitsCount        int                 `json:"hits_count"`
	DocumentCount    int                 `json:"document_count"`
	PreviewCount     int                 `json:"preview_count"`
	ChunkIDs         []string            `json:"chunk_ids"`
	SourceDocuments  []SourceAttribution `json:"source_documents"`
	RawContext       string              `json:"raw_context,omitempty"`
	CondensedContext string              `json:"condensed_context,omitempty"`
}

// FunctionCallMetadata is the serialized form of a FunctionCallRecord with
// the output clipped for transport. OutputLength preserves the full size.
type FunctionCallMetadata struct {
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments"`
	Output       string         `json:"output"`
	OutputLength int            `json:"output_length"`
	CallID       string         `json:"call_id"`
	IsFallback   bool           `json:"is_fallback"`
	Reasoning    string         `json:"reasoning,omitempty"`
}

// RoleTokens is the per-role detail included in TokenUsageMetadata.
type RoleTokens struct {
	InputTokens     int    `json:"input_tokens"`
	OutputTokens    int    `json:"output_tokens"`
	ReasoningTokens int    `json:"reasoning_tokens"`
	Model           string `json:"model,omitempty"`
}

// TokenUsageMetadata is the aggregated token and cost summary for a turn.
type TokenUsageMetadata struct {
	InputTokens     int                   `json:"input_tokens"`
	OutputTokens    int                   `json:"output_tokens"`
	FunctionTokens  int                   `json:"function_tokens"`
	RagTokens       int                   `json:"rag_tokens"`
	ReasoningTokens int                   `json:"reasoning_tokens"`
	TotalTokens     int                   `json:"total_tokens"`
	InputCostUSD    float64               `json:"input_cost_usd"`
	OutputCostUSD   float64               `json:"output_cost_usd"`
	TotalCostUSD    float64               `json:"total_cost_usd"`
	Currency        string                `json:"currency"`
	Model           string                `json:"model"`
	Preset          string                `json:"preset,omitempty"`
	RoleBreakdown   map[string]RoleTokens `json:"role_breakdown,omitempty"`
}

// TurnMetadata is the final aggregate artifact for one turn. It must stay
// fully JSON-serializable; never put provider handles or locks in here.
type TurnMetadata struct {
	Rag             *RagMetadata           `json:"rag,omitempty"`
	Functions       []FunctionCallMetadata `json:"functions"`
	FunctionsCount  int                    `json:"functions_count"`
	ToolReasoning   *ToolReasoning         `json:"tool_reasoning,omitempty"`
	WebSearchStatus WebSearchStatus        `json:"web_search_status"`
	TokenUsage      *TokenUsageMetadata    `json:"token_usage,omitempty"`
	DurationMS      int64                  `json:"duration_ms,omitempty"`
}

// StreamEventType tags one event in the newline-delimited output stream.
type StreamEventType string

const (
	EventDelta    StreamEventType = "delta"
	EventMetadata StreamEventType = "metadata"
	EventDone     StreamEventType = "done"
	EventError    StreamEventType = "error"
)

// StreamEvent is one element of a turn's output stream.
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	Content  string          `json:"content,omitempty"`
	Message  string          `json:"message,omitempty"`
	Metadata *TurnMetadata   `json:"data,omitempty"`
}

// MarshalNDJSON renders the event as one newline-terminated JSON line.
func (e StreamEvent) MarshalNDJSON() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
