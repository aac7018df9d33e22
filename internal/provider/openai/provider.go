// Package openai implements the provider contract over the OpenAI API.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hallabot/regubot/internal/domain"
	"github.com/hallabot/regubot/internal/tokens"
)

// Provider adapts the OpenAI client to the domain provider contract.
type Provider struct {
	client         *Client
	model          string
	embeddingModel string
	counter        *tokens.OpenAICounter
}

// Option configures the provider.
type Option func(*Provider)

// WithEmbeddingModel sets the model used for Embed calls.
func WithEmbeddingModel(model string) Option {
	return func(p *Provider) {
		p.embeddingModel = model
	}
}

// New creates an OpenAI-backed provider for the given model.
func New(client *Client, model string, opts ...Option) *Provider {
	p := &Provider{
		client:         client,
		model:          model,
		embeddingModel: "text-embedding-3-small",
		counter:        tokens.NewOpenAICounter(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) ProviderName() string { return "openai" }
func (p *Provider) ModelName() string    { return p.model }

// SimpleCompletion returns the model's plain-text answer.
func (p *Provider) SimpleCompletion(ctx context.Context, messages []domain.Message, opts *domain.CompletionOptions) (string, domain.Usage, error) {
	req := p.buildRequest(messages, opts)
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", domain.Usage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", resp.Usage.ToDomain(), domain.ErrEmptyOutput("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, resp.Usage.ToDomain(), nil
}

// StructuredCompletion requests strict JSON-schema constrained output.
func (p *Provider) StructuredCompletion(ctx context.Context, messages []domain.Message, schema json.RawMessage, opts *domain.CompletionOptions) (string, domain.Usage, error) {
	req := p.buildRequest(messages, opts)
	req.ResponseFormat = &ResponseFormat{
		Type: "json_schema",
		JSONSchema: &JSONSchema{
			Name:   "response",
			Strict: true,
			Schema: schema,
		},
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", domain.Usage{}, err
	}
	usage := resp.Usage.ToDomain()
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", usage, domain.ErrEmptyOutput("structured completion returned empty payload")
	}
	raw := resp.Choices[0].Message.Content
	if !json.Valid([]byte(raw)) {
		return "", usage, domain.ErrMalformedOutput("structured completion returned invalid JSON")
	}
	return raw, usage, nil
}

// ToolCompletion asks the model to emit structured function calls.
func (p *Provider) ToolCompletion(ctx context.Context, messages []domain.Message, tools []domain.ToolSpec, opts *domain.CompletionOptions) (*domain.ToolCallResult, error) {
	req := p.buildRequest(messages, opts)
	for _, t := range tools {
		req.Tools = append(req.Tools, Tool{
			Type: "function",
			Function: ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	req.ToolChoice = "auto"

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &domain.ToolCallResult{Usage: resp.Usage.ToDomain()}
	if len(resp.Choices) == 0 {
		return result, nil
	}
	for _, tc := range resp.Choices[0].Message.ToolCalls {
		if tc.Type != "function" {
			continue
		}
		result.Calls = append(result.Calls, domain.ToolCall{
			CallID:    tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// Stream streams the completion incrementally. The returned channel is
// closed when the stream ends; the final delta carries provider usage.
func (p *Provider) Stream(ctx context.Context, messages []domain.Message, opts *domain.CompletionOptions) (<-chan domain.StreamDelta, error) {
	req := p.buildRequest(messages, opts)
	chunks, err := p.client.StreamChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.StreamDelta)
	go func() {
		defer close(out)
		var usage *domain.Usage
		for res := range chunks {
			if res.Err != nil {
				out <- domain.StreamDelta{Err: res.Err}
				return
			}
			if res.Chunk.Usage != nil {
				u := res.Chunk.Usage.ToDomain()
				usage = &u
			}
			for _, choice := range res.Chunk.Choices {
				if choice.Delta.Content != "" {
					out <- domain.StreamDelta{Content: choice.Delta.Content}
				}
			}
		}
		if usage != nil {
			out <- domain.StreamDelta{Usage: usage}
		}
	}()
	return out, nil
}

// Embed produces an embedding vector for text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.CreateEmbedding(ctx, &EmbeddingRequest{
		Model: p.embeddingModel,
		Input: text,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no data")
	}
	return resp.Data[0].Embedding, nil
}

// CountTokens counts tokens of plain text using tiktoken.
func (p *Provider) CountTokens(text string) (int, error) {
	return p.counter.CountText(p.model, text)
}

func (p *Provider) buildRequest(messages []domain.Message, opts *domain.CompletionOptions) *ChatCompletionRequest {
	req := &ChatCompletionRequest{
		Model:    p.model,
		Messages: make([]Message, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, Message{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	if opts != nil {
		req.Temperature = opts.Temperature
		req.MaxTokens = opts.MaxTokens
	}
	return req
}
