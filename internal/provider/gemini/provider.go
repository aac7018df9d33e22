package gemini

import (
	"context"
	"encoding/json"

	"github.com/hallabot/regubot/internal/domain"
	"github.com/hallabot/regubot/internal/tokens"
)

// Provider adapts the Gemini client to the domain provider contract.
// System messages are lifted into systemInstruction and assistant turns
// are remapped to the "model" role.
type Provider struct {
	client    *Client
	model     string
	estimator *tokens.Estimator
}

// New creates a Gemini-backed provider for the given model.
func New(client *Client, model string) *Provider {
	return &Provider{
		client:    client,
		model:     model,
		estimator: tokens.NewEstimator(),
	}
}

func (p *Provider) ProviderName() string { return "gemini" }
func (p *Provider) ModelName() string    { return p.model }

// SimpleCompletion returns the model's plain-text answer.
func (p *Provider) SimpleCompletion(ctx context.Context, messages []domain.Message, opts *domain.CompletionOptions) (string, domain.Usage, error) {
	req := p.buildRequest(messages, opts)
	resp, err := p.client.GenerateContent(ctx, p.model, req)
	if err != nil {
		return "", domain.Usage{}, err
	}
	usage := resp.UsageMetadata.ToDomain()
	text := firstText(resp)
	if text == "" {
		return "", usage, domain.ErrEmptyOutput("completion returned no candidates")
	}
	return text, usage, nil
}

// StructuredCompletion is not supported: Gemini does not honor the strict
// JSON-schema contract the callers rely on, and silently degrading would
// defeat their fallback logic.
func (p *Provider) StructuredCompletion(ctx context.Context, messages []domain.Message, schema json.RawMessage, opts *domain.CompletionOptions) (string, domain.Usage, error) {
	return "", domain.Usage{}, domain.ErrUnsupported("gemini does not support strict json schema output")
}

// CountTokens estimates the token count; Gemini has no local tokenizer.
func (p *Provider) CountTokens(text string) (int, error) {
	return p.estimator.CountText(p.model, text)
}

func (p *Provider) buildRequest(messages []domain.Message, opts *domain.CompletionOptions) *GenerateContentRequest {
	req := &GenerateContentRequest{}

	var systemParts []Part
	for _, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			systemParts = append(systemParts, Part{Text: m.Content})
		case domain.RoleAssistant:
			req.Contents = append(req.Contents, Content{
				Role:  "model",
				Parts: []Part{{Text: m.Content}},
			})
		default:
			req.Contents = append(req.Contents, Content{
				Role:  "user",
				Parts: []Part{{Text: m.Content}},
			})
		}
	}
	if len(systemParts) > 0 {
		req.SystemInstruction = &Content{Parts: systemParts}
	}
	if opts != nil {
		req.GenerationConfig = &GenerationConfig{
			Temperature:     opts.Temperature,
			MaxOutputTokens: opts.MaxTokens,
		}
	}
	return req
}

func firstText(resp *GenerateContentResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			return part.Text
		}
	}
	return ""
}
