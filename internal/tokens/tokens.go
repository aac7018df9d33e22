// Package tokens provides token counting for text, with a tiktoken-backed
// counter for OpenAI models and a character-ratio estimator as fallback.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens of plain text for a given model.
type Counter interface {
	CountText(model, text string) (int, error)
	SupportsModel(model string) bool
}

// OpenAICounter provides accurate token counts for OpenAI models using
// tiktoken.
type OpenAICounter struct {
	// codecCache caches tokenizer codecs by encoding name
	codecCache map[tokenizer.Encoding]tokenizer.Codec
	cacheMu    sync.RWMutex
}

// NewOpenAICounter creates a new OpenAI token counter.
func NewOpenAICounter() *OpenAICounter {
	return &OpenAICounter{
		codecCache: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// SupportsModel returns true for OpenAI model families.
func (c *OpenAICounter) SupportsModel(model string) bool {
	model = strings.ToLower(model)
	for _, p := range []string{"gpt-", "o1", "o3", "o4", "text-embedding"} {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// CountText counts tokens for a plain text string.
func (c *OpenAICounter) CountText(model, text string) (int, error) {
	codec, err := c.getCodec(model)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// CountMessages approximates the chat-format token count: per-message and
// per-role overhead plus the assistant priming tokens, matching OpenAI's
// documented accounting for chat models.
func (c *OpenAICounter) CountMessages(model string, contents []string) (int, error) {
	codec, err := c.getCodec(model)
	if err != nil {
		return 0, err
	}

	const tokensPerMessage = 3
	const tokensPerRole = 1

	total := 0
	for _, content := range contents {
		total += tokensPerMessage + tokensPerRole
		ids, _, _ := codec.Encode(content)
		total += len(ids)
	}
	total += 3 // assistant priming
	return total, nil
}

func (c *OpenAICounter) getCodec(model string) (tokenizer.Codec, error) {
	// Try the model-specific codec first
	if codec, err := tokenizer.ForModel(tokenizer.Model(strings.ToLower(model))); err == nil {
		return codec, nil
	}

	encoding := modelToEncoding(model)

	c.cacheMu.RLock()
	if cached, ok := c.codecCache[encoding]; ok {
		c.cacheMu.RUnlock()
		return cached, nil
	}
	c.cacheMu.RUnlock()

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.cacheMu.Lock()
	c.codecCache[encoding] = codec
	c.cacheMu.Unlock()

	return codec, nil
}

// modelToEncoding maps model names to encodings for fallback.
//
// - O200kBase: GPT-5, GPT-4.1, GPT-4o, o-series and newer models
// - Cl100kBase: GPT-4, GPT-3.5-turbo, text-embedding models
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"),
		strings.HasPrefix(model, "gpt-3.5"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Cl100kBase
	default:
		// Most likely encoding for unknown/future models
		return tokenizer.O200kBase
	}
}

// Estimator provides token count estimation based on character length.
// This is the fallback for providers without native token counting.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

// CountText estimates the token count from the character count.
func (e *Estimator) CountText(model, text string) (int, error) {
	return int(float64(len(text)) / e.CharsPerToken), nil
}

// SupportsModel returns true - the estimator supports all models.
func (e *Estimator) SupportsModel(model string) bool {
	return true
}

// Registry resolves the appropriate counter for a model, falling back to
// the estimator when no registered counter supports it.
type Registry struct {
	counters []Counter
	fallback Counter
}

// NewRegistry creates a registry with the estimator as default fallback.
func NewRegistry() *Registry {
	return &Registry{
		fallback: NewEstimator(),
	}
}

// Register adds a counter to the registry.
func (r *Registry) Register(counter Counter) {
	r.counters = append(r.counters, counter)
}

// CounterFor returns the counter to use for a model.
func (r *Registry) CounterFor(model string) Counter {
	for _, c := range r.counters {
		if c.SupportsModel(model) {
			return c
		}
	}
	return r.fallback
}

// CountText counts text tokens with the best counter for the model.
func (r *Registry) CountText(model, text string) (int, error) {
	return r.CounterFor(model).CountText(model, text)
}
