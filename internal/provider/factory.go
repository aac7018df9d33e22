// Package provider constructs LLM backends from configuration.
package provider

import (
	"net/http"
	"time"

	"github.com/hallabot/regubot/internal/config"
	"github.com/hallabot/regubot/internal/domain"
	"github.com/hallabot/regubot/internal/provider/gemini"
	"github.com/hallabot/regubot/internal/provider/openai"
)

// Factory builds provider instances for a (provider config, model) pair.
// The supported backend set is closed; unknown types fail loudly as a
// configuration error.
type Factory struct {
	configs map[string]config.ProviderConfig
}

// NewFactory indexes the configured providers by name.
func NewFactory(configs []config.ProviderConfig) *Factory {
	byName := make(map[string]config.ProviderConfig, len(configs))
	for _, c := range configs {
		byName[c.Name] = c
	}
	return &Factory{configs: byName}
}

// Build constructs a provider instance for the named provider and model.
func (f *Factory) Build(providerName, model string) (domain.Provider, error) {
	cfg, ok := f.configs[providerName]
	if !ok {
		return nil, domain.ErrProviderNotImplemented(providerName)
	}

	httpClient := &http.Client{Timeout: timeoutFor(cfg)}

	switch cfg.Type {
	case "openai":
		opts := []openai.ClientOption{openai.WithHTTPClient(httpClient)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		client := openai.NewClient(cfg.APIKey, opts...)
		var popts []openai.Option
		if cfg.EmbeddingModel != "" {
			popts = append(popts, openai.WithEmbeddingModel(cfg.EmbeddingModel))
		}
		return openai.New(client, model, popts...), nil
	case "gemini":
		opts := []gemini.ClientOption{gemini.WithHTTPClient(httpClient)}
		if cfg.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
		}
		return gemini.New(gemini.NewClient(cfg.APIKey, opts...), model), nil
	default:
		return nil, domain.ErrProviderNotImplemented(cfg.Type)
	}
}

func timeoutFor(cfg config.ProviderConfig) time.Duration {
	if cfg.TimeoutSeconds > 0 {
		return time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return 120 * time.Second
}
