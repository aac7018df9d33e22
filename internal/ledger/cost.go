package ledger

import "github.com/hallabot/regubot/internal/config"

// ModelPrice is the USD price per 1M tokens for one model.
type ModelPrice struct {
	Provider     string
	InputPer1M   float64
	OutputPer1M  float64
	Currency     string
}

// PriceTable maps model ids to prices with a default fallback entry.
type PriceTable struct {
	models       map[string]ModelPrice
	defaultPrice ModelPrice
}

// NewPriceTable builds a price table from the pricing config section.
func NewPriceTable(cfg config.PricingConfig) *PriceTable {
	t := &PriceTable{
		models: make(map[string]ModelPrice, len(cfg.Models)),
		defaultPrice: ModelPrice{
			Provider:    cfg.Default.Provider,
			InputPer1M:  cfg.Default.InputPer1MUSD,
			OutputPer1M: cfg.Default.OutputPer1MUSD,
			Currency:    currencyOr(cfg.Default.Currency),
		},
	}
	if t.defaultPrice.InputPer1M == 0 && t.defaultPrice.OutputPer1M == 0 {
		// Reasonable catch-all for unpriced models
		t.defaultPrice.InputPer1M = 2.50
		t.defaultPrice.OutputPer1M = 10.00
	}
	for _, m := range cfg.Models {
		t.models[m.ID] = ModelPrice{
			Provider:    m.Provider,
			InputPer1M:  m.InputPer1MUSD,
			OutputPer1M: m.OutputPer1MUSD,
			Currency:    currencyOr(m.Currency),
		}
	}
	return t
}

func currencyOr(c string) string {
	if c == "" {
		return "USD"
	}
	return c
}

// PriceFor returns the price entry for a model, falling back to the default.
func (t *PriceTable) PriceFor(model string) ModelPrice {
	if p, ok := t.models[model]; ok {
		return p
	}
	return t.defaultPrice
}

// Cost is the USD cost breakdown for some usage.
type Cost struct {
	InputUSD  float64 `json:"input_cost_usd"`
	OutputUSD float64 `json:"output_cost_usd"`
	TotalUSD  float64 `json:"total_cost_usd"`
	Currency  string  `json:"currency"`
	Provider  string  `json:"provider,omitempty"`
}

// BatchCost is the result of pricing a whole turn's role usage.
type BatchCost struct {
	TotalUSD   float64         `json:"total_cost_usd"`
	ByModel    map[string]Cost `json:"by_model"`
	ByProvider map[string]Cost `json:"by_provider"`
}

// Calculate prices a single usage block against one model.
func (t *PriceTable) Calculate(inputTokens, outputTokens int, model string) Cost {
	p := t.PriceFor(model)
	in := float64(inputTokens) / 1e6 * p.InputPer1M
	out := float64(outputTokens) / 1e6 * p.OutputPer1M
	return Cost{
		InputUSD:  in,
		OutputUSD: out,
		TotalUSD:  in + out,
		Currency:  p.Currency,
		Provider:  p.Provider,
	}
}

// CalculateBatch prices a list of per-role usages, each with its own
// model, and aggregates by model and provider. A turn commonly spans
// several models, so each role is priced at its own model's rate.
func (t *PriceTable) CalculateBatch(usage []RoleUsage) BatchCost {
	result := BatchCost{
		ByModel:    make(map[string]Cost),
		ByProvider: make(map[string]Cost),
	}

	for _, u := range usage {
		c := t.Calculate(u.InputTokens, u.OutputTokens, u.Model)

		m := result.ByModel[u.Model]
		m.InputUSD += c.InputUSD
		m.OutputUSD += c.OutputUSD
		m.TotalUSD += c.TotalUSD
		m.Currency = c.Currency
		m.Provider = c.Provider
		result.ByModel[u.Model] = m

		p := result.ByProvider[c.Provider]
		p.InputUSD += c.InputUSD
		p.OutputUSD += c.OutputUSD
		p.TotalUSD += c.TotalUSD
		p.Currency = c.Currency
		result.ByProvider[c.Provider] = p

		result.TotalUSD += c.TotalUSD
	}
	return result
}
