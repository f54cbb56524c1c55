// Package cost prices model generations and paid retrieval calls.
package cost

// Rates holds pricing configuration.
type Rates struct {
	// Models is keyed by model name, falling back to provider id.
	Models map[string]ModelRate `yaml:"models" mapstructure:"models"`
	Jina   JinaRate             `yaml:"jina" mapstructure:"jina"`
}

// ModelRate holds per-model token pricing (per million tokens) plus an
// optional flat fee per request.
type ModelRate struct {
	Input      float64 `yaml:"input" mapstructure:"input"`
	Output     float64 `yaml:"output" mapstructure:"output"`
	PerRequest float64 `yaml:"per_request" mapstructure:"per_request"`
}

// JinaRate holds Jina search pricing.
type JinaRate struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Generation computes the cost of one generation. Unknown models cost 0.
func (c *Calculator) Generation(provider, model string, input, output int64) float64 {
	rate, ok := c.rates.Models[model]
	if !ok {
		rate, ok = c.rates.Models[provider]
	}
	if !ok {
		return 0
	}

	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	return inCost + outCost + rate.PerRequest
}

// WebSearch returns the cost of n web lane queries.
func (c *Calculator) WebSearch(n int) float64 {
	return float64(n) * c.rates.Jina.PerQuery
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Models: map[string]ModelRate{
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
			"claude-opus-4-6":            {Input: 15.00, Output: 75.00},
			"sonar":                      {Input: 1.00, Output: 1.00, PerRequest: 0.005},
			"sonar-pro":                  {Input: 3.00, Output: 15.00, PerRequest: 0.005},
		},
		Jina: JinaRate{PerQuery: 0.002},
	}
}
