package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testRates() Rates {
	return Rates{
		Models: map[string]ModelRate{
			"haiku":  {Input: 0.80, Output: 4.00},
			"sonnet": {Input: 3.00, Output: 15.00},
			"sonar":  {Input: 1.00, Output: 1.00, PerRequest: 0.005},
			"local":  {PerRequest: 0.001},
		},
		Jina: JinaRate{PerQuery: 0.002},
	}
}

func TestGeneration(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name     string
		provider string
		model    string
		input    int64
		output   int64
		want     float64
	}{
		{
			name: "haiku simple", provider: "anthropic", model: "haiku",
			input: 1000000, output: 100000,
			want: 0.80 + 0.40,
		},
		{
			name: "sonnet", provider: "anthropic", model: "sonnet",
			input: 2000, output: 500,
			want: 0.006 + 0.0075,
		},
		{
			name: "flat request fee", provider: "perplexity", model: "sonar",
			input: 1000, output: 1000,
			want: 0.001 + 0.001 + 0.005,
		},
		{
			name: "provider fallback", provider: "local", model: "llama3",
			input: 5000, output: 5000,
			want: 0.001,
		},
		{
			name: "unknown model", provider: "other", model: "unknown",
			input: 1000000, output: 1000000,
			want: 0,
		},
		{
			name: "zero tokens", provider: "anthropic", model: "haiku",
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := calc.Generation(tt.provider, tt.model, tt.input, tt.output)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestWebSearch(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())
	assert.InDelta(t, 0.006, calc.WebSearch(3), 1e-9)
	assert.Zero(t, calc.WebSearch(0))
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()
	rates := DefaultRates()
	assert.Contains(t, rates.Models, "claude-sonnet-4-5-20250929")
	assert.Greater(t, rates.Jina.PerQuery, 0.0)

	calc := NewCalculator(rates)
	assert.Greater(t, calc.Generation("anthropic", "claude-haiku-4-5-20251001", 1000, 1000), 0.0)
}
