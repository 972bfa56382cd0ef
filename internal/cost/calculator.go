// Package cost estimates provider spend from token usage.
package cost

import (
	"sync"

	"go.uber.org/zap"
)

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Rates maps model names to pricing.
type Rates map[string]ModelRate

// Usage is the token count reported by one provider call.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:      u.InputTokens + o.InputTokens,
		OutputTokens:     u.OutputTokens + o.OutputTokens,
		CacheWriteTokens: u.CacheWriteTokens + o.CacheWriteTokens,
		CacheReadTokens:  u.CacheReadTokens + o.CacheReadTokens,
	}
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator. Entries in overrides replace the
// defaults for the same model.
func NewCalculator(overrides Rates) *Calculator {
	rates := DefaultRates()
	for model, r := range overrides {
		rates[model] = r
	}
	return &Calculator{rates: rates}
}

// Estimate returns the USD cost of u on model. Unknown models cost 0.
func (c *Calculator) Estimate(model string, u Usage) float64 {
	rate, ok := c.rates[model]
	if !ok {
		return 0
	}

	inCost := (float64(u.InputTokens) / 1e6) * rate.Input
	outCost := (float64(u.OutputTokens) / 1e6) * rate.Output
	cwCost := (float64(u.CacheWriteTokens) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(u.CacheReadTokens) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// Known reports whether the calculator has pricing for model.
func (c *Calculator) Known(model string) bool {
	_, ok := c.rates[model]
	return ok
}

// DefaultRates returns the default pricing rates for both providers.
func DefaultRates() Rates {
	return Rates{
		"claude-haiku-4-5-20251001": {
			Input: 1.00, Output: 5.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		"claude-sonnet-4-5-20250929": {
			Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		"gpt-4o-mini":  {Input: 0.15, Output: 0.60, CacheReadMul: 0.5},
		"gpt-4o":       {Input: 2.50, Output: 10.00, CacheReadMul: 0.5},
		"gpt-4.1-mini": {Input: 0.40, Output: 1.60, CacheReadMul: 0.25},
	}
}

// Tracker accumulates usage per provider for one run. Safe for concurrent use.
type Tracker struct {
	calc *Calculator

	mu    sync.Mutex
	usage map[string]Usage
	spend map[string]float64
	calls map[string]int
}

// NewTracker creates a Tracker backed by calc.
func NewTracker(calc *Calculator) *Tracker {
	return &Tracker{
		calc:  calc,
		usage: make(map[string]Usage),
		spend: make(map[string]float64),
		calls: make(map[string]int),
	}
}

// Record adds one call's usage for provider on model and returns its cost.
func (t *Tracker) Record(provider, model string, u Usage) float64 {
	c := t.calc.Estimate(model, u)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage[provider] = t.usage[provider].Add(u)
	t.spend[provider] += c
	t.calls[provider]++
	return c
}

// Spend returns the accumulated cost for provider.
func (t *Tracker) Spend(provider string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spend[provider]
}

// Total returns the accumulated cost across providers.
func (t *Tracker) Total() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0.0
	for _, s := range t.spend {
		total += s
	}
	return total
}

// Log writes a per-provider spend summary.
func (t *Tracker) Log(log *zap.Logger) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for provider, u := range t.usage {
		log.Info("provider spend",
			zap.String("provider", provider),
			zap.Int("calls", t.calls[provider]),
			zap.Int64("input_tokens", u.InputTokens),
			zap.Int64("output_tokens", u.OutputTokens),
			zap.Float64("estimated_usd", t.spend[provider]),
		)
	}
}
