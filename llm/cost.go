package llm

import (
	"strings"
	"sync"

	"github.com/dipeo/dipeo-go/envelope"
)

// ModelPricing is USD per million tokens.
type ModelPricing struct {
	InputPerM  float64
	OutputPerM float64
}

// DefaultPricing covers the commonly used models. Unknown models cost
// zero; callers needing accuracy should register their own table.
var DefaultPricing = map[string]ModelPricing{
	"gpt-4o":            {InputPerM: 2.50, OutputPerM: 10.00},
	"gpt-4o-mini":       {InputPerM: 0.15, OutputPerM: 0.60},
	"gpt-4.1":           {InputPerM: 2.00, OutputPerM: 8.00},
	"o3-mini":           {InputPerM: 1.10, OutputPerM: 4.40},
	"claude-sonnet-4-0": {InputPerM: 3.00, OutputPerM: 15.00},
	"claude-opus-4-0":   {InputPerM: 15.00, OutputPerM: 75.00},
	"claude-3-5-haiku":  {InputPerM: 0.80, OutputPerM: 4.00},
	"gemini-2.0-flash":  {InputPerM: 0.10, OutputPerM: 0.40},
	"gemini-1.5-pro":    {InputPerM: 1.25, OutputPerM: 5.00},
}

// CostTracker accumulates dollar cost across LLM calls. Safe for
// concurrent use.
type CostTracker struct {
	mu      sync.Mutex
	pricing map[string]ModelPricing
	total   float64
	byModel map[string]float64
}

// NewCostTracker creates a tracker over a pricing table; nil uses
// DefaultPricing.
func NewCostTracker(pricing map[string]ModelPricing) *CostTracker {
	if pricing == nil {
		pricing = DefaultPricing
	}
	return &CostTracker{
		pricing: pricing,
		byModel: make(map[string]float64),
	}
}

// Add records the cost of one call and returns it.
func (t *CostTracker) Add(model string, usage *envelope.LLMUsage) float64 {
	if usage == nil || usage.IsZero() {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.lookup(model)
	if !ok {
		return 0
	}
	cost := float64(usage.Input)/1e6*p.InputPerM + float64(usage.Output)/1e6*p.OutputPerM
	t.total += cost
	t.byModel[model] += cost
	return cost
}

// lookup matches the model exactly, then by prefix so versioned names
// like "gpt-4o-2024-08-06" resolve.
func (t *CostTracker) lookup(model string) (ModelPricing, bool) {
	if p, ok := t.pricing[model]; ok {
		return p, true
	}
	for name, p := range t.pricing {
		if strings.HasPrefix(model, name) {
			return p, true
		}
	}
	return ModelPricing{}, false
}

// Total returns the accumulated cost in USD.
func (t *CostTracker) Total() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// ByModel returns a copy of the per-model cost breakdown.
func (t *CostTracker) ByModel() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.byModel))
	for k, v := range t.byModel {
		out[k] = v
	}
	return out
}
