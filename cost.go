package mantle

import (
	"sort"
	"strings"
)

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMillion  float64 `json:"input"`
	OutputPerMillion float64 `json:"output"`
}

// defaultKey is the fallback pricing tier applied when no table entry
// matches the model name.
const defaultKey = "default"

// DefaultPricing contains current list prices for common models. Override
// or extend via config ([pricing] in mantle.toml); the table is merged,
// not replaced.
var DefaultPricing = map[string]ModelPricing{
	// OpenAI
	"gpt-4o":       {2.50, 10.00},
	"gpt-4o-mini":  {0.15, 0.60},
	"gpt-4.1":      {2.00, 8.00},
	"gpt-4.1-mini": {0.40, 1.60},
	"gpt-4":        {30.00, 60.00},
	"gpt-3.5":      {0.50, 1.50},
	"o3-mini":      {1.10, 4.40},

	// Anthropic
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-3-5":  {0.80, 4.00},
	"claude-opus-4":     {15.00, 75.00},

	// Gemini
	"gemini-2.5-flash": {0.15, 0.60},
	"gemini-2.5-pro":   {1.25, 10.00},

	defaultKey: {1.00, 3.00},
}

// CostEstimator maps (model, input tokens, output tokens) to USD.
type CostEstimator struct {
	pricing map[string]ModelPricing
	// keys sorted longest-first so the substring fallback prefers the most
	// specific entry ("gpt-4o-mini" over "gpt-4o" over "gpt-4").
	keys []string
}

// NewCostEstimator creates an estimator with the default table merged with
// overrides. Overrides win on key collision.
func NewCostEstimator(overrides map[string]ModelPricing) *CostEstimator {
	merged := make(map[string]ModelPricing, len(DefaultPricing)+len(overrides))
	for k, v := range DefaultPricing {
		merged[strings.ToLower(k)] = v
	}
	for k, v := range overrides {
		merged[strings.ToLower(k)] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		if k != defaultKey {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return &CostEstimator{pricing: merged, keys: keys}
}

// Pricing resolves the table entry for a model name: exact key, else the
// first (most specific) key that is a substring of the name, else default.
// Matching is case-insensitive.
func (e *CostEstimator) Pricing(model string) ModelPricing {
	lower := strings.ToLower(model)
	if p, ok := e.pricing[lower]; ok {
		return p
	}
	for _, k := range e.keys {
		if strings.Contains(lower, k) {
			return e.pricing[k]
		}
	}
	return e.pricing[defaultKey]
}

// EstimateCost returns the USD cost for the given model and token counts.
func (e *CostEstimator) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	p := e.Pricing(model)
	return float64(inputTokens)/1_000_000*p.InputPerMillion +
		float64(outputTokens)/1_000_000*p.OutputPerMillion
}

// EstimateTokens approximates the token count of text for pre-call sizing
// as ⌈len/4⌉. Actual usage comes from provider usage records when available.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// estimateMessagesTokens sums the token estimate across a message slice.
func estimateMessagesTokens(messages []ChatMessage) int {
	var n int
	for _, m := range messages {
		n += EstimateTokens(m.Content)
	}
	return n
}
