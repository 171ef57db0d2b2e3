package diligent

import "strings"

// ModelPricing is a per-model price table entry, consulted by the agent
// loop to compute the cost figure on each usage{} event.
type ModelPricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// defaultModelPricing is a small built-in table for the models the
// bundled provider adapters target, keyed by model id without a dated
// snapshot suffix (see PricingFor). Overridable through
// AgentLoopConfig.Pricing; the config file has no pricing key.
var defaultModelPricing = map[string]ModelPricing{
	"claude-opus-4":     {InputPerMTok: 15, OutputPerMTok: 75},
	"claude-sonnet-4-5": {InputPerMTok: 3, OutputPerMTok: 15},
	"claude-haiku-4":    {InputPerMTok: 0.8, OutputPerMTok: 4},
	"gpt-4o":            {InputPerMTok: 2.5, OutputPerMTok: 10},
	"gpt-4o-mini":       {InputPerMTok: 0.15, OutputPerMTok: 0.6},
	"o1":                {InputPerMTok: 15, OutputPerMTok: 60},
}

// PricingFor returns the configured price for modelID, falling back to
// the zero value (cost 0) when the model is unknown. Vendors append
// dated snapshot suffixes to the model id in API responses (e.g.
// "claude-sonnet-4-5-20250929"), so an exact miss falls back to the
// longest table key that prefixes modelID.
func PricingFor(table map[string]ModelPricing, modelID string) ModelPricing {
	if table == nil {
		table = defaultModelPricing
	}
	if p, ok := table[modelID]; ok {
		return p
	}
	var best string
	for key := range table {
		if strings.HasPrefix(modelID, key) && len(key) > len(best) {
			best = key
		}
	}
	return table[best]
}

// CostForUsage computes input/1e6*inputCostPer1M + output/1e6*outputCostPer1M.
func CostForUsage(u Usage, p ModelPricing) float64 {
	return float64(u.InputTokens)/1e6*p.InputPerMTok + float64(u.OutputTokens)/1e6*p.OutputPerMTok
}
