package diligent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPricingForKnownModel(t *testing.T) {
	p := PricingFor(nil, "gpt-4o")
	require.Equal(t, 2.5, p.InputPerMTok)
	require.Equal(t, 10.0, p.OutputPerMTok)
}

func TestPricingForUnknownModelReturnsZeroValue(t *testing.T) {
	p := PricingFor(nil, "no-such-model")
	require.Equal(t, ModelPricing{}, p)
}

func TestPricingForUsesOverrideTable(t *testing.T) {
	table := map[string]ModelPricing{"custom": {InputPerMTok: 1, OutputPerMTok: 2}}
	p := PricingFor(table, "custom")
	require.Equal(t, 1.0, p.InputPerMTok)

	fallback := PricingFor(table, "gpt-4o")
	require.Equal(t, ModelPricing{}, fallback)
}

func TestCostForUsage(t *testing.T) {
	u := Usage{InputTokens: 1_000_000, OutputTokens: 2_000_000}
	p := ModelPricing{InputPerMTok: 3, OutputPerMTok: 15}
	require.InDelta(t, 33.0, CostForUsage(u, p), 0.0001)
}

func TestCostForUsageZero(t *testing.T) {
	require.Equal(t, 0.0, CostForUsage(Usage{}, ModelPricing{}))
}
