package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestNextPriceEndToEndScenario(t *testing.T) {
	// A 50-char message scores min(50, 200)/2 = 25; at price 10.00 and base
	// volatility 0.10 the delta is 10.00 * 0.10 * log10(26) * 0.25 = 0.35.
	pricer := NewPricer(DefaultPricingConfig())
	next := pricer.NextPrice(dec("10.00"), 0.10, 25, NeutralParams())
	assert.True(t, next.Equal(dec("10.35")), "got %s", next)
}

func TestNextPriceZeroScoreLeavesPrice(t *testing.T) {
	pricer := NewPricer(DefaultPricingConfig())
	next := pricer.NextPrice(dec("12.50"), 0.10, 0, NeutralParams())
	assert.True(t, next.Equal(dec("12.50")))
}

func TestNextPriceMinTick(t *testing.T) {
	// A tiny positive score still moves the price by at least one tick.
	pricer := NewPricer(DefaultPricingConfig())
	next := pricer.NextPrice(dec("1.00"), 0.01, 0.001, NeutralParams())
	assert.True(t, next.Equal(dec("1.01")), "got %s", next)
}

func TestNextPriceGrowthCap(t *testing.T) {
	pricer := NewPricer(DefaultPricingConfig())
	// An absurd score cannot more than double the price in one update.
	next := pricer.NextPrice(dec("10.00"), 0.15, 1e12, NeutralParams())
	assert.True(t, next.LessThanOrEqual(dec("20.00")), "got %s", next)
}

func TestNextPriceSuppressedGrowth(t *testing.T) {
	pricer := NewPricer(DefaultPricingConfig())
	normal := pricer.NextPrice(dec("10.00"), 0.10, 25, NeutralParams())
	suppressed := pricer.NextPrice(dec("10.00"), 0.10, 25, EffectiveParams{
		ScoreMultiplier:  1.0,
		SuppressedGrowth: true,
	})
	assert.True(t, suppressed.LessThan(normal), "suppressed %s, normal %s", suppressed, normal)
	assert.True(t, suppressed.GreaterThan(dec("10.00")), "suppression halves growth, never blocks it")
}

func TestNextPriceFreezeDoesNotBlockGrowth(t *testing.T) {
	pricer := NewPricer(DefaultPricingConfig())
	frozen := pricer.NextPrice(dec("10.00"), 0.10, 25, EffectiveParams{
		ScoreMultiplier: 1.0,
		Frozen:          true,
	})
	assert.True(t, frozen.Equal(dec("10.35")), "got %s", frozen)
}

func TestEffectiveVolatilityBounds(t *testing.T) {
	pricer := NewPricer(DefaultPricingConfig())

	tests := []struct {
		name   string
		price  string
		base   float64
		params EffectiveParams
	}{
		{"below floor", "10.00", 0.001, NeutralParams()},
		{"above ceiling", "10.00", 0.9, NeutralParams()},
		{"high price damped", "5000.00", 0.15, NeutralParams()},
		{"amplified", "10.00", 0.02, EffectiveParams{ScoreMultiplier: 1, AmplifiedVolatility: true}},
		{"amplified high price", "5000.00", 0.02, EffectiveParams{ScoreMultiplier: 1, AmplifiedVolatility: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vol := pricer.EffectiveVolatility(dec(tt.price), tt.base, tt.params)
			assert.GreaterOrEqual(t, vol, 0.01)
			assert.LessOrEqual(t, vol, 0.15)
		})
	}
}

func TestEffectiveVolatilityDampensAboveThreshold(t *testing.T) {
	pricer := NewPricer(DefaultPricingConfig())
	low := pricer.EffectiveVolatility(dec("50.00"), 0.15, NeutralParams())
	high := pricer.EffectiveVolatility(dec("1000.00"), 0.15, NeutralParams())
	assert.Less(t, high, low)
}

func TestEffectiveVolatilityAmplifiedOverride(t *testing.T) {
	pricer := NewPricer(DefaultPricingConfig())
	vol := pricer.EffectiveVolatility(dec("10.00"), 0.02, EffectiveParams{
		ScoreMultiplier:     1,
		AmplifiedVolatility: true,
	})
	assert.Equal(t, 0.15, vol)
}

func TestDecayTwoCycles(t *testing.T) {
	pricer := NewPricer(DefaultPricingConfig())

	once := pricer.Decay(dec("100.00"), NeutralParams())
	require.True(t, once.Equal(dec("98.00")), "got %s", once)

	twice := pricer.Decay(once, NeutralParams())
	require.True(t, twice.Equal(dec("96.04")), "got %s", twice)
}

func TestDecayRespectsFloor(t *testing.T) {
	pricer := NewPricer(DefaultPricingConfig())
	next := pricer.Decay(dec("1.00"), NeutralParams())
	assert.True(t, next.Equal(dec("1.00")))

	next = pricer.Decay(dec("1.01"), NeutralParams())
	assert.True(t, next.GreaterThanOrEqual(dec("1.00")))
}

func TestDecayFrozenUnchanged(t *testing.T) {
	pricer := NewPricer(DefaultPricingConfig())
	next := pricer.Decay(dec("100.00"), EffectiveParams{Frozen: true})
	assert.True(t, next.Equal(dec("100.00")))
}

func TestNextPriceNeverBelowFloor(t *testing.T) {
	pricer := NewPricer(DefaultPricingConfig())
	next := pricer.NextPrice(dec("0.50"), 0.10, 0, NeutralParams())
	assert.True(t, next.Equal(dec("1.00")))
}
