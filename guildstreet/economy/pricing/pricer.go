package pricing

import (
	"math"

	"github.com/shopspring/decimal"
)

// PricingConfig holds all tunables for valuation updates.
type PricingConfig struct {
	MinPrice            decimal.Decimal // Absolute price floor (1.00 unit)
	MinVolatility       float64         // Volatility floor
	MaxVolatility       float64         // Volatility ceiling
	AmplifiedVolatility float64         // Fixed value while amplified-volatility is active
	DampenThreshold     float64         // Price above which volatility is log-damped
	DampeningFactor     float64         // Global multiplier on every scored delta
	MinTick             decimal.Decimal // Smallest visible movement for a nonzero score
	MaxGrowthRatio      float64         // New price may not exceed this multiple per update
	SuppressionPenalty  float64         // Fraction applied to growth under suppressed-growth
	DecayRate           float64         // Per-cycle decay for idle valuations
}

func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		MinPrice:            decimal.RequireFromString("1.00"),
		MinVolatility:       0.01,
		MaxVolatility:       0.15,
		AmplifiedVolatility: 0.15,
		DampenThreshold:     100.0,
		DampeningFactor:     0.25,
		MinTick:             decimal.RequireFromString("0.01"),
		MaxGrowthRatio:      2.0,
		SuppressionPenalty:  0.5,
		DecayRate:           0.02,
	}
}

// EffectiveParams is the consolidated modifier state for one participant,
// resolved once per flush and consumed uniformly here.
type EffectiveParams struct {
	ScoreMultiplier     float64
	AmplifiedVolatility bool
	SuppressedGrowth    bool
	Frozen              bool
}

// NeutralParams is the parameter set of a participant with no active modifiers.
func NeutralParams() EffectiveParams {
	return EffectiveParams{ScoreMultiplier: 1.0}
}

// Pricer is the pure valuation-update function. It holds no state beyond its
// configuration and touches no collaborator.
type Pricer struct {
	config PricingConfig
}

func NewPricer(config PricingConfig) *Pricer {
	if config.MaxVolatility == 0 {
		config = DefaultPricingConfig()
	}
	return &Pricer{config: config}
}

// EffectiveVolatility resolves the volatility used for one update: the base
// coefficient, overridden while amplified-volatility is active, damped by an
// inverse-log curve above the threshold so high-priced instruments grow more
// slowly in relative terms, and clamped to the configured bounds.
func (p *Pricer) EffectiveVolatility(price decimal.Decimal, baseVolatility float64, params EffectiveParams) float64 {
	vol := baseVolatility
	if params.AmplifiedVolatility {
		vol = p.config.AmplifiedVolatility
	}
	if pf := price.InexactFloat64(); pf > p.config.DampenThreshold {
		vol /= math.Log10(pf)
	}
	return math.Max(p.config.MinVolatility, math.Min(p.config.MaxVolatility, vol))
}

// NextPrice computes the new price for a scored update cycle. The result is
// always within [MinPrice, currentPrice × MaxGrowthRatio] and rounded to two
// decimals; any nonzero score moves the price by at least MinTick.
func (p *Pricer) NextPrice(currentPrice decimal.Decimal, baseVolatility float64, score float64, params EffectiveParams) decimal.Decimal {
	if score <= 0 {
		return p.clampFloor(currentPrice)
	}

	vol := p.EffectiveVolatility(currentPrice, baseVolatility, params)
	raw := currentPrice.InexactFloat64() * vol * math.Log10(score+1) * p.config.DampeningFactor
	if params.SuppressedGrowth && raw > 0 {
		raw *= p.config.SuppressionPenalty
	}

	delta := decimal.NewFromFloat(raw).Round(2)
	if delta.LessThan(p.config.MinTick) {
		delta = p.config.MinTick
	}

	next := currentPrice.Add(delta)
	ceiling := currentPrice.Mul(decimal.NewFromFloat(p.config.MaxGrowthRatio))
	if next.GreaterThan(ceiling) {
		next = ceiling
	}
	return p.clampFloor(next.Round(2))
}

// Decay applies one idle-cycle decay step. Frozen valuations are untouched:
// the freeze protects against the decay sweep, never against organic growth.
func (p *Pricer) Decay(currentPrice decimal.Decimal, params EffectiveParams) decimal.Decimal {
	if params.Frozen {
		return currentPrice
	}
	next := currentPrice.Mul(decimal.NewFromFloat(1 - p.config.DecayRate)).Round(2)
	return p.clampFloor(next)
}

func (p *Pricer) clampFloor(price decimal.Decimal) decimal.Decimal {
	if price.LessThan(p.config.MinPrice) {
		return p.config.MinPrice
	}
	return price
}

// MinPrice exposes the configured floor for callers seeding new valuations.
func (p *Pricer) MinPrice() decimal.Decimal {
	return p.config.MinPrice
}
