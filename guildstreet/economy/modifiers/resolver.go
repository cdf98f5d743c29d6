package modifiers

import (
	"time"

	"github.com/guildstreet/bot/guildstreet/database/models"
	"github.com/guildstreet/bot/guildstreet/economy/pricing"
)

// AmplifiedScoreMultiplier doubles a participant's batch score while the
// amplified-scoring modifier is active.
const AmplifiedScoreMultiplier = 2.0

// Resolve folds a participant's active modifiers into one effective-parameter
// set. This is the single place "is this still active" is decided per flush;
// everything downstream consumes the result without re-checking timestamps.
func Resolve(mods []*models.StatusModifier, now time.Time) map[int64]pricing.EffectiveParams {
	resolved := make(map[int64]pricing.EffectiveParams)
	for _, mod := range mods {
		if !mod.Active(now) {
			continue
		}
		params, ok := resolved[mod.ParticipantID]
		if !ok {
			params = pricing.NeutralParams()
		}
		switch mod.Kind {
		case models.ModifierAmplifiedScoring:
			params.ScoreMultiplier = AmplifiedScoreMultiplier
		case models.ModifierAmplifiedVolatility:
			params.AmplifiedVolatility = true
		case models.ModifierGrowthFreeze:
			params.Frozen = true
		case models.ModifierSuppressedGrowth:
			params.SuppressedGrowth = true
		}
		resolved[mod.ParticipantID] = params
	}
	return resolved
}

// ParamsFor returns the resolved parameters for a participant, falling back to
// the neutral set.
func ParamsFor(resolved map[int64]pricing.EffectiveParams, participantID int64) pricing.EffectiveParams {
	if params, ok := resolved[participantID]; ok {
		return params
	}
	return pricing.NeutralParams()
}
