package models

import (
	"time"

	"github.com/uptrace/bun"
)

type ModifierKind string

const (
	ModifierAmplifiedScoring    ModifierKind = "amplified_scoring"
	ModifierAmplifiedVolatility ModifierKind = "amplified_volatility"
	ModifierGrowthFreeze        ModifierKind = "growth_freeze"
	ModifierSuppressedGrowth    ModifierKind = "suppressed_growth"
)

// StatusModifier is a time-boxed modifier attached to a participant. The item
// catalogue that grants these lives outside the engine; only the numeric
// consequences matter here.
type StatusModifier struct {
	bun.BaseModel `bun:"table:status_modifiers,alias:sm"`

	ID            int64        `bun:"id,pk,autoincrement"`
	ParticipantID int64        `bun:"participant_id,notnull"`
	Kind          ModifierKind `bun:"kind,notnull"`
	ExpiresAt     time.Time    `bun:"expires_at,notnull"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func (m *StatusModifier) Active(t time.Time) bool {
	return m.ExpiresAt.After(t)
}
