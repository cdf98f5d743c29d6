package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// Valuation is a participant's own tradable instrument. Created atomically
// with its owning participant; its price is mutated only through pricer
// results (live scoring or the decay sweep).
type Valuation struct {
	bun.BaseModel `bun:"table:valuations,alias:v"`

	ID            int64 `bun:"id,pk,autoincrement"`
	ParticipantID int64 `bun:"participant_id,notnull,unique"`

	Price          decimal.Decimal `bun:"price,notnull,type:numeric(20,2)"`
	BaseVolatility float64         `bun:"base_volatility,notnull"`
	IssuedUnits    int64           `bun:"issued_units,notnull"`

	FreezeUntil  time.Time `bun:"freeze_until"`
	LastScoredAt time.Time `bun:"last_scored_at"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// Frozen reports whether the growth freeze is active at t. A frozen valuation
// is protected from the decay sweep but still moves up on scored activity.
func (v *Valuation) Frozen(t time.Time) bool {
	return v.FreezeUntil.After(t)
}
