package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// Holding is a participant's position in another participant's valuation,
// unique per (holder, valuation) pair. The row is deleted when units reach
// zero or when either side is destroyed.
type Holding struct {
	bun.BaseModel `bun:"table:holdings,alias:h"`

	ID          int64 `bun:"id,pk,autoincrement"`
	HolderID    int64 `bun:"holder_id,notnull,unique:holdings_holder_valuation"`
	ValuationID int64 `bun:"valuation_id,notnull,unique:holdings_holder_valuation"`

	Units int64 `bun:"units,notnull"`
	// AvgAcquisitionPrice is a weighted average recomputed on each
	// acquisition and left untouched on disposal.
	AvgAcquisitionPrice decimal.Decimal `bun:"avg_acquisition_price,notnull,type:numeric(20,2)"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}
