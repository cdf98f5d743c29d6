package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// PriceHistory is the append-only price log, written on every committed price
// change and consumed only for display.
type PriceHistory struct {
	bun.BaseModel `bun:"table:price_history,alias:ph"`

	ID          int64           `bun:"id,pk,autoincrement"`
	ValuationID int64           `bun:"valuation_id,notnull"`
	Price       decimal.Decimal `bun:"price,notnull,type:numeric(20,2)"`
	Reason      string          `bun:"reason"`
	Timestamp   time.Time       `bun:"timestamp,notnull"`
}
