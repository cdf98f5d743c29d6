package models

import (
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// Participant is a tracked identity within one guild. It is created on the
// first observed activity event for a never-seen (guild, user) pair and
// destroyed when the member leaves or the guild disconnects.
type Participant struct {
	bun.BaseModel `bun:"table:participants,alias:p"`

	ID          int64        `bun:"id,pk,autoincrement"`
	GuildID     snowflake.ID `bun:"guild_id,notnull,unique:participants_guild_user"`
	UserID      snowflake.ID `bun:"user_id,notnull,unique:participants_guild_user"`
	DisplayName string       `bun:"display_name,notnull"`

	// Balance stays >= 0 after any successful operation. NetWorth is derived:
	// balance plus the holdings-weighted value of every position, recomputed
	// whenever any contributing price, balance or unit count changes.
	Balance  decimal.Decimal `bun:"balance,notnull,type:numeric(20,2)"`
	NetWorth decimal.Decimal `bun:"net_worth,notnull,type:numeric(20,2)"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}
