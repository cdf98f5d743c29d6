package networth

import (
	"context"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// Entry is one recomputed net-worth figure, ready to publish to the ranked
// leaderboard. The ledger is the only writer of leaderboard scores.
type Entry struct {
	ParticipantID int64           `bun:"id"`
	GuildID       snowflake.ID    `bun:"guild_id"`
	DisplayName   string          `bun:"display_name"`
	NetWorth      decimal.Decimal `bun:"net_worth"`
}

// Position is one priced holding used by the pure computation path.
type Position struct {
	Units int64
	Price decimal.Decimal
}

// Compute derives net worth from a balance and priced positions with exact
// decimal arithmetic: balance + Σ(units × price).
func Compute(balance decimal.Decimal, positions []Position) decimal.Decimal {
	total := balance
	for _, pos := range positions {
		total = total.Add(pos.Price.Mul(decimal.NewFromInt(pos.Units)))
	}
	return total
}

// UnionIDs merges two participant id sets without duplicates, preserving the
// order of first appearance.
func UnionIDs(a, b []int64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	merged := make([]int64, 0, len(a)+len(b))
	for _, ids := range [][]int64{a, b} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			merged = append(merged, id)
		}
	}
	return merged
}

// Ledger recomputes derived net worth from authoritative balance + holdings
// state. All statements run on the IDB handed in, so callers decide the
// transaction boundary.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// HoldersOf returns the distinct participants holding units of the given
// valuations. A price change must recompute these too, not just the owners,
// or held positions go stale against the net-worth invariant.
func (l *Ledger) HoldersOf(ctx context.Context, idb bun.IDB, valuationIDs []int64) ([]int64, error) {
	if len(valuationIDs) == 0 {
		return nil, nil
	}
	var holderIDs []int64
	err := idb.NewRaw(`
		SELECT DISTINCT holder_id
		FROM holdings
		WHERE valuation_id IN (?)`,
		bun.In(valuationIDs),
	).Scan(ctx, &holderIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve valuation holders: %w", err)
	}
	return holderIDs, nil
}

// Recompute rewrites net worth for the given participants from their balance
// and current valuation prices, and returns the refreshed entries in one round
// trip each way. Prices must already be committed on the same IDB.
func (l *Ledger) Recompute(ctx context.Context, idb bun.IDB, participantIDs []int64) ([]Entry, error) {
	if len(participantIDs) == 0 {
		return nil, nil
	}

	_, err := idb.NewRaw(`
		UPDATE participants AS p
		SET net_worth = p.balance + COALESCE((
			SELECT SUM(h.units * v.price)
			FROM holdings h
			JOIN valuations v ON v.id = h.valuation_id
			WHERE h.holder_id = p.id
		), 0),
		updated_at = ?
		WHERE p.id IN (?)`,
		time.Now(), bun.In(participantIDs),
	).Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute net worth: %w", err)
	}

	var entries []Entry
	err = idb.NewRaw(`
		SELECT id, guild_id, display_name, net_worth
		FROM participants
		WHERE id IN (?)`,
		bun.In(participantIDs),
	).Scan(ctx, &entries)
	if err != nil {
		return nil, fmt.Errorf("failed to read recomputed net worth: %w", err)
	}
	return entries, nil
}
