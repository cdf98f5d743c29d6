package decay

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/guildstreet/bot/guildstreet/database/models"
	"github.com/guildstreet/bot/guildstreet/database/repositories"
	"github.com/guildstreet/bot/guildstreet/economy/leaderboard"
	"github.com/guildstreet/bot/guildstreet/economy/networth"
	"github.com/guildstreet/bot/guildstreet/economy/pricing"
)

const historyReasonDecay = "decay"

// Config bounds one sweep run.
type Config struct {
	IdleAfter time.Duration `toml:"idle_after"`
	BatchSize int           `toml:"batch_size"`
}

func DefaultConfig() Config {
	return Config{
		IdleAfter: 24 * time.Hour,
		BatchSize: 500,
	}
}

// Sweeper applies one decay step to valuations that have not been scored
// within the idle window. Frozen valuations are excluded at the query level
// and skipped again by the pricer, so a freeze that lands mid-sweep still
// protects the price.
type Sweeper struct {
	db         *bun.DB
	valuations repositories.ValuationRepository
	ledger     *networth.Ledger
	pricer     *pricing.Pricer
	board      *leaderboard.Store
	config     Config
}

func NewSweeper(
	db *bun.DB,
	valuations repositories.ValuationRepository,
	ledger *networth.Ledger,
	pricer *pricing.Pricer,
	board *leaderboard.Store,
	config Config,
) *Sweeper {
	if config.BatchSize <= 0 {
		config = DefaultConfig()
	}
	return &Sweeper{
		db:         db,
		valuations: valuations,
		ledger:     ledger,
		pricer:     pricer,
		board:      board,
		config:     config,
	}
}

// Sweep runs one decay pass. Each batch commits independently so a failure
// mid-run keeps the batches already applied.
func (s *Sweeper) Sweep(ctx context.Context) error {
	start := time.Now()
	total := 0

	for {
		idle, err := s.valuations.GetIdleSince(ctx, time.Now().Add(-s.config.IdleAfter), s.config.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to load idle valuations: %w", err)
		}
		if len(idle) == 0 {
			break
		}

		decayed, err := s.decayBatch(ctx, idle)
		if err != nil {
			return err
		}
		total += decayed
		if len(idle) < s.config.BatchSize {
			break
		}
	}

	if total > 0 {
		slog.Info("Decay sweep completed",
			slog.String("type", "sys"),
			slog.Int("valuations", total),
			slog.Duration("took", time.Since(start)))
	}
	return nil
}

func (s *Sweeper) decayBatch(ctx context.Context, idle []*models.Valuation) (int, error) {
	now := time.Now()
	var (
		updates        []*models.Valuation
		history        []*models.PriceHistory
		participantIDs []int64
	)

	var decayedValuationIDs []int64
	for _, v := range idle {
		next := s.pricer.Decay(v.Price, pricing.EffectiveParams{Frozen: v.Frozen(now)})
		// Advancing last_scored_at even at the floor keeps the valuation out
		// of the next sweep's query.
		v.LastScoredAt = now
		v.UpdatedAt = now
		priceMoved := !next.Equal(v.Price)
		v.Price = next
		updates = append(updates, v)
		if priceMoved {
			history = append(history, &models.PriceHistory{
				ValuationID: v.ID,
				Price:       next,
				Reason:      historyReasonDecay,
				Timestamp:   now,
			})
			participantIDs = append(participantIDs, v.ParticipantID)
			decayedValuationIDs = append(decayedValuationIDs, v.ID)
		}
	}

	var entries []networth.Entry
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		for _, v := range updates {
			if _, err := tx.NewUpdate().Model(v).WherePK().Exec(ctx); err != nil {
				return fmt.Errorf("failed to update valuation %d: %w", v.ID, err)
			}
		}
		if len(history) > 0 {
			if _, err := tx.NewInsert().Model(&history).Exec(ctx); err != nil {
				return fmt.Errorf("failed to append price history: %w", err)
			}
		}
		// Holders of a decayed valuation lose net worth too.
		holders, holdErr := s.ledger.HoldersOf(ctx, tx, decayedValuationIDs)
		if holdErr != nil {
			return holdErr
		}
		var txErr error
		entries, txErr = s.ledger.Recompute(ctx, tx, networth.UnionIDs(participantIDs, holders))
		return txErr
	})
	if err != nil {
		return 0, fmt.Errorf("failed to commit decay batch: %w", err)
	}

	if err := s.board.Publish(ctx, entries); err != nil {
		slog.Warn("Leaderboard publish failed after decay commit",
			slog.String("type", "sys"),
			slog.Any("error", err))
	}
	return len(history), nil
}
