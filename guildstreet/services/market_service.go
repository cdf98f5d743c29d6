package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"github.com/guildstreet/bot/guildstreet/database/models"
	"github.com/guildstreet/bot/guildstreet/database/repositories"
	"github.com/guildstreet/bot/guildstreet/economy/events"
	"github.com/guildstreet/bot/guildstreet/economy/leaderboard"
	"github.com/guildstreet/bot/guildstreet/economy/networth"
	"github.com/guildstreet/bot/guildstreet/economy/queue"
	"github.com/guildstreet/bot/guildstreet/economy/ratelimit"
)

// Business-rule rejections. These are expected outcomes, not failures, and
// callers branch on them.
var (
	ErrParticipantNotFound  = errors.New("participant not found")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientUnits    = errors.New("insufficient units held")
	ErrPriceBoundExceeded   = errors.New("current price exceeds stated bound")
	ErrValuationFrozen      = errors.New("valuation is frozen")
	ErrSelfTrade            = errors.New("cannot trade own valuation")
	ErrUnitsExceedIssuance  = errors.New("acquisition exceeds issued units")
	ErrInvalidTradeQuantity = errors.New("trade quantity must be positive")
)

// ParticipantSnapshot is the read-model view of one participant.
type ParticipantSnapshot struct {
	ParticipantID int64
	GuildID       snowflake.ID
	UserID        snowflake.ID
	DisplayName   string
	Balance       decimal.Decimal
	NetWorth      decimal.Decimal
	Price         decimal.Decimal
	IssuedUnits   int64
	Frozen        bool
}

// MarketService is the single entry point the handlers and any admin surface
// call. It owns admission control, trade settlement and destruction cascades;
// scoring itself stays in the aggregator.
type MarketService struct {
	limiter      *ratelimit.Limiter
	queue        *queue.Queue
	db           *bun.DB
	participants repositories.ParticipantRepository
	valuations   repositories.ValuationRepository
	holdings     repositories.HoldingRepository
	modifierRepo repositories.ModifierRepository
	ledger       *networth.Ledger
	board        *leaderboard.Store
}

func NewMarketService(
	limiter *ratelimit.Limiter,
	q *queue.Queue,
	db *bun.DB,
	participants repositories.ParticipantRepository,
	valuations repositories.ValuationRepository,
	holdings repositories.HoldingRepository,
	modifierRepo repositories.ModifierRepository,
	ledger *networth.Ledger,
	board *leaderboard.Store,
) *MarketService {
	return &MarketService{
		limiter:      limiter,
		queue:        q,
		db:           db,
		participants: participants,
		valuations:   valuations,
		holdings:     holdings,
		modifierRepo: modifierRepo,
		ledger:       ledger,
		board:        board,
	}
}

// Submit runs admission control and, on ACCEPT, buffers the event. An enqueue
// failure is logged and swallowed: events are best-effort telemetry and must
// never fail the platform action that produced them.
func (s *MarketService) Submit(ctx context.Context, event events.ActivityEvent) (ratelimit.Verdict, error) {
	if err := event.Validate(); err != nil {
		return ratelimit.VerdictCooldown, err
	}

	verdict, err := s.limiter.Check(ctx, event.GuildID, event.UserID)
	if err != nil {
		return verdict, err
	}
	if verdict != ratelimit.VerdictAccept {
		return verdict, nil
	}

	event.EnqueuedAt = time.Now()
	payload, err := event.Marshal()
	if err != nil {
		return verdict, err
	}
	if err := s.queue.Enqueue(ctx, payload); err != nil {
		slog.Warn("Dropping activity event, enqueue failed",
			slog.String("type", "sys"),
			slog.String("kind", string(event.Kind)),
			slog.String("guild_id", event.GuildID.String()),
			slog.Any("error", err))
	}
	return ratelimit.VerdictAccept, nil
}

// GetLeaderboard returns the top entries of a guild's ranking.
func (s *MarketService) GetLeaderboard(ctx context.Context, guildID snowflake.ID, limit int) ([]leaderboard.RankedEntry, error) {
	return s.board.Top(ctx, guildID, limit)
}

// GetParticipant returns the current snapshot for one (guild, user) pair.
func (s *MarketService) GetParticipant(ctx context.Context, guildID, userID snowflake.ID) (*ParticipantSnapshot, error) {
	participant, err := s.participants.GetByIdentity(ctx, guildID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrParticipantNotFound
		}
		return nil, err
	}
	valuation, err := s.valuations.GetByParticipant(ctx, participant.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	snapshot := &ParticipantSnapshot{
		ParticipantID: participant.ID,
		GuildID:       participant.GuildID,
		UserID:        participant.UserID,
		DisplayName:   participant.DisplayName,
		Balance:       participant.Balance,
		NetWorth:      participant.NetWorth,
	}
	if valuation != nil && valuation.ID != 0 {
		snapshot.Price = valuation.Price
		snapshot.IssuedUnits = valuation.IssuedUnits
		snapshot.Frozen = valuation.Frozen(time.Now())
	}
	return snapshot, nil
}

// AcquireHolding settles a purchase of units of the target's valuation at its
// current price, guarded by the buyer's stated per-unit price bound. The
// average acquisition price becomes the weighted average across the old and
// new units.
func (s *MarketService) AcquireHolding(ctx context.Context, guildID, buyerID, targetID snowflake.ID, units int64, maxUnitPrice decimal.Decimal) error {
	if units <= 0 {
		return ErrInvalidTradeQuantity
	}
	if buyerID == targetID {
		return ErrSelfTrade
	}

	buyer, target, valuation, err := s.resolveTrade(ctx, guildID, buyerID, targetID)
	if err != nil {
		return err
	}
	if valuation.Frozen(time.Now()) {
		return ErrValuationFrozen
	}
	if valuation.Price.GreaterThan(maxUnitPrice) {
		return fmt.Errorf("%w: price %s, bound %s", ErrPriceBoundExceeded, valuation.Price, maxUnitPrice)
	}

	cost := valuation.Price.Mul(decimal.NewFromInt(units))
	if buyer.Balance.LessThan(cost) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, cost, buyer.Balance)
	}

	holding, err := s.holdings.Get(ctx, buyer.ID, valuation.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	held := int64(0)
	if holding != nil && holding.ID != 0 {
		held = holding.Units
	}

	outstanding, err := s.unitsOutstanding(ctx, valuation.ID)
	if err != nil {
		return err
	}
	if outstanding+units > valuation.IssuedUnits {
		return fmt.Errorf("%w: %d outstanding of %d issued", ErrUnitsExceedIssuance, outstanding, valuation.IssuedUnits)
	}

	newUnits := held + units
	var newAvg decimal.Decimal
	if held == 0 {
		newAvg = valuation.Price
	} else {
		oldValue := holding.AvgAcquisitionPrice.Mul(decimal.NewFromInt(held))
		newAvg = oldValue.Add(cost).Div(decimal.NewFromInt(newUnits)).Round(2)
	}

	var entries []networth.Entry
	err = s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		buyer.Balance = buyer.Balance.Sub(cost)
		buyer.UpdatedAt = time.Now()
		if _, err := tx.NewUpdate().Model(buyer).WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("failed to debit buyer: %w", err)
		}

		target.Balance = target.Balance.Add(cost)
		target.UpdatedAt = time.Now()
		if _, err := tx.NewUpdate().Model(target).WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("failed to credit target: %w", err)
		}

		upsert := &models.Holding{
			HolderID:            buyer.ID,
			ValuationID:         valuation.ID,
			Units:               newUnits,
			AvgAcquisitionPrice: newAvg,
			UpdatedAt:           time.Now(),
			CreatedAt:           time.Now(),
		}
		_, err := tx.NewInsert().
			Model(upsert).
			On("CONFLICT (holder_id, valuation_id) DO UPDATE").
			Set("units = EXCLUDED.units").
			Set("avg_acquisition_price = EXCLUDED.avg_acquisition_price").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to upsert holding: %w", err)
		}

		var txErr error
		entries, txErr = s.ledger.Recompute(ctx, tx, []int64{buyer.ID, target.ID})
		return txErr
	})
	if err != nil {
		return fmt.Errorf("failed to settle acquisition: %w", err)
	}

	s.publishEntries(ctx, entries)
	slog.Info("Holding acquired",
		slog.String("type", "cmd"),
		slog.Int64("buyer", buyer.ID),
		slog.Int64("valuation", valuation.ID),
		slog.Int64("units", units),
		slog.String("cost", cost.String()))
	return nil
}

// DisposeHolding settles a sale back at the current price, guarded by the
// seller's stated minimum per-unit price. The stored average acquisition price
// is untouched; a holding reaching zero units is deleted.
func (s *MarketService) DisposeHolding(ctx context.Context, guildID, sellerID, targetID snowflake.ID, units int64, minUnitPrice decimal.Decimal) error {
	if units <= 0 {
		return ErrInvalidTradeQuantity
	}

	seller, target, valuation, err := s.resolveTrade(ctx, guildID, sellerID, targetID)
	if err != nil {
		return err
	}
	if valuation.Price.LessThan(minUnitPrice) {
		return fmt.Errorf("%w: price %s, bound %s", ErrPriceBoundExceeded, valuation.Price, minUnitPrice)
	}

	holding, err := s.holdings.Get(ctx, seller.ID, valuation.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: nothing held", ErrInsufficientUnits)
		}
		return err
	}
	if holding.Units < units {
		return fmt.Errorf("%w: have %d, selling %d", ErrInsufficientUnits, holding.Units, units)
	}

	proceeds := valuation.Price.Mul(decimal.NewFromInt(units))
	if target.Balance.LessThan(proceeds) {
		return fmt.Errorf("%w: target cannot settle %s", ErrInsufficientBalance, proceeds)
	}

	var entries []networth.Entry
	err = s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		seller.Balance = seller.Balance.Add(proceeds)
		seller.UpdatedAt = time.Now()
		if _, err := tx.NewUpdate().Model(seller).WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("failed to credit seller: %w", err)
		}

		target.Balance = target.Balance.Sub(proceeds)
		target.UpdatedAt = time.Now()
		if _, err := tx.NewUpdate().Model(target).WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("failed to debit target: %w", err)
		}

		remaining := holding.Units - units
		if remaining == 0 {
			if _, err := tx.NewDelete().Model(holding).WherePK().Exec(ctx); err != nil {
				return fmt.Errorf("failed to delete emptied holding: %w", err)
			}
		} else {
			holding.Units = remaining
			holding.UpdatedAt = time.Now()
			if _, err := tx.NewUpdate().Model(holding).WherePK().Exec(ctx); err != nil {
				return fmt.Errorf("failed to update holding: %w", err)
			}
		}

		var txErr error
		entries, txErr = s.ledger.Recompute(ctx, tx, []int64{seller.ID, target.ID})
		return txErr
	})
	if err != nil {
		return fmt.Errorf("failed to settle disposal: %w", err)
	}

	s.publishEntries(ctx, entries)
	slog.Info("Holding disposed",
		slog.String("type", "cmd"),
		slog.Int64("seller", seller.ID),
		slog.Int64("valuation", valuation.ID),
		slog.Int64("units", units),
		slog.String("proceeds", proceeds.String()))
	return nil
}

// AdminOverwrite sets balance and/or net worth directly, bypassing scoring.
// A nil field is left untouched. The leaderboard entry is re-derived so the
// ranking reflects the overwrite immediately.
func (s *MarketService) AdminOverwrite(ctx context.Context, guildID, userID snowflake.ID, balance, netWorth *decimal.Decimal) error {
	participant, err := s.participants.GetByIdentity(ctx, guildID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrParticipantNotFound
		}
		return err
	}

	if balance != nil {
		participant.Balance = *balance
	}
	if netWorth != nil {
		participant.NetWorth = *netWorth
	}
	if err := s.participants.Update(ctx, participant); err != nil {
		return fmt.Errorf("failed to overwrite participant: %w", err)
	}

	if err := s.board.Upsert(ctx, guildID, participant.ID, participant.DisplayName, participant.NetWorth); err != nil {
		slog.Warn("Leaderboard upsert failed after admin overwrite",
			slog.String("type", "cmd"),
			slog.Int64("participant_id", participant.ID),
			slog.Any("error", err))
	}

	slog.Info("Admin overwrite applied",
		slog.String("type", "cmd"),
		slog.String("guild_id", guildID.String()),
		slog.String("user_id", userID.String()))
	return nil
}

// GrantModifier attaches a time-boxed status modifier to a participant.
func (s *MarketService) GrantModifier(ctx context.Context, guildID, userID snowflake.ID, kind models.ModifierKind, duration time.Duration) error {
	participant, err := s.participants.GetByIdentity(ctx, guildID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrParticipantNotFound
		}
		return err
	}
	return s.modifierRepo.Create(ctx, &models.StatusModifier{
		ParticipantID: participant.ID,
		Kind:          kind,
		ExpiresAt:     time.Now().Add(duration),
	})
}

// RemoveParticipant destroys one participant and cascades holdings (on both
// sides of the pair), the valuation, modifiers and the leaderboard entry.
func (s *MarketService) RemoveParticipant(ctx context.Context, guildID, userID snowflake.ID) error {
	participant, err := s.participants.GetByIdentity(ctx, guildID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if err := s.cascade(ctx, []int64{participant.ID}); err != nil {
		return err
	}
	if err := s.board.Remove(ctx, guildID, participant.ID); err != nil {
		slog.Warn("Failed to remove leaderboard entry",
			slog.String("type", "sys"),
			slog.Int64("participant_id", participant.ID),
			slog.Any("error", err))
	}
	slog.Info("Participant removed",
		slog.String("type", "sys"),
		slog.String("guild_id", guildID.String()),
		slog.String("user_id", userID.String()))
	return nil
}

// PurgeGuild bulk-destroys everything tracked for a disconnected guild.
func (s *MarketService) PurgeGuild(ctx context.Context, guildID snowflake.ID) error {
	ids, err := s.participants.DeleteByGuild(ctx, guildID)
	if err != nil {
		return fmt.Errorf("failed to purge guild participants: %w", err)
	}
	if len(ids) > 0 {
		if err := s.cascade(ctx, ids); err != nil {
			return err
		}
	}
	if err := s.board.PurgeGuild(ctx, guildID); err != nil {
		slog.Warn("Failed to purge guild leaderboard",
			slog.String("type", "sys"),
			slog.String("guild_id", guildID.String()),
			slog.Any("error", err))
	}
	slog.Info("Guild purged",
		slog.String("type", "sys"),
		slog.String("guild_id", guildID.String()),
		slog.Int("participants", len(ids)))
	return nil
}

// CleanupExpiredModifiers prunes lapsed modifier rows. Scheduled housekeeping;
// active checks never rely on it.
func (s *MarketService) CleanupExpiredModifiers(ctx context.Context) error {
	n, err := s.modifierRepo.DeleteExpired(ctx, time.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Expired modifiers pruned",
			slog.String("type", "sys"),
			slog.Int64("removed", n))
	}
	return nil
}

func (s *MarketService) cascade(ctx context.Context, participantIDs []int64) error {
	if err := s.holdings.DeleteForParticipants(ctx, participantIDs); err != nil {
		return fmt.Errorf("failed to cascade holdings: %w", err)
	}
	if err := s.valuations.DeleteByParticipants(ctx, participantIDs); err != nil {
		return fmt.Errorf("failed to cascade valuations: %w", err)
	}
	if err := s.modifierRepo.DeleteByParticipants(ctx, participantIDs); err != nil {
		return fmt.Errorf("failed to cascade modifiers: %w", err)
	}
	for _, id := range participantIDs {
		if err := s.participants.Delete(ctx, id); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to delete participant %d: %w", id, err)
		}
	}
	return nil
}

func (s *MarketService) resolveTrade(ctx context.Context, guildID, actorID, targetID snowflake.ID) (actor, target *models.Participant, valuation *models.Valuation, err error) {
	actor, err = s.participants.GetByIdentity(ctx, guildID, actorID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil, ErrParticipantNotFound
		}
		return nil, nil, nil, err
	}
	target, err = s.participants.GetByIdentity(ctx, guildID, targetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil, ErrParticipantNotFound
		}
		return nil, nil, nil, err
	}
	valuation, err = s.valuations.GetByParticipant(ctx, target.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil, ErrParticipantNotFound
		}
		return nil, nil, nil, err
	}
	return actor, target, valuation, nil
}

func (s *MarketService) unitsOutstanding(ctx context.Context, valuationID int64) (int64, error) {
	var total int64
	err := s.db.NewSelect().
		Table("holdings").
		ColumnExpr("COALESCE(SUM(units), 0)").
		Where("valuation_id = ?", valuationID).
		Scan(ctx, &total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum outstanding units: %w", err)
	}
	return total, nil
}

func (s *MarketService) publishEntries(ctx context.Context, entries []networth.Entry) {
	if err := s.board.Publish(ctx, entries); err != nil {
		slog.Warn("Leaderboard publish failed after settlement",
			slog.String("type", "sys"),
			slog.Any("error", err))
	}
}
