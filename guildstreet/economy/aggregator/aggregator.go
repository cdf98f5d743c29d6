package aggregator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"github.com/guildstreet/bot/guildstreet/database/models"
	"github.com/guildstreet/bot/guildstreet/database/repositories"
	"github.com/guildstreet/bot/guildstreet/economy/events"
	"github.com/guildstreet/bot/guildstreet/economy/leaderboard"
	"github.com/guildstreet/bot/guildstreet/economy/modifiers"
	"github.com/guildstreet/bot/guildstreet/economy/networth"
	"github.com/guildstreet/bot/guildstreet/economy/pricing"
	"github.com/guildstreet/bot/guildstreet/economy/queue"
)

// state is the explicit flush lifecycle. A flush trigger that arrives while a
// flush is running is acknowledged and skipped, never queued behind it.
type state int

const (
	stateIdle state = iota
	stateRunning
)

const historyReasonActivity = "activity"

// Config holds the scoring tunables and the seed values for participants
// created on first observed activity.
type Config struct {
	BatchSize    int           `toml:"batch_size"`
	ReflushDelay time.Duration `toml:"reflush_delay"`

	MessageCap     float64 `toml:"message_cap"`
	MessageDivisor float64 `toml:"message_divisor"`
	VoicePerMinute float64 `toml:"voice_per_minute"`
	ReactionBonus  float64 `toml:"reaction_bonus"`

	StartingBalance    decimal.Decimal `toml:"starting_balance"`
	StartingPrice      decimal.Decimal `toml:"starting_price"`
	StartingVolatility float64         `toml:"starting_volatility"`
	StartingUnits      int64           `toml:"starting_units"`
}

func DefaultConfig() Config {
	return Config{
		BatchSize:          500,
		ReflushDelay:       2 * time.Second,
		MessageCap:         200,
		MessageDivisor:     2,
		VoicePerMinute:     5,
		ReactionBonus:      3,
		StartingBalance:    decimal.RequireFromString("100.00"),
		StartingPrice:      decimal.RequireFromString("10.00"),
		StartingVolatility: 0.10,
		StartingUnits:      100,
	}
}

// Aggregator drains the event queue, folds events into per-participant scores
// and commits the resulting price, net-worth and history changes in a single
// transaction. Leaderboard publication happens after commit so a cache failure
// can never cause a batch to be applied twice; the periodic full resync
// repairs whatever publication misses.
type Aggregator struct {
	mu    sync.Mutex
	state state

	queue        *queue.Queue
	db           *bun.DB
	participants repositories.ParticipantRepository
	valuations   repositories.ValuationRepository
	modifierRepo repositories.ModifierRepository
	ledger       *networth.Ledger
	pricer       *pricing.Pricer
	board        *leaderboard.Store
	config       Config
}

func New(
	q *queue.Queue,
	db *bun.DB,
	participants repositories.ParticipantRepository,
	valuations repositories.ValuationRepository,
	modifierRepo repositories.ModifierRepository,
	ledger *networth.Ledger,
	pricer *pricing.Pricer,
	board *leaderboard.Store,
	config Config,
) *Aggregator {
	if config.BatchSize <= 0 {
		config = DefaultConfig()
	}
	return &Aggregator{
		queue:        q,
		db:           db,
		participants: participants,
		valuations:   valuations,
		modifierRepo: modifierRepo,
		ledger:       ledger,
		pricer:       pricer,
		board:        board,
		config:       config,
	}
}

// Run flushes on the given interval until the context ends.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Flush(ctx); err != nil {
				slog.Error("Aggregation flush failed",
					slog.String("type", "sys"),
					slog.Any("error", err))
			}
		}
	}
}

// Flush drains one batch and applies it. A call that finds a flush already
// running returns immediately with no error.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.state == stateRunning {
		a.mu.Unlock()
		return nil
	}
	a.state = stateRunning
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.state = stateIdle
		a.mu.Unlock()
	}()

	raw, err := a.queue.DrainBatch(ctx, a.config.BatchSize)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	applyErr := a.apply(ctx, raw)
	if applyErr != nil {
		if reqErr := a.queue.RequeueFront(ctx, raw); reqErr != nil {
			slog.Error("Failed to requeue batch after flush failure",
				slog.String("type", "sys"),
				slog.Int("batch_size", len(raw)),
				slog.Any("error", reqErr))
		}
	}

	// A failed batch was requeued above, so the backlog check schedules a
	// follow-up flush on failure as well as on a partial drain.
	if pending, lenErr := a.queue.Len(ctx); lenErr == nil && pending > 0 {
		time.AfterFunc(a.config.ReflushDelay, func() {
			if err := a.Flush(context.WithoutCancel(ctx)); err != nil {
				slog.Error("Follow-up flush failed",
					slog.String("type", "sys"),
					slog.Any("error", err))
			}
		})
	}
	return applyErr
}

// apply runs the full pipeline for one drained batch. Any error before the
// transaction commits leaves the database untouched; the caller requeues.
func (a *Aggregator) apply(ctx context.Context, raw [][]byte) error {
	start := time.Now()
	now := time.Now()

	scores, names := a.fold(raw)
	if len(scores) == 0 {
		return nil
	}

	byParticipant, err := a.resolveParticipants(ctx, scores, names)
	if err != nil {
		return err
	}

	ids := make([]int64, 0, len(byParticipant))
	for id := range byParticipant {
		ids = append(ids, id)
	}

	activeMods, err := a.modifierRepo.GetActiveByParticipants(ctx, ids, now)
	if err != nil {
		return fmt.Errorf("failed to load status modifiers: %w", err)
	}
	resolved := modifiers.Resolve(activeMods, now)

	valuations, err := a.valuations.GetByParticipants(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to load valuations: %w", err)
	}

	var (
		updates []*models.Valuation
		history []*models.PriceHistory
	)
	for _, v := range valuations {
		score := byParticipant[v.ParticipantID]
		params := modifiers.ParamsFor(resolved, v.ParticipantID)
		score *= params.ScoreMultiplier

		next := a.pricer.NextPrice(v.Price, v.BaseVolatility, score, params)
		if next.Equal(v.Price) {
			continue
		}
		v.Price = next
		v.LastScoredAt = now
		v.UpdatedAt = now
		updates = append(updates, v)
		history = append(history, &models.PriceHistory{
			ValuationID: v.ID,
			Price:       next,
			Reason:      historyReasonActivity,
			Timestamp:   now,
		})
	}

	var entries []networth.Entry
	err = a.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
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
		// A price change moves the net worth of everyone holding units of
		// the repriced valuation, not just the participants that scored.
		recomputeIDs := ids
		if len(updates) > 0 {
			valuationIDs := make([]int64, len(updates))
			for i, v := range updates {
				valuationIDs[i] = v.ID
			}
			holders, holdErr := a.ledger.HoldersOf(ctx, tx, valuationIDs)
			if holdErr != nil {
				return holdErr
			}
			recomputeIDs = networth.UnionIDs(ids, holders)
		}
		var txErr error
		entries, txErr = a.ledger.Recompute(ctx, tx, recomputeIDs)
		return txErr
	})
	if err != nil {
		return fmt.Errorf("failed to commit aggregation batch: %w", err)
	}

	// Past this point the batch is applied. Publication failures are repaired
	// by the scheduled full resync, never by replaying the batch.
	if err := a.board.Publish(ctx, entries); err != nil {
		slog.Warn("Leaderboard publish failed after commit",
			slog.String("type", "sys"),
			slog.Int("entries", len(entries)),
			slog.Any("error", err))
	}

	slog.Info("Aggregation batch applied",
		slog.String("type", "sys"),
		slog.Int("events", len(raw)),
		slog.Int("participants", len(ids)),
		slog.Int("price_updates", len(updates)),
		slog.Duration("took", time.Since(start)))
	return nil
}

// dedupKey identifies a fingerprinted event within one batch. Gateway
// reconnects can deliver the same message twice; the fingerprint makes the
// duplicate score-neutral.
type dedupKey struct {
	identity    events.Identity
	fingerprint string
}

// fold parses the raw batch and accumulates a score per identity. Malformed
// payloads are dropped and logged; fingerprinted duplicates score once.
func (a *Aggregator) fold(raw [][]byte) (map[events.Identity]float64, map[events.Identity]string) {
	scores := make(map[events.Identity]float64)
	names := make(map[events.Identity]string)
	seen := make(map[dedupKey]struct{})

	for _, payload := range raw {
		event, err := events.Parse(payload)
		if err != nil {
			slog.Warn("Dropping invalid activity event",
				slog.String("type", "sys"),
				slog.Any("error", err))
			continue
		}
		id := event.Identity()
		if event.Fingerprint != "" {
			key := dedupKey{identity: id, fingerprint: event.Fingerprint}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		scores[id] += a.scoreEvent(event)
		if event.DisplayName != "" {
			names[id] = event.DisplayName
		}
	}
	return scores, names
}

func (a *Aggregator) scoreEvent(event events.ActivityEvent) float64 {
	switch event.Kind {
	case events.KindMessage:
		return math.Min(event.Magnitude, a.config.MessageCap) / a.config.MessageDivisor
	case events.KindVoiceMinute:
		return event.Magnitude * a.config.VoicePerMinute
	case events.KindReaction:
		return a.config.ReactionBonus
	default:
		return 0
	}
}

// resolveParticipants maps identities to participant ids, creating a
// participant and its valuation for any never-seen pair. Creations are visible
// to every later event of the same batch because scoring happens per
// participant id, after this step.
func (a *Aggregator) resolveParticipants(ctx context.Context, scores map[events.Identity]float64, names map[events.Identity]string) (map[int64]float64, error) {
	pairs := make([]repositories.IdentityPair, 0, len(scores))
	for id := range scores {
		pairs = append(pairs, repositories.IdentityPair{GuildID: id.GuildID, UserID: id.UserID})
	}

	existing, err := a.participants.GetByIdentities(ctx, pairs)
	if err != nil {
		return nil, err
	}

	byIdentity := make(map[events.Identity]*models.Participant, len(existing))
	for _, p := range existing {
		byIdentity[events.Identity{GuildID: p.GuildID, UserID: p.UserID}] = p
	}

	byParticipant := make(map[int64]float64, len(scores))
	for id, score := range scores {
		p, ok := byIdentity[id]
		if !ok {
			p, err = a.createParticipant(ctx, id, names[id])
			if err != nil {
				return nil, err
			}
		} else if name := names[id]; name != "" && name != p.DisplayName {
			p.DisplayName = name
			if err := a.participants.Update(ctx, p); err != nil {
				slog.Warn("Failed to refresh display name",
					slog.String("type", "db"),
					slog.Int64("participant_id", p.ID),
					slog.Any("error", err))
			}
		}
		byParticipant[p.ID] = score
	}
	return byParticipant, nil
}

func (a *Aggregator) createParticipant(ctx context.Context, id events.Identity, displayName string) (*models.Participant, error) {
	if displayName == "" {
		displayName = id.UserID.String()
	}
	participant := &models.Participant{
		GuildID:     id.GuildID,
		UserID:      id.UserID,
		DisplayName: displayName,
		Balance:     a.config.StartingBalance,
		NetWorth:    a.config.StartingBalance,
	}
	if err := a.participants.Create(ctx, participant); err != nil {
		// A concurrent flush on another cluster may have won the insert.
		if existing, getErr := a.participants.GetByIdentity(ctx, id.GuildID, id.UserID); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create participant: %w", err)
	}

	valuation := &models.Valuation{
		ParticipantID:  participant.ID,
		Price:          a.config.StartingPrice,
		BaseVolatility: a.config.StartingVolatility,
		IssuedUnits:    a.config.StartingUnits,
		LastScoredAt:   time.Now(),
	}
	if err := a.valuations.Create(ctx, valuation); err != nil {
		return nil, fmt.Errorf("failed to create valuation: %w", err)
	}

	slog.Info("New participant tracked",
		slog.String("type", "sys"),
		slog.String("guild_id", id.GuildID.String()),
		slog.String("user_id", id.UserID.String()))
	return participant, nil
}
