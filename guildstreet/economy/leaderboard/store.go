package leaderboard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/disgoorg/snowflake/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"github.com/guildstreet/bot/guildstreet/cache"
	"github.com/guildstreet/bot/guildstreet/economy/networth"
)

const (
	nameCacheSize      = 10000
	defaultNameTTL     = 15 * time.Minute
	defaultResyncBatch = 200
)

// RankedEntry is one leaderboard row as returned to the presentation layer.
type RankedEntry struct {
	Rank          int
	ParticipantID int64
	DisplayName   string
	NetWorth      decimal.Decimal
}

type cachedName struct {
	name      string
	timestamp time.Time
}

// Store is the ranked, guild-scoped leaderboard over the shared cache, with a
// display-name cache whose freshness is bounded independently of rank
// correctness.
type Store struct {
	client      *redis.Client
	db          *bun.DB
	ledger      *networth.Ledger
	names       *lru.Cache
	nameTTL     time.Duration
	resyncBatch int
}

func NewStore(client *redis.Client, db *bun.DB, ledger *networth.Ledger) *Store {
	names, _ := lru.New(nameCacheSize)
	return &Store{
		client:      client,
		db:          db,
		ledger:      ledger,
		names:       names,
		nameTTL:     defaultNameTTL,
		resyncBatch: defaultResyncBatch,
	}
}

// Upsert inserts or updates one participant's ranked score.
func (s *Store) Upsert(ctx context.Context, guildID snowflake.ID, participantID int64, displayName string, netWorth decimal.Decimal) error {
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, cache.LeaderboardKey(guildID), redis.Z{
		Score:  netWorth.InexactFloat64(),
		Member: strconv.FormatInt(participantID, 10),
	})
	s.stageName(ctx, pipe, participantID, displayName)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert leaderboard entry: %w", err)
	}
	return nil
}

// Publish writes a batch of recomputed entries in one pipeline.
func (s *Store) Publish(ctx context.Context, entries []networth.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	for _, e := range entries {
		pipe.ZAdd(ctx, cache.LeaderboardKey(e.GuildID), redis.Z{
			Score:  e.NetWorth.InexactFloat64(),
			Member: strconv.FormatInt(e.ParticipantID, 10),
		})
		s.stageName(ctx, pipe, e.ParticipantID, e.DisplayName)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish leaderboard batch: %w", err)
	}
	return nil
}

// Top returns the best n participants of a guild by descending net worth.
func (s *Store) Top(ctx context.Context, guildID snowflake.ID, n int) ([]RankedEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	zs, err := s.client.ZRevRangeWithScores(ctx, cache.LeaderboardKey(guildID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read leaderboard: %w", err)
	}

	entries := make([]RankedEntry, 0, len(zs))
	for i, z := range zs {
		member, _ := z.Member.(string)
		participantID, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, RankedEntry{
			Rank:          i + 1,
			ParticipantID: participantID,
			DisplayName:   s.displayName(ctx, participantID),
			NetWorth:      decimal.NewFromFloat(z.Score).Round(2),
		})
	}
	return entries, nil
}

// Remove drops one participant from a guild's ranking.
func (s *Store) Remove(ctx context.Context, guildID snowflake.ID, participantID int64) error {
	member := strconv.FormatInt(participantID, 10)
	if err := s.client.ZRem(ctx, cache.LeaderboardKey(guildID), member).Err(); err != nil {
		return fmt.Errorf("failed to remove leaderboard entry: %w", err)
	}
	s.names.Remove(participantID)
	return nil
}

// PurgeGuild deletes a disconnected guild's ranking wholesale.
func (s *Store) PurgeGuild(ctx context.Context, guildID snowflake.ID) error {
	if err := s.client.Del(ctx, cache.LeaderboardKey(guildID), cache.LeaderboardStagingKey(guildID)).Err(); err != nil {
		return fmt.Errorf("failed to purge guild leaderboard: %w", err)
	}
	return nil
}

// FullResync re-derives every participant's net worth from authoritative
// balance+holdings state in bounded cursor-paginated batches, builds fresh
// rankings under staging keys, then swaps them in per guild. Repairs drift
// from missed incremental updates.
func (s *Store) FullResync(ctx context.Context) error {
	start := time.Now()
	staged := make(map[snowflake.ID]bool)
	cursor := int64(0)
	total := 0

	for {
		var ids []int64
		err := s.db.NewSelect().
			Table("participants").
			Column("id").
			Where("id > ?", cursor).
			Order("id ASC").
			Limit(s.resyncBatch).
			Scan(ctx, &ids)
		if err != nil {
			return fmt.Errorf("failed to page participants for resync: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		cursor = ids[len(ids)-1]

		entries, err := s.ledger.Recompute(ctx, s.db, ids)
		if err != nil {
			return fmt.Errorf("failed to recompute resync batch: %w", err)
		}

		pipe := s.client.TxPipeline()
		for _, e := range entries {
			if !staged[e.GuildID] {
				pipe.Del(ctx, cache.LeaderboardStagingKey(e.GuildID))
				staged[e.GuildID] = true
			}
			pipe.ZAdd(ctx, cache.LeaderboardStagingKey(e.GuildID), redis.Z{
				Score:  e.NetWorth.InexactFloat64(),
				Member: strconv.FormatInt(e.ParticipantID, 10),
			})
			s.stageName(ctx, pipe, e.ParticipantID, e.DisplayName)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to stage resync batch: %w", err)
		}
		total += len(entries)
	}

	for guildID := range staged {
		if err := s.client.Rename(ctx, cache.LeaderboardStagingKey(guildID), cache.LeaderboardKey(guildID)).Err(); err != nil {
			return fmt.Errorf("failed to swap leaderboard for guild %s: %w", guildID, err)
		}
	}

	slog.Info("Leaderboard resync completed",
		slog.String("type", "sys"),
		slog.Int("participants", total),
		slog.Int("guilds", len(staged)),
		slog.Duration("took", time.Since(start)))
	return nil
}

func (s *Store) stageName(ctx context.Context, pipe redis.Pipeliner, participantID int64, displayName string) {
	if displayName == "" {
		return
	}
	pipe.Set(ctx, cache.DisplayNameKey(participantID), displayName, s.nameTTL)
	s.names.Add(participantID, cachedName{name: displayName, timestamp: time.Now()})
}

// displayName resolves through the process LRU, then the shared cache, then
// the store of record. Staleness here is bounded by nameTTL and never affects
// rank correctness.
func (s *Store) displayName(ctx context.Context, participantID int64) string {
	if cached, ok := s.names.Get(participantID); ok {
		if c, ok := cached.(cachedName); ok && time.Since(c.timestamp) < s.nameTTL {
			return c.name
		}
	}

	name, err := s.client.Get(ctx, cache.DisplayNameKey(participantID)).Result()
	if err == nil && name != "" {
		s.names.Add(participantID, cachedName{name: name, timestamp: time.Now()})
		return name
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		slog.Warn("Display name cache read failed",
			slog.String("type", "db"),
			slog.Int64("participant_id", participantID),
			slog.Any("error", err))
	}

	err = s.db.NewSelect().
		Table("participants").
		Column("display_name").
		Where("id = ?", participantID).
		Scan(ctx, &name)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Warn("Display name lookup failed",
				slog.String("type", "db"),
				slog.Int64("participant_id", participantID),
				slog.Any("error", err))
		}
		return ""
	}
	s.stageNameDirect(ctx, participantID, name)
	return name
}

func (s *Store) stageNameDirect(ctx context.Context, participantID int64, displayName string) {
	if displayName == "" {
		return
	}
	if err := s.client.Set(ctx, cache.DisplayNameKey(participantID), displayName, s.nameTTL).Err(); err != nil {
		slog.Warn("Display name cache write failed",
			slog.String("type", "db"),
			slog.Int64("participant_id", participantID),
			slog.Any("error", err))
	}
	s.names.Add(participantID, cachedName{name: displayName, timestamp: time.Now()})
}
