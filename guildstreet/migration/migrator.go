package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/guildstreet/bot/guildstreet/database/models"
)

// Config points at the legacy MongoDB deployment.
type Config struct {
	URI        string `toml:"uri"`
	Database   string `toml:"database"`
	Collection string `toml:"collection"`
	BatchSize  int    `toml:"batch_size"`
}

// legacyUser is the shape of one document in the old bot's users collection.
// Unknown fields are ignored; documents missing the identity pair are skipped.
type legacyUser struct {
	DiscordID string  `bson:"discordid"`
	GuildID   string  `bson:"guildid"`
	Username  string  `bson:"username"`
	Balance   float64 `bson:"balance"`
	Exp       float64 `bson:"exp"`
}

// Migrator imports legacy users as participants with freshly seeded
// valuations. Re-running is safe: existing (guild, user) pairs are left
// untouched.
type Migrator struct {
	pgDB      *bun.DB
	mongoDB   *mongo.Database
	config    Config
	seedPrice decimal.Decimal
	seedVol   float64
	seedUnits int64

	imported atomic.Int64
	skipped  atomic.Int64
}

func NewMigrator(pgDB *bun.DB, mongoDB *mongo.Database, config Config) *Migrator {
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.Collection == "" {
		config.Collection = "users"
	}
	return &Migrator{
		pgDB:      pgDB,
		mongoDB:   mongoDB,
		config:    config,
		seedPrice: decimal.RequireFromString("10.00"),
		seedVol:   0.10,
		seedUnits: 100,
	}
}

// Connect opens the Mongo client for a migrator config.
func Connect(ctx context.Context, config Config) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	return client, nil
}

// MigrateUsers streams the legacy collection and inserts batches
// concurrently.
func (m *Migrator) MigrateUsers(ctx context.Context) error {
	start := time.Now()
	cursor, err := m.mongoDB.Collection(m.config.Collection).Find(ctx, bson.D{})
	if err != nil {
		return fmt.Errorf("failed to open legacy user cursor: %w", err)
	}
	defer cursor.Close(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	batch := make([]legacyUser, 0, m.config.BatchSize)
	flush := func(users []legacyUser) {
		g.Go(func() error {
			return m.importBatch(gctx, users)
		})
	}

	for cursor.Next(ctx) {
		var user legacyUser
		if err := cursor.Decode(&user); err != nil {
			slog.Warn("Skipping undecodable legacy user",
				slog.String("type", "db"),
				slog.Any("error", err))
			m.skipped.Add(1)
			continue
		}
		batch = append(batch, user)
		if len(batch) >= m.config.BatchSize {
			flush(batch)
			batch = make([]legacyUser, 0, m.config.BatchSize)
		}
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("legacy user cursor failed: %w", err)
	}
	if len(batch) > 0 {
		flush(batch)
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("Legacy user migration finished",
		slog.String("type", "db"),
		slog.Int64("imported", m.imported.Load()),
		slog.Int64("skipped", m.skipped.Load()),
		slog.Duration("took", time.Since(start)))
	return nil
}

func (m *Migrator) importBatch(ctx context.Context, users []legacyUser) error {
	participants := make([]*models.Participant, 0, len(users))
	now := time.Now()

	for _, user := range users {
		guildID, gErr := snowflake.Parse(user.GuildID)
		userID, uErr := snowflake.Parse(user.DiscordID)
		if gErr != nil || uErr != nil || guildID == 0 || userID == 0 {
			m.skipped.Add(1)
			continue
		}
		balance := decimal.NewFromFloat(user.Balance).Round(2)
		if balance.IsNegative() {
			balance = decimal.Zero
		}
		displayName := user.Username
		if displayName == "" {
			displayName = user.DiscordID
		}
		participants = append(participants, &models.Participant{
			GuildID:     guildID,
			UserID:      userID,
			DisplayName: displayName,
			Balance:     balance,
			NetWorth:    balance,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if len(participants) == 0 {
		return nil
	}

	res, err := m.pgDB.NewInsert().
		Model(&participants).
		On("CONFLICT (guild_id, user_id) DO NOTHING").
		Returning("id").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert participant batch: %w", err)
	}
	inserted, _ := res.RowsAffected()

	valuations := make([]*models.Valuation, 0, len(participants))
	for _, p := range participants {
		if p.ID == 0 {
			// Conflict row, already migrated on a previous run.
			continue
		}
		valuations = append(valuations, &models.Valuation{
			ParticipantID:  p.ID,
			Price:          m.seedPrice,
			BaseVolatility: m.seedVol,
			IssuedUnits:    m.seedUnits,
			LastScoredAt:   now,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	if len(valuations) > 0 {
		if _, err := m.pgDB.NewInsert().
			Model(&valuations).
			On("CONFLICT (participant_id) DO NOTHING").
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert valuation batch: %w", err)
		}
	}

	m.imported.Add(inserted)
	return nil
}
