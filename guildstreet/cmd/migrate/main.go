package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/guildstreet/bot/guildstreet"
	"github.com/guildstreet/bot/guildstreet/database"
	"github.com/guildstreet/bot/guildstreet/logger"
	"github.com/guildstreet/bot/guildstreet/migration"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to config")
	mongoURI := flag.String("mongo-uri", "mongodb://localhost:27017", "legacy mongodb uri")
	mongoDatabase := flag.String("mongo-db", "legacy", "legacy mongodb database")
	collection := flag.String("collection", "users", "legacy users collection")
	batchSize := flag.Int("batch-size", 500, "insert batch size")
	flag.Parse()

	cfg, err := guildstreet.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(-1)
	}
	slog.SetDefault(slog.New(logger.NewHandler(cfg.Log.Level)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	db, err := database.New(ctx, cfg.DB)
	if err != nil {
		slog.Error("Database connection failed", slog.Any("error", err))
		os.Exit(-1)
	}
	defer db.Close()

	if err := db.InitializeSchema(ctx); err != nil {
		slog.Error("Failed to initialize database schema", slog.Any("error", err))
		os.Exit(-1)
	}

	mongoConfig := migration.Config{
		URI:        *mongoURI,
		Database:   *mongoDatabase,
		Collection: *collection,
		BatchSize:  *batchSize,
	}
	client, err := migration.Connect(ctx, mongoConfig)
	if err != nil {
		slog.Error("Mongo connection failed", slog.Any("error", err))
		os.Exit(-1)
	}
	defer client.Disconnect(ctx)

	migrator := migration.NewMigrator(db.BunDB(), client.Database(mongoConfig.Database), mongoConfig)
	if err := migrator.MigrateUsers(ctx); err != nil {
		slog.Error("Migration failed", slog.Any("error", err))
		os.Exit(-1)
	}
	slog.Info("Migration completed", slog.String("type", "db"))
}
