package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPingTimeout = 5 * time.Second

type Config struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// New connects the shared cache client. Every coordination primitive in the
// system (rate limiter, event queue, cluster slots, job locks, leaderboard)
// goes through this single client.
func New(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("cache server unreachable: %w", err)
	}

	slog.Info("Cache connected successfully",
		slog.String("type", "sys"),
		slog.String("addr", cfg.Addr),
		slog.Int("db", cfg.DB))

	return client, nil
}
