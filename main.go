package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/disgoorg/disgo/bot"

	"github.com/guildstreet/bot/guildstreet"
	"github.com/guildstreet/bot/guildstreet/cache"
	"github.com/guildstreet/bot/guildstreet/cluster"
	"github.com/guildstreet/bot/guildstreet/database"
	"github.com/guildstreet/bot/guildstreet/handlers"
	"github.com/guildstreet/bot/guildstreet/logger"
	"github.com/guildstreet/bot/guildstreet/scheduler"
	"github.com/guildstreet/bot/guildstreet/utils"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	path := flag.String("config", "config.toml", "path to config")
	flag.Parse()

	cfg, err := guildstreet.LoadConfig(*path)
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(-1)
	}

	slog.SetDefault(slog.New(logger.NewHandler(cfg.Log.Level)))
	slog.Info("Starting guildstreet",
		slog.String("type", "sys"),
		slog.String("version", version),
		slog.String("commit", commit))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dbStart := time.Now()
	db, err := database.New(ctx, cfg.DB)
	if err != nil {
		slog.Error("Database connection failed",
			slog.Any("error", err),
			slog.Duration("attempted_for", time.Since(dbStart)))
		os.Exit(-1)
	}
	defer db.Close()

	if err := db.InitializeSchema(ctx); err != nil {
		slog.Error("Failed to initialize database schema", slog.Any("error", err))
		os.Exit(-1)
	}
	slog.Info("Database ready",
		slog.String("type", "db"),
		slog.String("database", cfg.DB.Database),
		slog.Duration("took", time.Since(dbStart)))

	redisClient, err := cache.New(ctx, cfg.Redis)
	if err != nil {
		slog.Error("Cache connection failed", slog.Any("error", err))
		os.Exit(-1)
	}
	defer redisClient.Close()

	b := guildstreet.New(*cfg, version, commit)
	b.DB = db
	b.Redis = redisClient
	b.SetupEconomy()

	hostname, _ := os.Hostname()
	instanceID := fmt.Sprintf("%s-%d", hostname, os.Getpid())
	b.Coordinator = cluster.NewCoordinator(redisClient, cfg.Cluster, instanceID)

	// Startup barrier: no shard work begins until a slot is held.
	slot, err := b.Coordinator.Claim(ctx)
	if err != nil {
		slog.Error("Failed to claim cluster slot", slog.Any("error", err))
		os.Exit(-1)
	}
	firstShard, lastShard := b.Coordinator.ShardRange(slot)
	slog.Info("Shard range assigned",
		slog.String("type", "sys"),
		slog.Int("slot", slot),
		slog.Int("first_shard", firstShard),
		slog.Int("last_shard", lastShard))

	pm := utils.NewBackgroundProcessManager()
	pm.StartProcess("cluster-heartbeat", func(ctx context.Context) {
		b.Coordinator.Heartbeat(ctx)
	})
	pm.StartProcess("aggregator-flush", func(ctx context.Context) {
		b.Aggregator.Run(ctx, cfg.Jobs.FlushInterval)
	})

	b.Scheduler = scheduler.New(redisClient)
	b.Scheduler.Register(scheduler.Job{
		Name:     "leaderboard-resync",
		Interval: cfg.Jobs.ResyncInterval,
		LockTTL:  cfg.Jobs.ResyncInterval / 2,
		Run:      b.Leaderboard.FullResync,
	})
	b.Scheduler.Register(scheduler.Job{
		Name:     "decay-sweep",
		Interval: cfg.Jobs.DecayInterval,
		LockTTL:  cfg.Jobs.DecayInterval / 2,
		Run:      b.Sweeper.Sweep,
	})
	b.Scheduler.Register(scheduler.Job{
		Name:     "modifier-cleanup",
		Interval: cfg.Jobs.CleanupInterval,
		LockTTL:  cfg.Jobs.CleanupInterval / 2,
		Run:      b.Market.CleanupExpiredModifiers,
	})
	b.Scheduler.Start(pm.Context())

	listener := handlers.NewActivityListener(b.Market)
	listeners := append([]bot.EventListener{bot.NewListenerFunc(b.OnReady)}, listener.Listeners()...)
	if err = b.SetupBot(firstShard, lastShard, listeners...); err != nil {
		slog.Error("Failed to setup gateway client", slog.Any("error", err))
		os.Exit(-1)
	}

	gwCtx, gwCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer gwCancel()
	if err = b.Client.OpenShardManager(gwCtx); err != nil {
		slog.Error("Failed to open gateway", slog.Any("error", err))
		os.Exit(-1)
	}

	slog.Info("guildstreet is running. Press CTRL-C to exit.", slog.String("type", "sys"))
	s := make(chan os.Signal, 1)
	signal.Notify(s, syscall.SIGINT, syscall.SIGTERM)
	<-s
	slog.Info("Shutting down...", slog.String("type", "sys"))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	b.Client.Close(shutdownCtx)
	if err := pm.Shutdown(10 * time.Second); err != nil {
		slog.Warn("Background processes did not stop cleanly", slog.Any("error", err))
	}
	if err := b.Coordinator.Release(shutdownCtx); err != nil {
		slog.Warn("Failed to release cluster slot", slog.Any("error", err))
	}
}
