package guildstreet

import (
	"context"
	"log/slog"
	"time"

	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	discache "github.com/disgoorg/disgo/cache"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/disgo/sharding"
	"github.com/redis/go-redis/v9"

	"github.com/guildstreet/bot/guildstreet/cluster"
	"github.com/guildstreet/bot/guildstreet/database"
	"github.com/guildstreet/bot/guildstreet/database/repositories"
	"github.com/guildstreet/bot/guildstreet/economy/aggregator"
	"github.com/guildstreet/bot/guildstreet/economy/decay"
	"github.com/guildstreet/bot/guildstreet/economy/leaderboard"
	"github.com/guildstreet/bot/guildstreet/economy/networth"
	"github.com/guildstreet/bot/guildstreet/economy/pricing"
	"github.com/guildstreet/bot/guildstreet/economy/queue"
	"github.com/guildstreet/bot/guildstreet/economy/ratelimit"
	"github.com/guildstreet/bot/guildstreet/scheduler"
	"github.com/guildstreet/bot/guildstreet/services"
)

func New(cfg Config, version string, commit string) *Bot {
	return &Bot{
		Cfg:     cfg,
		Version: version,
		Commit:  commit,
	}
}

// Bot owns every long-lived collaborator of one cluster member.
type Bot struct {
	Cfg     Config
	Client  bot.Client
	Version string
	Commit  string

	DB    *database.DB
	Redis *redis.Client

	ParticipantRepository  repositories.ParticipantRepository
	ValuationRepository    repositories.ValuationRepository
	HoldingRepository      repositories.HoldingRepository
	ModifierRepository     repositories.ModifierRepository
	PriceHistoryRepository repositories.PriceHistoryRepository

	Ledger      *networth.Ledger
	Pricer      *pricing.Pricer
	Leaderboard *leaderboard.Store
	Queue       *queue.Queue
	Limiter     *ratelimit.Limiter
	Aggregator  *aggregator.Aggregator
	Sweeper     *decay.Sweeper
	Market      *services.MarketService
	Coordinator *cluster.Coordinator
	Scheduler   *scheduler.Scheduler
}

// SetupEconomy wires the repositories and economy components on top of the
// already-connected database and cache clients.
func (b *Bot) SetupEconomy() {
	bunDB := b.DB.BunDB()

	b.ParticipantRepository = repositories.NewParticipantRepository(bunDB)
	b.ValuationRepository = repositories.NewValuationRepository(bunDB)
	b.HoldingRepository = repositories.NewHoldingRepository(bunDB)
	b.ModifierRepository = repositories.NewModifierRepository(bunDB)
	b.PriceHistoryRepository = repositories.NewPriceHistoryRepository(bunDB)

	pricingConfig := pricing.DefaultPricingConfig()
	if b.Cfg.Economy.DecayRate > 0 {
		pricingConfig.DecayRate = b.Cfg.Economy.DecayRate
	}

	b.Ledger = networth.NewLedger()
	b.Pricer = pricing.NewPricer(pricingConfig)
	b.Leaderboard = leaderboard.NewStore(b.Redis, bunDB, b.Ledger)
	b.Queue = queue.New(b.Redis)
	b.Limiter = ratelimit.New(b.Redis, b.Cfg.RateLimitConfig())

	b.Aggregator = aggregator.New(
		b.Queue,
		bunDB,
		b.ParticipantRepository,
		b.ValuationRepository,
		b.ModifierRepository,
		b.Ledger,
		b.Pricer,
		b.Leaderboard,
		b.Cfg.Economy.Scoring,
	)
	b.Sweeper = decay.NewSweeper(
		bunDB,
		b.ValuationRepository,
		b.Ledger,
		b.Pricer,
		b.Leaderboard,
		decay.Config{IdleAfter: b.Cfg.Jobs.DecayIdleAfter, BatchSize: 500},
	)
	b.Market = services.NewMarketService(
		b.Limiter,
		b.Queue,
		bunDB,
		b.ParticipantRepository,
		b.ValuationRepository,
		b.HoldingRepository,
		b.ModifierRepository,
		b.Ledger,
		b.Leaderboard,
	)
}

// SetupBot builds the gateway client for this member's shard range.
func (b *Bot) SetupBot(firstShard, lastShard int, listeners ...bot.EventListener) error {
	shardIDs := make([]int, 0, lastShard-firstShard)
	for id := firstShard; id < lastShard; id++ {
		shardIDs = append(shardIDs, id)
	}

	client, err := disgo.New(b.Cfg.Bot.Token,
		bot.WithShardManagerConfigOpts(
			sharding.WithShardIDs(shardIDs...),
			sharding.WithShardCount(b.Cfg.Cluster.TotalShards),
			sharding.WithAutoScaling(false),
			sharding.WithGatewayConfigOpts(
				gateway.WithIntents(
					gateway.IntentGuilds,
					gateway.IntentGuildMessages,
					gateway.IntentMessageContent,
					gateway.IntentGuildMessageReactions,
					gateway.IntentGuildVoiceStates,
					gateway.IntentGuildMembers,
				),
			),
		),
		bot.WithCacheConfigOpts(discache.WithCaches(discache.FlagGuilds, discache.FlagVoiceStates)),
		bot.WithEventListeners(listeners...),
	)
	if err != nil {
		return err
	}

	b.Client = client
	return nil
}

func (b *Bot) OnReady(_ *events.Ready) {
	slog.Info("Gateway ready",
		slog.String("type", "sys"),
		slog.String("version", b.Version),
		slog.String("commit", b.Commit))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.Client.SetPresence(ctx,
		gateway.WithWatchingActivity("the market"),
		gateway.WithOnlineStatus(discord.OnlineStatusOnline)); err != nil {
		slog.Error("Failed to set presence", slog.Any("error", err))
	}
}
