package guildstreet

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/pelletier/go-toml/v2"

	"github.com/guildstreet/bot/guildstreet/cache"
	"github.com/guildstreet/bot/guildstreet/cluster"
	"github.com/guildstreet/bot/guildstreet/database"
	"github.com/guildstreet/bot/guildstreet/economy/aggregator"
	"github.com/guildstreet/bot/guildstreet/economy/decay"
	"github.com/guildstreet/bot/guildstreet/economy/ratelimit"
)

func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err = toml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

type Config struct {
	Log     LogConfig         `toml:"log"`
	Bot     BotConfig         `toml:"bot"`
	DB      database.DBConfig `toml:"db"`
	Redis   cache.Config      `toml:"redis"`
	Cluster cluster.Config    `toml:"cluster"`
	Economy EconomyConfig     `toml:"economy"`
	Jobs    JobsConfig        `toml:"jobs"`
}

type LogConfig struct {
	Level     slog.Level `toml:"level"`
	Format    string     `toml:"format"`
	AddSource bool       `toml:"add_source"`
}

type BotConfig struct {
	Token     string         `toml:"token"`
	DevGuilds []snowflake.ID `toml:"dev_guilds"`
}

type EconomyConfig struct {
	RateLimit RateLimitConfig   `toml:"rate_limit"`
	Scoring   aggregator.Config `toml:"scoring"`
	DecayRate float64           `toml:"decay_rate"`
}

type RateLimitConfig struct {
	WindowSize  int           `toml:"window_size"`
	FloodWindow time.Duration `toml:"flood_window"`
	JailTTL     time.Duration `toml:"jail_ttl"`
	CooldownTTL time.Duration `toml:"cooldown_ttl"`
}

type JobsConfig struct {
	FlushInterval   time.Duration `toml:"flush_interval"`
	ResyncInterval  time.Duration `toml:"resync_interval"`
	DecayInterval   time.Duration `toml:"decay_interval"`
	DecayIdleAfter  time.Duration `toml:"decay_idle_after"`
	CleanupInterval time.Duration `toml:"cleanup_interval"`
}

// applyDefaults fills every zero-valued tunable so a config carrying only
// credentials works.
func (c *Config) applyDefaults() {
	clusterDef := cluster.DefaultConfig()
	if c.Cluster.ClusterCount <= 0 {
		c.Cluster.ClusterCount = clusterDef.ClusterCount
	}
	if c.Cluster.TotalShards <= 0 {
		c.Cluster.TotalShards = clusterDef.TotalShards
	}
	if c.Cluster.SlotTTL <= 0 {
		c.Cluster.SlotTTL = clusterDef.SlotTTL
	}
	if c.Cluster.HeartbeatInterval <= 0 {
		c.Cluster.HeartbeatInterval = clusterDef.HeartbeatInterval
	}
	if c.Cluster.ClaimBackoff <= 0 {
		c.Cluster.ClaimBackoff = clusterDef.ClaimBackoff
	}
	if c.Economy.Scoring.BatchSize <= 0 {
		c.Economy.Scoring = aggregator.DefaultConfig()
	}
	if c.Economy.RateLimit.WindowSize <= 0 {
		def := ratelimit.DefaultConfig()
		c.Economy.RateLimit = RateLimitConfig{
			WindowSize:  def.WindowSize,
			FloodWindow: def.FloodWindow,
			JailTTL:     def.JailTTL,
			CooldownTTL: def.CooldownTTL,
		}
	}
	if c.Jobs.FlushInterval <= 0 {
		c.Jobs.FlushInterval = 10 * time.Second
	}
	if c.Jobs.ResyncInterval <= 0 {
		c.Jobs.ResyncInterval = 6 * time.Hour
	}
	if c.Jobs.DecayInterval <= 0 {
		c.Jobs.DecayInterval = time.Hour
	}
	if c.Jobs.DecayIdleAfter <= 0 {
		c.Jobs.DecayIdleAfter = decay.DefaultConfig().IdleAfter
	}
	if c.Jobs.CleanupInterval <= 0 {
		c.Jobs.CleanupInterval = time.Hour
	}
}

// RateLimitConfig converts the TOML section into the limiter's config type.
func (c *Config) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		WindowSize:  c.Economy.RateLimit.WindowSize,
		FloodWindow: c.Economy.RateLimit.FloodWindow,
		JailTTL:     c.Economy.RateLimit.JailTTL,
		CooldownTTL: c.Economy.RateLimit.CooldownTTL,
	}
}
