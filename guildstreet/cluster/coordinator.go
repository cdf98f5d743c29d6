package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guildstreet/bot/guildstreet/cache"
)

// refreshScript extends the lease only while this instance still owns the
// slot, in one atomic step. A plain GET-then-EXPIRE could extend a rival's
// lease if a takeover lands between the two calls.
var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// releaseScript deletes the slot only while this instance still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Config sizes the cluster and tunes slot lease behavior. HeartbeatInterval
// must stay well below SlotTTL or a healthy process can lose its own slot.
type Config struct {
	ClusterCount      int           `toml:"cluster_count"`
	TotalShards       int           `toml:"total_shards"`
	SlotTTL           time.Duration `toml:"slot_ttl"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	ClaimBackoff      time.Duration `toml:"claim_backoff"`
}

func DefaultConfig() Config {
	return Config{
		ClusterCount:      1,
		TotalShards:       1,
		SlotTTL:           30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		ClaimBackoff:      5 * time.Second,
	}
}

// Coordinator claims exactly one of the C named cluster slots and defends it
// with a heartbeat for the life of the process. Observing that the slot now
// belongs to someone else means a split claim already happened, so the only
// safe reaction is to stop doing work, via the injected fatal function.
type Coordinator struct {
	client     *redis.Client
	config     Config
	instanceID string
	slot       int
	fatal      func(reason string)
}

func NewCoordinator(client *redis.Client, config Config, instanceID string) *Coordinator {
	if config.ClusterCount <= 0 {
		config.ClusterCount = 1
	}
	if config.TotalShards <= 0 {
		config.TotalShards = 1
	}
	return &Coordinator{
		client:     client,
		config:     config,
		instanceID: instanceID,
		slot:       -1,
		fatal: func(reason string) {
			slog.Error("Cluster slot lost, terminating",
				slog.String("type", "sys"),
				slog.String("reason", reason))
			os.Exit(1)
		},
	}
}

// SetFatalFunc replaces the process-exit reaction to a lost slot. Used by
// tests and by callers that prefer their own shutdown path.
func (c *Coordinator) SetFatalFunc(fatal func(reason string)) {
	c.fatal = fatal
}

// Claim probes the slots in order until one SetNX succeeds, blocking with
// backoff while all are taken. This is the startup barrier: no shard work
// begins before it returns.
func (c *Coordinator) Claim(ctx context.Context) (int, error) {
	for {
		for slot := 0; slot < c.config.ClusterCount; slot++ {
			ok, err := c.client.SetNX(ctx, cache.ClusterSlotKey(slot), c.instanceID, c.config.SlotTTL).Result()
			if err != nil {
				return -1, fmt.Errorf("failed to probe cluster slot %d: %w", slot, err)
			}
			if ok {
				c.slot = slot
				slog.Info("Cluster slot claimed",
					slog.String("type", "sys"),
					slog.Int("slot", slot),
					slog.String("instance", c.instanceID))
				return slot, nil
			}
		}

		slog.Info("All cluster slots taken, waiting",
			slog.String("type", "sys"),
			slog.Int("cluster_count", c.config.ClusterCount))
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(c.config.ClaimBackoff):
		}
	}
}

// Heartbeat re-verifies ownership and refreshes the lease until the context
// ends. It must be started promptly after Claim.
func (c *Coordinator) Heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.beat(ctx); err != nil {
				slog.Error("Cluster heartbeat failed",
					slog.String("type", "sys"),
					slog.Int("slot", c.slot),
					slog.Any("error", err))
			}
		}
	}
}

func (c *Coordinator) beat(ctx context.Context) error {
	key := cache.ClusterSlotKey(c.slot)
	refreshed, err := refreshScript.Run(ctx, c.client,
		[]string{key}, c.instanceID, c.config.SlotTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh slot lease: %w", err)
	}
	if refreshed == 1 {
		return nil
	}

	// The slot is no longer ours. The follow-up read is diagnostic only; the
	// refusal to extend the lease was already decided atomically above.
	owner, err := c.client.Get(ctx, key).Result()
	switch {
	case err == redis.Nil:
		// Lease expired before we refreshed it. Another process may claim the
		// slot at any moment, so this process must not keep working.
		c.fatal("slot lease expired")
	case err != nil:
		c.fatal(fmt.Sprintf("slot %d lost, owner unreadable: %v", c.slot, err))
	default:
		c.fatal(fmt.Sprintf("slot %d taken over by %s", c.slot, owner))
	}
	return nil
}

// Release gives the slot back on clean shutdown so a replacement does not have
// to wait out the TTL. Only the current owner's value is deleted.
func (c *Coordinator) Release(ctx context.Context) error {
	if c.slot < 0 {
		return nil
	}
	key := cache.ClusterSlotKey(c.slot)
	if err := releaseScript.Run(ctx, c.client, []string{key}, c.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release cluster slot: %w", err)
	}
	slog.Info("Cluster slot released",
		slog.String("type", "sys"),
		slog.Int("slot", c.slot))
	return nil
}

// Slot returns the claimed slot, or -1 before Claim succeeds.
func (c *Coordinator) Slot() int {
	return c.slot
}

// ShardRange maps a slot to its contiguous half-open gateway shard range
// [first, last). Slots beyond the shard count get an empty range.
func (c *Coordinator) ShardRange(slot int) (first, last int) {
	per := (c.config.TotalShards + c.config.ClusterCount - 1) / c.config.ClusterCount
	first = slot * per
	last = first + per
	if first > c.config.TotalShards {
		first = c.config.TotalShards
	}
	if last > c.config.TotalShards {
		last = c.config.TotalShards
	}
	return first, last
}
