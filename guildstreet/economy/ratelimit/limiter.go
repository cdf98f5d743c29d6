package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/redis/go-redis/v9"

	"github.com/guildstreet/bot/guildstreet/cache"
)

// Verdict is the admission decision for one inbound activity event.
type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictCooldown
	VerdictJailed
	VerdictTriggerJail
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "ACCEPT"
	case VerdictCooldown:
		return "COOLDOWN"
	case VerdictJailed:
		return "JAILED"
	case VerdictTriggerJail:
		return "TRIGGER_JAIL"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

type Config struct {
	// WindowSize accepted timestamps are kept per identity; when that many
	// arrive inside FloodWindow the identity is jailed.
	WindowSize  int
	FloodWindow time.Duration
	JailTTL     time.Duration
	CooldownTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		WindowSize:  6,
		FloodWindow: 10 * time.Second,
		JailTTL:     5 * time.Minute,
		CooldownTTL: 2 * time.Second,
	}
}

// The whole decision runs as one script so concurrent shards cannot interleave
// between the window read and the flag writes. All keys self-expire.
var checkScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 2
end
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('LTRIM', KEYS[1], -tonumber(ARGV[2]), -1)
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[3]))
if redis.call('LLEN', KEYS[1]) >= tonumber(ARGV[2]) then
  local oldest = tonumber(redis.call('LINDEX', KEYS[1], 0))
  if tonumber(ARGV[1]) - oldest < tonumber(ARGV[3]) then
    redis.call('SET', KEYS[2], '1', 'PX', ARGV[4])
    redis.call('DEL', KEYS[1])
    return 3
  end
end
if redis.call('EXISTS', KEYS[3]) == 1 then
  return 1
end
redis.call('SET', KEYS[3], '1', 'PX', ARGV[5])
return 0
`)

// Limiter is the atomic admission-control gate evaluated before an event is
// buffered.
type Limiter struct {
	client *redis.Client
	cfg    Config
	now    func() time.Time
}

func New(client *redis.Client, cfg Config) *Limiter {
	if cfg.WindowSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Limiter{client: client, cfg: cfg, now: time.Now}
}

// Check decides the fate of one inbound event for (guild, user) in a single
// cache round trip.
func (l *Limiter) Check(ctx context.Context, guildID, userID snowflake.ID) (Verdict, error) {
	keys := []string{
		cache.RateLimitWindowKey(guildID, userID),
		cache.RateLimitJailKey(guildID, userID),
		cache.RateLimitCooldownKey(guildID, userID),
	}
	args := []any{
		l.now().UnixMilli(),
		l.cfg.WindowSize,
		l.cfg.FloodWindow.Milliseconds(),
		l.cfg.JailTTL.Milliseconds(),
		l.cfg.CooldownTTL.Milliseconds(),
	}

	res, err := checkScript.Run(ctx, l.client, keys, args...).Int()
	if err != nil {
		return VerdictCooldown, fmt.Errorf("rate limit check failed: %w", err)
	}

	switch res {
	case 0:
		return VerdictAccept, nil
	case 1:
		return VerdictCooldown, nil
	case 2:
		return VerdictJailed, nil
	case 3:
		return VerdictTriggerJail, nil
	default:
		return VerdictCooldown, fmt.Errorf("rate limit script returned unknown verdict %d", res)
	}
}
