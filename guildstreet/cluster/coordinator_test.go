package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildstreet/bot/guildstreet/cache"
)

func testConfig() Config {
	return Config{
		ClusterCount:      3,
		TotalShards:       9,
		SlotTTL:           30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		ClaimBackoff:      10 * time.Millisecond,
	}
}

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestClaimDistinctSlots(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		c := NewCoordinator(client, testConfig(), string(rune('a'+i)))
		slot, err := c.Claim(ctx)
		require.NoError(t, err)
		require.False(t, seen[slot], "slot %d claimed twice", slot)
		seen[slot] = true
	}
	assert.Len(t, seen, 3)
}

func TestClaimBlocksWhenFull(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c := NewCoordinator(client, testConfig(), string(rune('a'+i)))
		_, err := c.Claim(ctx)
		require.NoError(t, err)
	}

	// The fourth claimant must block until its context expires.
	blocked := NewCoordinator(client, testConfig(), "d")
	claimCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := blocked.Claim(claimCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHeartbeatDetectsTakeover(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	c := NewCoordinator(client, testConfig(), "original")
	slot, err := c.Claim(ctx)
	require.NoError(t, err)

	var fatalReason string
	c.SetFatalFunc(func(reason string) { fatalReason = reason })

	// Simulate lease expiry plus a rival claim before the next heartbeat.
	require.NoError(t, client.Set(ctx, cache.ClusterSlotKey(slot), "rival", 0).Err())

	require.NoError(t, c.beat(ctx))
	assert.Contains(t, fatalReason, "rival")
}

func TestHeartbeatDetectsExpiredLease(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	c := NewCoordinator(client, testConfig(), "original")
	_, err := c.Claim(ctx)
	require.NoError(t, err)

	var fatalCalled bool
	c.SetFatalFunc(func(string) { fatalCalled = true })

	mr.FastForward(time.Minute)

	// The process must terminate before doing new work, not reclaim silently.
	require.NoError(t, c.beat(ctx))
	assert.True(t, fatalCalled)
}

func TestHeartbeatLeavesRivalLeaseUntouched(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	c := NewCoordinator(client, testConfig(), "original")
	slot, err := c.Claim(ctx)
	require.NoError(t, err)

	var fatalCalled bool
	c.SetFatalFunc(func(string) { fatalCalled = true })

	// A rival now holds the slot with a short lease. The beat must refuse to
	// extend it to this coordinator's full TTL.
	key := cache.ClusterSlotKey(slot)
	require.NoError(t, client.Set(ctx, key, "rival", 5*time.Second).Err())

	require.NoError(t, c.beat(ctx))
	require.True(t, fatalCalled)
	assert.LessOrEqual(t, mr.TTL(key), 5*time.Second)
}

func TestHeartbeatRefreshesOwnLease(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	c := NewCoordinator(client, testConfig(), "original")
	slot, err := c.Claim(ctx)
	require.NoError(t, err)

	c.SetFatalFunc(func(reason string) { t.Fatalf("unexpected fatal: %s", reason) })

	mr.FastForward(20 * time.Second)
	require.NoError(t, c.beat(ctx))

	// The lease survives past the original TTL because it was refreshed.
	mr.FastForward(20 * time.Second)
	owner, err := client.Get(ctx, cache.ClusterSlotKey(slot)).Result()
	require.NoError(t, err)
	assert.Equal(t, "original", owner)
}

func TestReleaseFreesSlot(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	c := NewCoordinator(client, testConfig(), "original")
	slot, err := c.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx))

	next := NewCoordinator(client, testConfig(), "replacement")
	claimed, err := next.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, slot, claimed)
}

func TestReleaseLeavesForeignSlotAlone(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	c := NewCoordinator(client, testConfig(), "original")
	slot, err := c.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Set(ctx, cache.ClusterSlotKey(slot), "rival", 0).Err())
	require.NoError(t, c.Release(ctx))

	owner, err := client.Get(ctx, cache.ClusterSlotKey(slot)).Result()
	require.NoError(t, err)
	assert.Equal(t, "rival", owner)
}

func TestShardRange(t *testing.T) {
	c := NewCoordinator(nil, Config{ClusterCount: 3, TotalShards: 9}, "x")

	tests := []struct {
		slot  int
		first int
		last  int
	}{
		{0, 0, 3},
		{1, 3, 6},
		{2, 6, 9},
	}
	for _, tt := range tests {
		first, last := c.ShardRange(tt.slot)
		assert.Equal(t, tt.first, first, "slot %d", tt.slot)
		assert.Equal(t, tt.last, last, "slot %d", tt.slot)
	}
}

func TestShardRangeUneven(t *testing.T) {
	c := NewCoordinator(nil, Config{ClusterCount: 3, TotalShards: 10}, "x")

	// ceil(10/3) = 4 shards per slot; the last slot gets the remainder.
	first, last := c.ShardRange(0)
	assert.Equal(t, 0, first)
	assert.Equal(t, 4, last)

	first, last = c.ShardRange(2)
	assert.Equal(t, 8, first)
	assert.Equal(t, 10, last)
}
