package leaderboard

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/disgoorg/snowflake/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildstreet/bot/guildstreet/economy/networth"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, nil, networth.NewLedger())
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestUpsertAndTopOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	guildID := snowflake.ID(100)

	require.NoError(t, store.Upsert(ctx, guildID, 1, "low", dec("50.00")))
	require.NoError(t, store.Upsert(ctx, guildID, 2, "high", dec("500.00")))
	require.NoError(t, store.Upsert(ctx, guildID, 3, "mid", dec("250.00")))

	top, err := store.Top(ctx, guildID, 10)
	require.NoError(t, err)
	require.Len(t, top, 3)

	assert.Equal(t, 1, top[0].Rank)
	assert.Equal(t, "high", top[0].DisplayName)
	assert.True(t, top[0].NetWorth.Equal(dec("500.00")))

	assert.Equal(t, 2, top[1].Rank)
	assert.Equal(t, "mid", top[1].DisplayName)

	assert.Equal(t, 3, top[2].Rank)
	assert.Equal(t, "low", top[2].DisplayName)
}

func TestUpsertReplacesScore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	guildID := snowflake.ID(100)

	require.NoError(t, store.Upsert(ctx, guildID, 1, "trader", dec("50.00")))
	require.NoError(t, store.Upsert(ctx, guildID, 1, "trader", dec("75.00")))

	top, err := store.Top(ctx, guildID, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.True(t, top[0].NetWorth.Equal(dec("75.00")))
}

func TestTopLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	guildID := snowflake.ID(100)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, store.Upsert(ctx, guildID, i, "trader", decimal.NewFromInt(i*10)))
	}

	top, err := store.Top(ctx, guildID, 2)
	require.NoError(t, err)
	assert.Len(t, top, 2)

	top, err = store.Top(ctx, guildID, 0)
	require.NoError(t, err)
	assert.Empty(t, top)
}

func TestGuildsAreIsolated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, 100, 1, "a", dec("10.00")))
	require.NoError(t, store.Upsert(ctx, 200, 2, "b", dec("20.00")))

	top, err := store.Top(ctx, 100, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, int64(1), top[0].ParticipantID)
}

func TestRemove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	guildID := snowflake.ID(100)

	require.NoError(t, store.Upsert(ctx, guildID, 1, "a", dec("10.00")))
	require.NoError(t, store.Upsert(ctx, guildID, 2, "b", dec("20.00")))
	require.NoError(t, store.Remove(ctx, guildID, 2))

	top, err := store.Top(ctx, guildID, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, int64(1), top[0].ParticipantID)
}

func TestPurgeGuild(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, 100, 1, "a", dec("10.00")))
	require.NoError(t, store.Upsert(ctx, 200, 2, "b", dec("20.00")))
	require.NoError(t, store.PurgeGuild(ctx, 100))

	top, err := store.Top(ctx, 100, 10)
	require.NoError(t, err)
	assert.Empty(t, top)

	top, err = store.Top(ctx, 200, 10)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestPublishBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entries := []networth.Entry{
		{ParticipantID: 1, GuildID: 100, DisplayName: "a", NetWorth: dec("10.00")},
		{ParticipantID: 2, GuildID: 100, DisplayName: "b", NetWorth: dec("30.00")},
		{ParticipantID: 3, GuildID: 200, DisplayName: "c", NetWorth: dec("20.00")},
	}
	require.NoError(t, store.Publish(ctx, entries))

	top, err := store.Top(ctx, 100, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, int64(2), top[0].ParticipantID)
	assert.Equal(t, "b", top[0].DisplayName)
}
