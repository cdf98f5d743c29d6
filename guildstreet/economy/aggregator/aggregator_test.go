package aggregator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/disgoorg/snowflake/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildstreet/bot/guildstreet/database/models"
	"github.com/guildstreet/bot/guildstreet/database/repositories"
	"github.com/guildstreet/bot/guildstreet/economy/events"
	"github.com/guildstreet/bot/guildstreet/economy/queue"
)

func testAggregator() *Aggregator {
	return &Aggregator{config: DefaultConfig()}
}

func mustMarshal(t *testing.T, e events.ActivityEvent) []byte {
	t.Helper()
	raw, err := e.Marshal()
	require.NoError(t, err)
	return raw
}

func TestScoreEvent(t *testing.T) {
	a := testAggregator()

	tests := []struct {
		name  string
		event events.ActivityEvent
		want  float64
	}{
		{"short message", events.ActivityEvent{Kind: events.KindMessage, Magnitude: 50}, 25},
		{"message at cap", events.ActivityEvent{Kind: events.KindMessage, Magnitude: 200}, 100},
		{"message over cap", events.ActivityEvent{Kind: events.KindMessage, Magnitude: 4000}, 100},
		{"voice minutes", events.ActivityEvent{Kind: events.KindVoiceMinute, Magnitude: 3}, 15},
		{"reaction", events.ActivityEvent{Kind: events.KindReaction, Magnitude: 1}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.scoreEvent(tt.event))
		})
	}
}

func TestFoldAccumulatesPerIdentity(t *testing.T) {
	a := testAggregator()

	raw := [][]byte{
		mustMarshal(t, events.ActivityEvent{Kind: events.KindMessage, GuildID: 1, UserID: 10, Magnitude: 50}),
		mustMarshal(t, events.ActivityEvent{Kind: events.KindReaction, GuildID: 1, UserID: 10, Magnitude: 1}),
		mustMarshal(t, events.ActivityEvent{Kind: events.KindMessage, GuildID: 1, UserID: 20, Magnitude: 100, DisplayName: "other"}),
	}

	scores, names := a.fold(raw)
	require.Len(t, scores, 2)
	assert.Equal(t, 28.0, scores[events.Identity{GuildID: 1, UserID: 10}])
	assert.Equal(t, 50.0, scores[events.Identity{GuildID: 1, UserID: 20}])
	assert.Equal(t, "other", names[events.Identity{GuildID: 1, UserID: 20}])
}

func TestFoldDropsMalformedPayloads(t *testing.T) {
	a := testAggregator()

	raw := [][]byte{
		[]byte(`{broken`),
		[]byte(`{"kind":"teleport","guild_id":"1","user_id":"10","magnitude":1}`),
		mustMarshal(t, events.ActivityEvent{Kind: events.KindMessage, GuildID: 1, UserID: 10, Magnitude: 10}),
	}

	scores, _ := a.fold(raw)
	require.Len(t, scores, 1)
	assert.Equal(t, 5.0, scores[events.Identity{GuildID: 1, UserID: 10}])
}

func TestFoldScoresDuplicateFingerprintOnce(t *testing.T) {
	a := testAggregator()

	// The same message redelivered after a gateway reconnect carries the same
	// fingerprint and must not score twice. Another participant sending
	// identical content is a distinct identity and still scores.
	raw := [][]byte{
		mustMarshal(t, events.ActivityEvent{Kind: events.KindMessage, GuildID: 1, UserID: 10, Magnitude: 50, Fingerprint: "4f2d8a01"}),
		mustMarshal(t, events.ActivityEvent{Kind: events.KindMessage, GuildID: 1, UserID: 10, Magnitude: 50, Fingerprint: "4f2d8a01"}),
		mustMarshal(t, events.ActivityEvent{Kind: events.KindMessage, GuildID: 1, UserID: 20, Magnitude: 50, Fingerprint: "4f2d8a01"}),
	}

	scores, _ := a.fold(raw)
	assert.Equal(t, 25.0, scores[events.Identity{GuildID: 1, UserID: 10}])
	assert.Equal(t, 25.0, scores[events.Identity{GuildID: 1, UserID: 20}])
}

func TestFoldUnfingerprintedRepeatsAllScore(t *testing.T) {
	a := testAggregator()

	// Voice and reaction events carry no fingerprint; repeats are real.
	raw := [][]byte{
		mustMarshal(t, events.ActivityEvent{Kind: events.KindReaction, GuildID: 1, UserID: 10, Magnitude: 1}),
		mustMarshal(t, events.ActivityEvent{Kind: events.KindReaction, GuildID: 1, UserID: 10, Magnitude: 1}),
	}

	scores, _ := a.fold(raw)
	assert.Equal(t, 6.0, scores[events.Identity{GuildID: 1, UserID: 10}])
}

func TestFoldLastDisplayNameWins(t *testing.T) {
	a := testAggregator()

	raw := [][]byte{
		mustMarshal(t, events.ActivityEvent{Kind: events.KindMessage, GuildID: 1, UserID: 10, Magnitude: 10, DisplayName: "old"}),
		mustMarshal(t, events.ActivityEvent{Kind: events.KindMessage, GuildID: 1, UserID: 10, Magnitude: 10, DisplayName: "new"}),
	}

	_, names := a.fold(raw)
	assert.Equal(t, "new", names[events.Identity{GuildID: 1, UserID: 10}])
}

// unreachableParticipantRepo fails every lookup and counts the attempts, so a
// test can observe how many flush attempts reached the database layer.
type unreachableParticipantRepo struct {
	lookups atomic.Int64
}

var errDBUnreachable = errors.New("connection refused")

func (r *unreachableParticipantRepo) Create(context.Context, *models.Participant) error {
	return errDBUnreachable
}

func (r *unreachableParticipantRepo) GetByID(context.Context, int64) (*models.Participant, error) {
	return nil, errDBUnreachable
}

func (r *unreachableParticipantRepo) GetByIdentity(context.Context, snowflake.ID, snowflake.ID) (*models.Participant, error) {
	return nil, errDBUnreachable
}

func (r *unreachableParticipantRepo) GetByIdentities(context.Context, []repositories.IdentityPair) ([]*models.Participant, error) {
	r.lookups.Add(1)
	return nil, errDBUnreachable
}

func (r *unreachableParticipantRepo) GetByIDs(context.Context, []int64) ([]*models.Participant, error) {
	return nil, errDBUnreachable
}

func (r *unreachableParticipantRepo) Update(context.Context, *models.Participant) error {
	return errDBUnreachable
}

func (r *unreachableParticipantRepo) Delete(context.Context, int64) error {
	return errDBUnreachable
}

func (r *unreachableParticipantRepo) DeleteByGuild(context.Context, snowflake.ID) ([]int64, error) {
	return nil, errDBUnreachable
}

func (r *unreachableParticipantRepo) ListPage(context.Context, int64, int) ([]*models.Participant, error) {
	return nil, errDBUnreachable
}

func TestFlushSchedulesFollowUpAfterFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	repo := &unreachableParticipantRepo{}
	cfg := DefaultConfig()
	cfg.ReflushDelay = 10 * time.Millisecond
	q := queue.New(client)
	a := New(q, nil, repo, nil, nil, nil, nil, nil, cfg)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, mustMarshal(t,
		events.ActivityEvent{Kind: events.KindMessage, GuildID: 1, UserID: 10, Magnitude: 10})))

	require.ErrorIs(t, a.Flush(ctx), errDBUnreachable)

	// The batch was requeued, so a follow-up flush must fire and retry it.
	require.Eventually(t, func() bool {
		return repo.lookups.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}
