package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) (*Scheduler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client), mr
}

func TestRunWithLockExactlyOnce(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	var runs atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RunWithLock(ctx, "resync", time.Minute, func(context.Context) error {
				runs.Add(1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, runs.Load())
}

func TestRunWithLockSkipsWhileHeld(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	ran, err := s.RunWithLock(ctx, "decay", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.True(t, ran)

	ran, err = s.RunWithLock(ctx, "decay", time.Minute, func(context.Context) error {
		t.Fatal("must not run while lock held")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestRunWithLockReacquiresAfterTTL(t *testing.T) {
	s, mr := newTestScheduler(t)
	ctx := context.Background()

	ran, err := s.RunWithLock(ctx, "decay", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.True(t, ran)

	mr.FastForward(2 * time.Minute)

	ran, err = s.RunWithLock(ctx, "decay", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRunWithLockErrorDoesNotReleaseLock(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	wantErr := errors.New("boom")
	ran, err := s.RunWithLock(ctx, "cleanup", time.Minute, func(context.Context) error { return wantErr })
	require.True(t, ran)
	require.ErrorIs(t, err, wantErr)

	// A failed run must not hand the job to another runner inside the TTL.
	ran, err = s.RunWithLock(ctx, "cleanup", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestRunWithLockRecoversPanic(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	ran, err := s.RunWithLock(ctx, "cleanup", time.Minute, func(context.Context) error {
		panic("boom")
	})
	require.True(t, ran)
	require.Error(t, err)

	ran, _ = s.RunWithLock(ctx, "cleanup", time.Minute, func(context.Context) error { return nil })
	assert.False(t, ran, "panicked run must keep the lock until TTL")
}

func TestDistinctJobsDoNotContend(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	ran, err := s.RunWithLock(ctx, "resync", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.True(t, ran)

	ran, err = s.RunWithLock(ctx, "decay", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}
