package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guildstreet/bot/guildstreet/cache"
)

// Job is one named singleton maintenance task.
type Job struct {
	Name     string
	Interval time.Duration
	// LockTTL must stay below Interval so the next tick can always acquire.
	LockTTL time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler runs registered jobs on their intervals, using shared-cache locks
// so each tick executes on exactly one cluster member. Losing the lock race is
// the normal case for every member but one and is not logged above debug.
type Scheduler struct {
	client *redis.Client
	jobs   []Job
	wg     sync.WaitGroup
}

func New(client *redis.Client) *Scheduler {
	return &Scheduler{client: client}
}

func (s *Scheduler) Register(job Job) {
	s.jobs = append(s.jobs, job)
}

// Start launches one ticker goroutine per job. Blocks in Wait via the caller.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		job := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.runOnce(ctx, job)
				}
			}
		}()
	}
	slog.Info("Job scheduler started",
		slog.String("type", "sys"),
		slog.Int("jobs", len(s.jobs)))
}

// Wait blocks until every job goroutine has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	ran, err := s.RunWithLock(ctx, job.Name, job.LockTTL, job.Run)
	if err != nil {
		slog.Error("Scheduled job failed",
			slog.String("type", "sys"),
			slog.String("job", job.Name),
			slog.Any("error", err))
		return
	}
	if !ran {
		slog.Debug("Skipping job, lock held elsewhere",
			slog.String("type", "sys"),
			slog.String("job", job.Name))
	}
}

// RunWithLock executes fn only if this process wins the job lock. The lock is
// never released early: it expires on its own, so a crashed or panicking run
// cannot hand the job to a second concurrent runner within the TTL.
func (s *Scheduler) RunWithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	ok, err := s.client.SetNX(ctx, cache.JobLockKey(name), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire job lock %q: %w", name, err)
	}
	if !ok {
		return false, nil
	}
	// The lock is held from here on, so the run counts even if fn panics.
	ran = true

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Job panicked",
				slog.String("type", "sys"),
				slog.String("job", name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("job %q panicked: %v", name, r)
		}
	}()

	start := time.Now()
	if err := fn(ctx); err != nil {
		return true, err
	}
	slog.Info("Scheduled job completed",
		slog.String("type", "sys"),
		slog.String("job", name),
		slog.Duration("took", time.Since(start)))
	return true, nil
}
