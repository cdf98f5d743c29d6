package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/guildstreet/bot/guildstreet/cache"
)

// Queue is the append-only buffer between event producers and the aggregator.
// It holds raw (already validated at admission, not yet scored) payloads.
type Queue struct {
	client *redis.Client
	key    string
}

func New(client *redis.Client) *Queue {
	return &Queue{client: client, key: cache.EventQueueKey}
}

// Enqueue appends a payload to the tail. Callers treat failure as best-effort
// telemetry loss, not as a failure of the action that produced the event.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) error {
	if err := q.client.RPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}

// DrainBatch atomically removes and returns up to maxCount oldest payloads in
// FIFO order. Returns an empty slice when nothing is pending.
func (q *Queue) DrainBatch(ctx context.Context, maxCount int) ([][]byte, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	vals, err := q.client.LPopCount(ctx, q.key, maxCount).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to drain event batch: %w", err)
	}
	batch := make([][]byte, len(vals))
	for i, v := range vals {
		batch[i] = []byte(v)
	}
	return batch, nil
}

// RequeueFront reinserts a drained batch at the head, preserving relative
// order. Used only when a flush fails so the batch is not silently lost.
func (q *Queue) RequeueFront(ctx context.Context, batch [][]byte) error {
	if len(batch) == 0 {
		return nil
	}
	// LPush prepends one by one, so pushing in reverse keeps batch order.
	vals := make([]any, 0, len(batch))
	for i := len(batch) - 1; i >= 0; i-- {
		vals = append(vals, batch[i])
	}
	if err := q.client.LPush(ctx, q.key, vals...).Err(); err != nil {
		return fmt.Errorf("failed to requeue event batch: %w", err)
	}
	return nil
}

// Len reports the number of pending events.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return n, nil
}
