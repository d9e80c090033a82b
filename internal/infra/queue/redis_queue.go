// Package queue implements the queue abstraction of spec.md §4.C: named
// durable queues carrying feed-run and scrape-cycle jobs between the
// scheduler (producer) and worker (consumer) processes, with delayed and
// retried jobs modeled as a Redis sorted set keyed by due time.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job is one unit of work enqueued by the scheduler.
type Job struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"` // "feed_run", "scrape_cycle"
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
}

// Queue is a named durable work queue. Ready jobs live in a Redis list;
// delayed/retried jobs live in a companion sorted set keyed by due-time
// and are promoted into the ready list by Poll.
type Queue struct {
	client *redis.Client
	name   string
}

func New(client *redis.Client, name string) *Queue {
	return &Queue{client: client, name: name}
}

func (q *Queue) readyKey() string   { return "queue:" + q.name + ":ready" }
func (q *Queue) delayedKey() string { return "queue:" + q.name + ":delayed" }

// Enqueue makes job immediately available to consumers.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("Enqueue: %w", err)
	}
	if err := q.client.LPush(ctx, q.readyKey(), b).Err(); err != nil {
		return fmt.Errorf("Enqueue: %w", err)
	}
	return nil
}

// EnqueueAt schedules job to become available at runAt (used for retry
// backoff and cron-driven repeatable jobs).
func (q *Queue) EnqueueAt(ctx context.Context, job Job, runAt time.Time) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("EnqueueAt: %w", err)
	}
	if err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: b}).Err(); err != nil {
		return fmt.Errorf("EnqueueAt: %w", err)
	}
	return nil
}

// promoteDue moves delayed jobs whose due time has passed into the ready
// list. Called by Poll so a single consumer loop drives both paths.
func (q *Queue) promoteDue(ctx context.Context, now time.Time) error {
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return fmt.Errorf("promoteDue: %w", err)
	}
	for _, member := range due {
		if removed, err := q.client.ZRem(ctx, q.delayedKey(), member).Result(); err == nil && removed > 0 {
			if err := q.client.LPush(ctx, q.readyKey(), member).Err(); err != nil {
				return fmt.Errorf("promoteDue: requeue: %w", err)
			}
		}
	}
	return nil
}

// Poll blocks up to timeout for a ready job, promoting any due delayed
// jobs first. Returns (nil, false, nil) on a timeout with no job.
func (q *Queue) Poll(ctx context.Context, timeout time.Duration) (*Job, bool, error) {
	if err := q.promoteDue(ctx, time.Now()); err != nil {
		return nil, false, err
	}
	res, err := q.client.BRPop(ctx, timeout, q.readyKey()).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Poll: %w", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, false, fmt.Errorf("Poll: decode: %w", err)
	}
	return &job, true, nil
}

// Retry re-enqueues job after delay with Attempt incremented, for use
// with internal/resilience/retry's backoff schedule.
func (q *Queue) Retry(ctx context.Context, job Job, delay time.Duration) error {
	job.Attempt++
	return q.EnqueueAt(ctx, job, time.Now().Add(delay))
}

// Purge discards every ready and delayed job in the queue, returning the
// combined count removed. Used by the emergency-stop operation (§4.F:
// "purges scraper-related queue keys").
func (q *Queue) Purge(ctx context.Context) (int64, error) {
	depth, err := q.Depth(ctx)
	if err != nil {
		return 0, fmt.Errorf("Purge: %w", err)
	}
	if err := q.client.Del(ctx, q.readyKey(), q.delayedKey()).Err(); err != nil {
		return 0, fmt.Errorf("Purge: %w", err)
	}
	return depth, nil
}

// Depth reports the combined ready+delayed job count, for queue-depth
// metrics.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	ready, err := q.client.LLen(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("Depth: %w", err)
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("Depth: %w", err)
	}
	return ready + delayed, nil
}
