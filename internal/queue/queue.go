package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/afroverse/notify/internal/metrics"
	"github.com/afroverse/notify/internal/redis"
)

// Retention caps for finished-job bookkeeping: a small ring per queue for
// inspection, not an unbounded history.
const (
	completedRetention = 100
	failedRetention    = 500
)

// Queue is one durable job queue on Redis: a ready list, a delayed sorted
// set scored by run-at time, and capped completed/failed lists.
type Queue struct {
	name   string
	policy RetryPolicy
	client *redis.Client
	logger *zap.Logger
}

// New creates a queue handle. The same name on multiple processes shares
// one backlog.
func New(name string, policy RetryPolicy, client *redis.Client, logger *zap.Logger) *Queue {
	return &Queue{name: name, policy: policy, client: client, logger: logger}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Policy returns the queue's retry policy.
func (q *Queue) Policy() RetryPolicy { return q.policy }

func (q *Queue) readyKey() string     { return q.name + ":ready" }
func (q *Queue) delayedKey() string   { return q.name + ":delayed" }
func (q *Queue) completedKey() string { return q.name + ":completed" }
func (q *Queue) failedKey() string    { return q.name + ":failed" }

// Enqueue pushes a job onto the ready list.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RDB().LPush(ctx, q.readyKey(), data).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", q.name, err)
	}
	q.logger.Debug("job enqueued",
		zap.String("queue", q.name),
		zap.String("job_id", job.ID.String()),
		zap.Int("attempt", job.Attempt),
	)
	return nil
}

// EnqueueIn schedules a job to become ready after the delay.
func (q *Queue) EnqueueIn(ctx context.Context, job *Job, delay time.Duration) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	runAt := float64(time.Now().Add(delay).UnixNano())
	if err := q.client.RDB().ZAdd(ctx, q.delayedKey(), goredis.Z{Score: runAt, Member: data}).Err(); err != nil {
		return fmt.Errorf("enqueue delayed %s: %w", q.name, err)
	}
	return nil
}

// PromoteDue moves jobs whose delay has elapsed onto the ready list.
// Safe to call from multiple workers: each member is removed before being
// pushed, and a lost race means the other worker promoted it.
func (q *Queue) PromoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	members, err := q.client.RDB().ZRangeByScore(ctx, q.delayedKey(), &goredis.ZRangeBy{
		Min: "0", Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed %s: %w", q.name, err)
	}

	for _, m := range members {
		removed, err := q.client.RDB().ZRem(ctx, q.delayedKey(), m).Result()
		if err != nil {
			return fmt.Errorf("promote %s: %w", q.name, err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.RDB().LPush(ctx, q.readyKey(), m).Err(); err != nil {
			return fmt.Errorf("promote %s: %w", q.name, err)
		}
	}
	return nil
}

// Pop takes the oldest ready job, or returns (nil, nil) when the queue is
// empty.
func (q *Queue) Pop(ctx context.Context) (*Job, error) {
	data, err := q.client.RDB().RPop(ctx, q.readyKey()).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop %s: %w", q.name, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		// Malformed payloads cannot be retried meaningfully; park them
		// in the failed ring for inspection.
		q.recordRaw(ctx, q.failedKey(), data, failedRetention)
		return nil, fmt.Errorf("decode job from %s: %w", q.name, err)
	}
	return &job, nil
}

// Depth returns the number of ready jobs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.RDB().LLen(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("depth %s: %w", q.name, err)
	}
	metrics.SetQueueDepth(q.name, n)
	return n, nil
}

// RecordCompleted keeps the finished job in a capped ring for inspection.
func (q *Queue) RecordCompleted(ctx context.Context, job *Job) {
	if data, err := json.Marshal(job); err == nil {
		q.recordRaw(ctx, q.completedKey(), string(data), completedRetention)
	}
}

// RecordFailed keeps the permanently failed job in a capped ring.
func (q *Queue) RecordFailed(ctx context.Context, job *Job, cause error) {
	q.logger.Error("job permanently failed",
		zap.String("queue", q.name),
		zap.String("job_id", job.ID.String()),
		zap.Int("attempts", job.Attempt),
		zap.Error(cause),
	)
	if data, err := json.Marshal(job); err == nil {
		q.recordRaw(ctx, q.failedKey(), string(data), failedRetention)
	}
}

func (q *Queue) recordRaw(ctx context.Context, key, data string, retention int64) {
	pipe := q.client.RDB().Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, retention-1)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("job bookkeeping failed", zap.String("queue", q.name), zap.Error(err))
	}
}
