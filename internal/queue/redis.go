package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on a Redis list plus a payload hash. The list
// holds job IDs in FIFO order; payloads live in the hash so Remove can target
// a job by ID without scanning serialized values.
type RedisQueue struct {
	client   *redis.Client
	listKey  string
	jobsKey  string
	pollWait time.Duration
}

// NewRedisQueue creates a queue using the given key prefix.
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{
		client:   client,
		listKey:  prefix + ":list",
		jobsKey:  prefix + ":jobs",
		pollWait: 2 * time.Second,
	}
}

// Enqueue stores the payload and appends the job ID to the list.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobsKey, job.ID, payload)
	pipe.LPush(ctx, q.listKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Dequeue pops the oldest job ID and resolves its payload. IDs whose payload
// was removed by a cancellation are skipped.
func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		res, err := q.client.BRPop(ctx, q.pollWait, q.listKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Timed out empty; re-check ctx and keep waiting.
				select {
				case <-ctx.Done():
					return Job{}, ctx.Err()
				default:
					continue
				}
			}
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, fmt.Errorf("dequeue job: %w", err)
		}

		jobID := res[1]
		payload, err := q.client.HGet(ctx, q.jobsKey, jobID).Result()
		if errors.Is(err, redis.Nil) {
			continue // removed while queued
		}
		if err != nil {
			return Job{}, fmt.Errorf("load job payload: %w", err)
		}
		if err := q.client.HDel(ctx, q.jobsKey, jobID).Err(); err != nil {
			return Job{}, fmt.Errorf("claim job payload: %w", err)
		}

		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return Job{}, fmt.Errorf("unmarshal job %s: %w", jobID, err)
		}
		return job, nil
	}
}

// Remove deletes a queued job by ID. Deleting the payload is what counts; a
// dangling list entry is skipped at dequeue time.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	removed, err := q.client.HDel(ctx, q.jobsKey, jobID).Result()
	if err != nil {
		return false, fmt.Errorf("remove job: %w", err)
	}
	q.client.LRem(ctx, q.listKey, 0, jobID)
	return removed > 0, nil
}

// Contains reports whether a job is still queued.
func (q *RedisQueue) Contains(ctx context.Context, jobID string) (bool, error) {
	exists, err := q.client.HExists(ctx, q.jobsKey, jobID).Result()
	if err != nil {
		return false, fmt.Errorf("check job: %w", err)
	}
	return exists, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (q *RedisQueue) Close() error { return nil }

var _ Queue = (*RedisQueue)(nil)
