// Package enginequeue is the persistent, cross-instance priority ready
// set: a Redis sorted set per (channel, priority) scored by not_before.
// The engine re-enqueues jobs it reschedules and removes jobs that
// succeed or are dead-lettered, but it claims due work directly through
// the SQL store's ClaimBatch on every poll tick and does not read
// DueJobIDs. The SQL row in internal/store remains the source of truth
// for a job's full state; this queue only orders readiness.
//
// Adapted from kolajAi/internal/jobs/job_manager.go's PriorityQueue,
// generalized from in-memory buffered channels (which cannot survive a
// restart or span instances) to Redis ZSETs, per the specification's
// decision that scheduled notifications must persist across restarts.
package enginequeue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"notifyhub/internal/model"
)

// Queue is a Redis-backed ready-set per (channel, priority).
type Queue struct {
	client *redis.Client
}

func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func key(channel model.Channel, priority model.Priority) string {
	return fmt.Sprintf("queue:%s:%s", channel, priority)
}

// Enqueue schedules jobID to become ready at notBefore.
func (q *Queue) Enqueue(ctx context.Context, channel model.Channel, priority model.Priority, jobID string, notBefore time.Time) error {
	err := q.client.ZAdd(ctx, key(channel, priority), &redis.Z{
		Score:  float64(notBefore.Unix()),
		Member: jobID,
	}).Err()
	if err != nil {
		return fmt.Errorf("enginequeue: enqueue %s: %w", jobID, err)
	}
	return nil
}

// DueJobIDs returns up to `limit` job IDs whose not_before has passed,
// without removing them; a job stays in the set until Remove is called
// for it.
func (q *Queue) DueJobIDs(ctx context.Context, channel model.Channel, priority model.Priority, limit int, now time.Time) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, key(channel, priority), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("enginequeue: due jobs for %s/%s: %w", channel, priority, err)
	}
	return ids, nil
}

// Remove drops jobID from the ready set; the engine calls it once a
// job has succeeded or been dead-lettered.
func (q *Queue) Remove(ctx context.Context, channel model.Channel, priority model.Priority, jobID string) error {
	if err := q.client.ZRem(ctx, key(channel, priority), jobID).Err(); err != nil {
		return fmt.Errorf("enginequeue: remove %s: %w", jobID, err)
	}
	return nil
}
