package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Enqueuer is the narrow interface components use to mark an execution
// runnable. Tests substitute an in-memory recorder.
type Enqueuer interface {
	Enqueue(ctx context.Context, executionID string) error
}

// RunQueue coordinates the ready and in-flight sets of runnable execution
// ids in Redis. Durable workflow state lives in Postgres; losing Redis
// loses only the nudge, which the schedule/approval sweeps regenerate.
type RunQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	visibilityTTL time.Duration
}

// NewRunQueue builds a queue on an existing Redis client.
func NewRunQueue(client *redis.Client, visibility time.Duration) *RunQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RunQueue{
		client:        client,
		readyKey:      "runqueue:ready",
		inflightKey:   "runqueue:inflight",
		visibilityTTL: visibility,
	}
}

// Enqueue marks an execution runnable.
func (q *RunQueue) Enqueue(ctx context.Context, executionID string) error {
	return q.client.RPush(ctx, q.readyKey, executionID).Err()
}

// DequeueWithLease pops a runnable execution and places it in-flight with a
// visibility timeout. Empty string means nothing is ready.
func (q *RunQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return id, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight execution.
func (q *RunQueue) ExtendLease(ctx context.Context, executionID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: executionID,
	}).Err()
}

// Ack removes an execution from in-flight tracking.
func (q *RunQueue) Ack(ctx context.Context, executionID string) error {
	return q.client.ZRem(ctx, q.inflightKey, executionID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the ids.
func (q *RunQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove drops an execution from both sets, used on cancellation.
func (q *RunQueue) Remove(ctx context.Context, executionID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, executionID)
	pipe.ZRem(ctx, q.inflightKey, executionID)
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns the length of the ready queue.
func (q *RunQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if id then
  redis.call('ZADD', KEYS[2], ARGV[1], id)
  return id
end
return nil
`)
