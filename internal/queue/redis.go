package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"tradein-service/internal/redisclient"
)

const defaultScheduleName = "tradein-assessment"

// RedisQueue keeps the queue in a Redis sorted set so it survives restarts
// and can be shared by several worker processes.
type RedisQueue struct {
	client *redisclient.Client
	name   string
}

func NewRedisQueue(client *redisclient.Client) *RedisQueue {
	return &RedisQueue{client: client, name: defaultScheduleName}
}

func (q *RedisQueue) Enqueue(ctx context.Context, id int64, priority int, delay time.Duration) (bool, error) {
	return q.client.Schedule(ctx, q.name, redisclient.FormatID(id), priority, time.Now().Add(delay))
}

func (q *RedisQueue) Dequeue(ctx context.Context) (int64, bool, error) {
	member, ok, err := q.client.PopDue(ctx, q.name, time.Now())
	if err != nil || !ok {
		return 0, false, err
	}
	id, err := strconv.ParseInt(member, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid queue member %q: %w", member, err)
	}
	return id, true, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ScheduledCount(ctx, q.name)
	return int(n), err
}

func (q *RedisQueue) IsQueued(ctx context.Context, id int64) (bool, error) {
	return q.client.IsScheduled(ctx, q.name, redisclient.FormatID(id))
}
