package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/enqueue.lua
var enqueueScriptSrc string

//go:embed scripts/dequeue.lua
var dequeueScriptSrc string

//go:embed scripts/release_lock.lua
var releaseLockScriptSrc string

// priorityWeight separates priority bands in the ready set. Sequence numbers
// stay below it, and priority * weight stays exact in a Lua double.
const priorityWeight = 1 << 40

type Client struct {
	rdb               *redis.Client
	enqueueScript     *redis.Script
	dequeueScript     *redis.Script
	releaseLockScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:               rdb,
		enqueueScript:     redis.NewScript(enqueueScriptSrc),
		dequeueScript:     redis.NewScript(dequeueScriptSrc),
		releaseLockScript: redis.NewScript(releaseLockScriptSrc),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

type scheduleKeySet struct {
	delayed, meta, seq, ready string
}

func scheduleKeys(name string) scheduleKeySet {
	return scheduleKeySet{
		delayed: fmt.Sprintf("schedule:%s", name),
		meta:    fmt.Sprintf("schedule:%s:meta", name),
		seq:     fmt.Sprintf("schedule:%s:seq", name),
		ready:   fmt.Sprintf("schedule:%s:ready", name),
	}
}

// Schedule atomically adds member to the named schedule, eligible from
// processAt. Returns false if member is already scheduled.
func (c *Client) Schedule(ctx context.Context, name, member string, priority int, processAt time.Time) (bool, error) {
	keys := scheduleKeys(name)
	result, err := c.enqueueScript.Run(ctx, c.rdb, []string{keys.delayed, keys.meta, keys.seq, keys.ready},
		member, priority, processAt.UnixMilli()).Result()
	if err != nil {
		return false, fmt.Errorf("enqueue script failed: %w", err)
	}

	added, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}

	return added == 1, nil
}

// PopDue atomically removes and returns the highest-priority, earliest
// scheduled member whose processing time is at or before now. Due members
// are moved to the ready set first, so priority is honoured across the whole
// due backlog.
func (c *Client) PopDue(ctx context.Context, name string, now time.Time) (string, bool, error) {
	keys := scheduleKeys(name)
	result, err := c.dequeueScript.Run(ctx, c.rdb, []string{keys.delayed, keys.meta, keys.ready},
		now.UnixMilli(), int64(priorityWeight)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dequeue script failed: %w", err)
	}

	member, ok := result.(string)
	if !ok {
		return "", false, fmt.Errorf("unexpected script result type")
	}

	return member, true, nil
}

// ScheduledCount returns the number of members in the named schedule
func (c *Client) ScheduledCount(ctx context.Context, name string) (int64, error) {
	return c.rdb.HLen(ctx, scheduleKeys(name).meta).Result()
}

// IsScheduled reports whether member is waiting in the named schedule
func (c *Client) IsScheduled(ctx context.Context, name, member string) (bool, error) {
	return c.rdb.HExists(ctx, scheduleKeys(name).meta, member).Result()
}

// CacheGet returns a cached value; found is false on a miss
func (c *Client) CacheGet(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, fmt.Sprintf("cache:%s", key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// CacheSet stores a value with TTL
func (c *Client) CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("cache:%s", key), value, ttl).Err()
}

// AcquireLock acquires a distributed lock held under token
func (c *Client) AcquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
}

// ReleaseLock releases a distributed lock if token still holds it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	_, err := c.releaseLockScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}

// FormatID renders a numeric id as a schedule member
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
