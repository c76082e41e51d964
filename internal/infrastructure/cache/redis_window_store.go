package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/meridian/backend/internal/domain/quota"
)

// RedisWindowStore implements quota.SlidingWindowStore using Redis. Each
// scope key holds a sorted set of consumption events scored by their
// timestamp; the Lua scripts prune, sum and append in one round trip so
// the trailing check-and-consume is atomic across instances.
type RedisWindowStore struct {
	client    *redis.Client
	keyPrefix string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NewRedisWindowStore creates a new Redis-backed sliding window store
func NewRedisWindowStore(cfg RedisConfig) (*RedisWindowStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisWindowStore{
		client:    client,
		keyPrefix: "meridian:window:",
	}, nil
}

// NewRedisWindowStoreWithClient creates a store with an existing Redis client
// This is useful for testing or when sharing a client across components
func NewRedisWindowStoreWithClient(client *redis.Client, keyPrefix string) *RedisWindowStore {
	if keyPrefix == "" {
		keyPrefix = "meridian:window:"
	}
	return &RedisWindowStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// consumeScript prunes events older than the window start, sums the
// remainder, and appends the new event only if the post-consume sum
// stays within the limit. Members encode their amount after the last
// colon so the sum survives without a companion hash.
//
// KEYS[1] = window key
// ARGV[1] = window start (unix nanos)
// ARGV[2] = now (unix nanos)
// ARGV[3] = amount
// ARGV[4] = limit
// ARGV[5] = unique member suffix
// ARGV[6] = key TTL in seconds
//
// Returns {consumed (0/1), trailing sum after the attempt}
const consumeScript = `
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local events = redis.call('ZRANGE', KEYS[1], 0, -1)
local sum = 0
for _, member in ipairs(events) do
  local amount = tonumber(string.match(member, ':([%-%d]+)$'))
  if amount then
    sum = sum + amount
  end
end
local amount = tonumber(ARGV[3])
local limit = tonumber(ARGV[4])
if sum + amount > limit then
  return {0, sum}
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[2]), ARGV[2] .. ':' .. ARGV[5] .. ':' .. ARGV[3])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[6]))
return {1, sum + amount}
`

// releaseScript appends a negative event so the trailing sum shrinks
// without rewriting history.
const releaseScript = `
redis.call('ZADD', KEYS[1], tonumber(ARGV[1]), ARGV[1] .. ':' .. ARGV[2] .. ':-' .. ARGV[3])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[4]))
return 1
`

// sumScript prunes and sums without consuming.
const sumScript = `
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local events = redis.call('ZRANGE', KEYS[1], 0, -1)
local sum = 0
for _, member in ipairs(events) do
  local amount = tonumber(string.match(member, ':([%-%d]+)$'))
  if amount then
    sum = sum + amount
  end
end
return sum
`

var (
	consumeCmd = redis.NewScript(consumeScript)
	releaseCmd = redis.NewScript(releaseScript)
	sumCmd     = redis.NewScript(sumScript)
)

// ConsumeInWindow atomically records amount against the trailing window
// iff the trailing sum plus amount stays within limit
func (s *RedisWindowStore) ConsumeInWindow(ctx context.Context, key string, window time.Duration, amount, limit int64, now time.Time) (bool, int64, error) {
	windowStart := now.Add(-window).UnixNano()
	ttl := int64(window/time.Second) * 2
	if ttl < 1 {
		ttl = 1
	}

	res, err := consumeCmd.Run(ctx, s.client, []string{s.keyPrefix + key},
		windowStart, now.UnixNano(), amount, limit, uuid.NewString(), ttl).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to consume in sliding window: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected sliding window script reply: %v", res)
	}

	consumed, _ := res[0].(int64)
	sum, _ := res[1].(int64)
	return consumed == 1, sum, nil
}

// Release subtracts amount from the trailing window
func (s *RedisWindowStore) Release(ctx context.Context, key string, window time.Duration, amount int64, now time.Time) error {
	ttl := int64(window/time.Second) * 2
	if ttl < 1 {
		ttl = 1
	}

	if err := releaseCmd.Run(ctx, s.client, []string{s.keyPrefix + key},
		now.UnixNano(), uuid.NewString(), amount, ttl).Err(); err != nil {
		return fmt.Errorf("failed to release from sliding window: %w", err)
	}
	return nil
}

// TrailingSum returns the current trailing-window consumption
func (s *RedisWindowStore) TrailingSum(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	windowStart := now.Add(-window).UnixNano()

	sum, err := sumCmd.Run(ctx, s.client, []string{s.keyPrefix + key}, windowStart).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to read sliding window sum: %w", err)
	}
	return sum, nil
}

// Close closes the Redis client
func (s *RedisWindowStore) Close() error {
	return s.client.Close()
}

// GetClient returns the underlying Redis client (for testing/monitoring)
func (s *RedisWindowStore) GetClient() *redis.Client {
	return s.client
}

// Ensure RedisWindowStore implements SlidingWindowStore
var _ quota.SlidingWindowStore = (*RedisWindowStore)(nil)
