// Package ratelimit adapts pkg/ratelimit's sliding-window algorithm to a
// Redis-backed store shared across the scheduler and worker processes
// (spec.md §4.A needs a cross-process limiter; an in-memory store only
// protects a single process).
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"priceintel/pkg/ratelimit"
)

// checkAndAddScript atomically prunes entries older than cutoff, counts
// what remains, and adds the new timestamp only if under limit. A sorted
// set keyed by request timestamp (as score) gives O(log N) pruning via
// ZREMRANGEBYSCORE instead of scanning a list.
var checkAndAddScript = redis.NewScript(`
local key = KEYS[1]
local cutoff = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local ttl = tonumber(ARGV[5])

redis.call("ZREMRANGEBYSCORE", key, "-inf", cutoff)
local count = redis.call("ZCARD", key)

if count < limit then
    redis.call("ZADD", key, now, member)
    redis.call("PEXPIRE", key, ttl)
    return {1, count + 1}
end
return {0, count}
`)

// RedisStore implements pkg/ratelimit.AtomicRateLimitStore on a Redis
// sorted set per key, so multiple scheduler/worker replicas share one
// view of each retailer's recent request history.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + key
}

func (s *RedisStore) CheckAndAddRequest(ctx context.Context, key string, timestamp, cutoff time.Time, limit int) (bool, int, error) {
	ttlMs := int64(24 * time.Hour / time.Millisecond)
	member := fmt.Sprintf("%d", timestamp.UnixNano())
	res, err := checkAndAddScript.Run(ctx, s.client, []string{s.redisKey(key)},
		cutoff.UnixNano(), timestamp.UnixNano(), limit, member, ttlMs).Result()
	if err != nil {
		return false, 0, fmt.Errorf("CheckAndAddRequest: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("CheckAndAddRequest: unexpected script result %v", res)
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	return allowed == 1, int(count), nil
}

func (s *RedisStore) AddRequest(ctx context.Context, key string, timestamp time.Time) error {
	member := fmt.Sprintf("%d", timestamp.UnixNano())
	if err := s.client.ZAdd(ctx, s.redisKey(key), redis.Z{Score: float64(timestamp.UnixNano()), Member: member}).Err(); err != nil {
		return fmt.Errorf("AddRequest: %w", err)
	}
	return nil
}

func (s *RedisStore) GetRequests(ctx context.Context, key string, cutoff time.Time) ([]time.Time, error) {
	members, err := s.client.ZRangeByScore(ctx, s.redisKey(key), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", cutoff.UnixNano()), Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("GetRequests: %w", err)
	}
	out := make([]time.Time, 0, len(members))
	for _, m := range members {
		var nanos int64
		if _, err := fmt.Sscanf(m, "%d", &nanos); err == nil {
			out = append(out, time.Unix(0, nanos))
		}
	}
	return out, nil
}

func (s *RedisStore) GetRequestCount(ctx context.Context, key string, cutoff time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, s.redisKey(key), fmt.Sprintf("%d", cutoff.UnixNano()), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("GetRequestCount: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Cleanup(ctx context.Context, cutoff time.Time) error {
	// Per-key TTLs (set in CheckAndAddRequest) handle expiry; a global
	// sweep would require a key-space scan this store doesn't keep.
	return nil
}

func (s *RedisStore) KeyCount(ctx context.Context) (int, error) {
	var cursor uint64
	count := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 1000).Result()
		if err != nil {
			return 0, fmt.Errorf("KeyCount: %w", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}

func (s *RedisStore) MemoryUsage(ctx context.Context) (int64, error) {
	return 0, nil
}

var _ ratelimit.AtomicRateLimitStore = (*RedisStore)(nil)
