package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// checkAndIncrScript admits and counts a hit in one atomic step. It refuses
// to grow the counter once the limit is reached so a full window stays at
// exactly limit hits. Returns {hits, ttl_ms} with hits = -1 on denial.
var checkAndIncrScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[1]) then
	return {-1, redis.call('PTTL', KEYS[1])}
end
local hits = redis.call('INCR', KEYS[1])
if hits == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {hits, redis.call('PTTL', KEYS[1])}
`)

// RedisStore keeps fixed windows as counters with a TTL equal to the window
// length, so expiry doubles as the window reset and no sweep is needed.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Check(ctx context.Context, key Key, limit int, window time.Duration) (Decision, error) {
	k := redisKeyPrefix + key.String()

	hits, err := s.client.Get(ctx, k).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Decision{Allowed: true, Limit: limit, Remaining: limit}, nil
		}
		return Decision{}, fmt.Errorf("get rate limit counter: %w", err)
	}

	if hits < limit {
		return Decision{Allowed: true, Limit: limit, Remaining: limit - hits - 1}, nil
	}

	ttl, err := s.client.PTTL(ctx, k).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("read rate limit ttl: %w", err)
	}

	return Decision{Allowed: false, Limit: limit, RetryAfter: clampRetry(ttl)}, nil
}

func (s *RedisStore) CheckAndIncrement(ctx context.Context, key Key, limit int, window time.Duration) (Decision, error) {
	k := redisKeyPrefix + key.String()

	raw, err := checkAndIncrScript.Run(ctx, s.client, []string{k}, limit, window.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run rate limit script: %w", err)
	}
	if len(raw) != 2 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values", len(raw))
	}

	hits, _ := raw[0].(int64)
	ttlMillis, _ := raw[1].(int64)

	if hits < 0 {
		return Decision{
			Allowed:    false,
			Limit:      limit,
			RetryAfter: clampRetry(time.Duration(ttlMillis) * time.Millisecond),
		}, nil
	}

	return Decision{Allowed: true, Limit: limit, Remaining: limit - int(hits)}, nil
}

func (s *RedisStore) Increment(ctx context.Context, key Key, window time.Duration) error {
	k := redisKeyPrefix + key.String()

	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("increment rate limit counter: %w", err)
	}

	return nil
}

// Cleanup is a no-op for Redis: counters expire with their window TTL.
func (s *RedisStore) Cleanup(ctx context.Context, olderThan time.Duration, batchSize int) (int64, error) {
	return 0, nil
}

func clampRetry(ttl time.Duration) time.Duration {
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}
