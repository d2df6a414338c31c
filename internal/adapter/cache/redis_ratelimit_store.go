package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harborauth/harbor/internal/ratelimit"
)

const ratelimitPrefix = "ratelimit:"

// RedisRateLimitStore implements ratelimit.Store on Redis. Increment-and-
// expire uses Redis's atomic INCR with a native per-key TTL, so concurrent
// processes share one window without a get+set race.
type RedisRateLimitStore struct {
	client redis.UniversalClient
}

var _ ratelimit.Store = (*RedisRateLimitStore)(nil)

// NewRedisRateLimitStore constructs a Redis-backed rate limit store.
func NewRedisRateLimitStore(client redis.UniversalClient) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client}
}

// Increment atomically bumps the identifier's counter, starting a fresh
// window (with TTL) when the key is new.
func (s *RedisRateLimitStore) Increment(ctx context.Context, identifier string, window time.Duration) (ratelimit.Record, error) {
	key := ratelimitPrefix + identifier
	now := time.Now()

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return ratelimit.Record{}, fmt.Errorf("incr rate limit: %w", err)
	}
	if count == 1 {
		if err := s.client.PExpire(ctx, key, window).Err(); err != nil {
			return ratelimit.Record{}, fmt.Errorf("expire rate limit: %w", err)
		}
		return ratelimit.Record{Count: int(count), WindowStarted: now}, nil
	}

	started, err := s.windowStart(ctx, key, window, now)
	if err != nil {
		return ratelimit.Record{}, err
	}
	return ratelimit.Record{Count: int(count), WindowStarted: started}, nil
}

// Get returns the current record without incrementing.
func (s *RedisRateLimitStore) Get(ctx context.Context, identifier string, window time.Duration) (ratelimit.Record, bool, error) {
	key := ratelimitPrefix + identifier
	now := time.Now()

	raw, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return ratelimit.Record{}, false, nil
		}
		return ratelimit.Record{}, false, fmt.Errorf("get rate limit: %w", err)
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return ratelimit.Record{}, false, fmt.Errorf("decode rate limit count: %w", err)
	}

	started, err := s.windowStart(ctx, key, window, now)
	if err != nil {
		return ratelimit.Record{}, false, err
	}
	return ratelimit.Record{Count: count, WindowStarted: started}, true, nil
}

// Reset removes the identifier's window.
func (s *RedisRateLimitStore) Reset(ctx context.Context, identifier string) error {
	if err := s.client.Del(ctx, ratelimitPrefix+identifier).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	return nil
}

func (s *RedisRateLimitStore) windowStart(ctx context.Context, key string, window time.Duration, now time.Time) (time.Time, error) {
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("ttl rate limit: %w", err)
	}
	if ttl <= 0 {
		return now, nil
	}
	return now.Add(ttl - window), nil
}
