package server

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// redisLoginStore counts login attempts in Redis so the limit holds across
// gateway replicas. The counter key expires after the configured window.
type redisLoginStore struct {
	client redis.UniversalClient
}

func newRedisLoginStore(addr, password string, timeout time.Duration) *redisLoginStore {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{addr},
		Password:     password,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MaxRetries:   2,
	})
	return &redisLoginStore{client: client}
}

func (s *redisLoginStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if window < time.Second {
			window = time.Second
		}
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, err
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		return false, window, nil
	}
	return false, ttl, nil
}
