package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisL2 adapts a Redis client to the shared tier.
type RedisL2 struct {
	rdb redis.UniversalClient
}

func NewRedisL2(rdb redis.UniversalClient) *RedisL2 {
	return &RedisL2{rdb: rdb}
}

func (r *RedisL2) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (r *RedisL2) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *RedisL2) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}
