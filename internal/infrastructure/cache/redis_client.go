// Package cache implements common.RedisClient over github.com/redis/go-redis/v9
// and a read-through, invalidate-after-commit caching decorator for
// tx.TransactionalRepository, generalizing the teacher's
// infrastructure/repository/redis/cache_repository.go (Get/Set/Delete/Expire
// wrapping a concrete database.RedisDB) to the common.RedisClient
// abstraction the domain layer already depends on, trimmed to the
// handful of operations the transactional repositories actually need
// (no sessions/rate-limit/semantic-cache helpers, which belong to the
// auth/gateway domains this core doesn't model).
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sideseat/internal/core/domain/common"
)

// RedisClient adapts a *redis.Client to common.RedisClient.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient wraps an existing go-redis client.
func NewRedisClient(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

var _ common.RedisClient = (*RedisClient)(nil)

func (c *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("cache: key %q not found: %w", key, err)
		}
		return "", err
	}
	return val, nil
}

func (c *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisClient) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

func (c *RedisClient) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	keys, next, err := c.client.Scan(ctx, cursor, pattern, count).Result()
	if err != nil {
		return nil, 0, err
	}
	return keys, next, nil
}
