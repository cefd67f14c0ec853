package service

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisNonFollowerCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisNonFollowerCache(client redis.UniversalClient, prefix string) *RedisNonFollowerCache {
	if prefix == "" {
		prefix = "rosterboard:nonfollower"
	}
	return &RedisNonFollowerCache{client: client, prefix: prefix}
}

func (c *RedisNonFollowerCache) Has(ctx context.Context, openID string) (bool, error) {
	if c.client == nil {
		return false, nil
	}
	err := c.client.Get(ctx, c.key(openID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisNonFollowerCache) Remember(ctx context.Context, openID string, ttl time.Duration) error {
	if c.client == nil || ttl <= 0 || openID == "" {
		return nil
	}
	return c.client.Set(ctx, c.key(openID), "1", ttl).Err()
}

func (c *RedisNonFollowerCache) Forget(ctx context.Context, openID string) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.key(openID)).Err()
}

func (c *RedisNonFollowerCache) key(openID string) string {
	return c.prefix + ":" + openID
}
