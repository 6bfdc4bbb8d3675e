package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"image_ingest/internal/models"
)

const redisKeyPrefix = "image_ingest:"

// Redis keeps cached values in a shared Redis instance.
type Redis struct {
	client    *redis.Client
	hitCount  atomic.Int64
	missCount atomic.Int64
}

func NewRedis(ctx context.Context, cfg models.CacheConfig) (*Redis, error) {
	const op = "cache.NewRedis"

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}
	return &Redis{client: client}, nil
}

func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.missCount.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache.Redis.Get %s: %w", key, err)
	}
	c.hitCount.Add(1)
	return val, true, nil
}

func (c *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, redisKeyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache.Redis.Set %s: %w", key, err)
	}
	return nil
}

func (c *Redis) Stats() Stats {
	hits, misses := c.hitCount.Load(), c.missCount.Load()
	return Stats{
		Type:      "redis",
		HitCount:  hits,
		MissCount: misses,
		HitRate:   hitRate(hits, misses),
	}
}

func (c *Redis) Close() error {
	return c.client.Close()
}
