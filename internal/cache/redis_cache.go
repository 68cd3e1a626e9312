package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const clearBatchSize = 256

// RedisCache implements the disk tier on a shared redis instance, so several
// processes can reuse each other's processed media.
// Keys: {prefix}:{kind}:{key}
type RedisCache struct {
	client *redis.Client
	ns     string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisClient connects to redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 10 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// NewRedisCache scopes client to one asset kind. A zero ttl keeps entries
// until they are cleared or evicted by redis itself.
func NewRedisCache(client *redis.Client, prefix, kind string, ttl time.Duration, logger *zap.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		ns:     prefix + ":" + kind + ":",
		ttl:    ttl,
		logger: logger,
	}
}

func (c *RedisCache) Read(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.client.Get(ctx, c.ns+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("Redis cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	if len(data) == 0 {
		return nil, false
	}
	return data, true
}

// Write is atomic: redis SET replaces the value in one step.
func (c *RedisCache) Write(ctx context.Context, key string, data []byte) error {
	if err := c.client.Set(ctx, c.ns+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.ns+key).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

func (c *RedisCache) ClearAll(ctx context.Context) error {
	removed := 0
	err := c.scan(ctx, func(keys []string) error {
		n, err := c.client.Del(ctx, keys...).Result()
		if err != nil {
			c.logger.Debug("Failed to remove redis cache keys", zap.Int("keys", len(keys)), zap.Error(err))
			return nil
		}
		removed += int(n)
		return nil
	})
	if err != nil {
		return err
	}

	c.logger.Info("Redis cache cleared", zap.String("namespace", c.ns), zap.Int("removed", removed))
	return nil
}

func (c *RedisCache) Usage(ctx context.Context) (Usage, error) {
	var u Usage
	err := c.scan(ctx, func(keys []string) error {
		pipe := c.client.Pipeline()
		lens := make([]*redis.IntCmd, len(keys))
		for i, k := range keys {
			lens[i] = pipe.StrLen(ctx, k)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to measure redis keys: %w", err)
		}
		for _, l := range lens {
			u.Entries++
			u.Bytes += l.Val()
		}
		return nil
	})
	return u, err
}

func (c *RedisCache) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.ns+"*", clearBatchSize).Result()
		if err != nil {
			return fmt.Errorf("failed to scan redis keys: %w", err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
