package cache

import (
	"context"
	"time"
)

// memoryRefreshTTL bounds how long a Redis-sourced value may live in
// the in-process layer before it is fetched again.
const memoryRefreshTTL = time.Minute

// LayeredConfig holds layered cache settings.
type LayeredConfig struct {
	MemoryMaxEntries int
}

// LayeredOption overrides a LayeredConfig field.
type LayeredOption func(*LayeredConfig)

// WithLayeredMemorySize caps the in-process layer.
func WithLayeredMemorySize(n int) LayeredOption {
	return func(c *LayeredConfig) {
		if n > 0 {
			c.MemoryMaxEntries = n
		}
	}
}

// LayeredCache fronts Redis with a small in-process layer. Reads hit
// memory first and fall back to Redis, writes go to both.
type LayeredCache struct {
	mem   *MemoryCache
	redis *RedisCache
}

var _ Service = (*LayeredCache)(nil)

// NewLayeredCache creates the two-level cache around an existing
// Redis connection.
func NewLayeredCache(redis *RedisCache, opts ...LayeredOption) *LayeredCache {
	cfg := &LayeredConfig{MemoryMaxEntries: 512}
	for _, opt := range opts {
		opt(cfg)
	}
	return &LayeredCache{
		mem:   NewMemoryCache(WithMemoryMaxEntries(cfg.MemoryMaxEntries)),
		redis: redis,
	}
}

func (lc *LayeredCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := lc.redis.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	_ = lc.mem.Set(ctx, key, value, ttl)
	return nil
}

func (lc *LayeredCache) Get(ctx context.Context, key string, dest interface{}) error {
	if err := lc.mem.Get(ctx, key, dest); err == nil {
		return nil
	}
	if err := lc.redis.Get(ctx, key, dest); err != nil {
		return err
	}
	_ = lc.mem.Set(ctx, key, dest, memoryRefreshTTL)
	return nil
}

func (lc *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	_ = lc.mem.Delete(ctx, keys...)
	return lc.redis.Delete(ctx, keys...)
}

// Close releases the in-process layer only. The Redis connection is
// shared with the notification queue and closed by its owner.
func (lc *LayeredCache) Close() error {
	return lc.mem.Close()
}
