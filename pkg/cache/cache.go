// Package cache provides the shared read-through cache in front of
// the market data REST clients. Values are stored as JSON documents
// so the Redis, in-memory and layered implementations are
// interchangeable.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("cache: key not found")

// Service is the cache contract. Set marshals value to JSON and Get
// unmarshals the stored document into dest.
type Service interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}
