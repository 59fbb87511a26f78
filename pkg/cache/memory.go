package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryConfig holds in-memory cache settings.
type MemoryConfig struct {
	MaxEntries      int
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
}

// MemoryOption overrides a MemoryConfig field.
type MemoryOption func(*MemoryConfig)

// WithMemoryMaxEntries caps the number of cached entries.
func WithMemoryMaxEntries(n int) MemoryOption {
	return func(c *MemoryConfig) {
		if n > 0 {
			c.MaxEntries = n
		}
	}
}

// WithMemoryCleanup sets how often expired entries are swept.
func WithMemoryCleanup(interval time.Duration) MemoryOption {
	return func(c *MemoryConfig) {
		if interval > 0 {
			c.CleanupInterval = interval
		}
	}
}

type memoryEntry struct {
	key      string
	value    []byte
	expireAt time.Time
}

// MemoryCache is the in-process fallback used when Redis is disabled.
// Values are stored marshaled so Get behaves exactly like the Redis
// implementation. The least recently used entry is evicted once the
// cache is full.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front is most recently used
	max     int
	ttl     time.Duration

	janitor   *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

var _ Service = (*MemoryCache)(nil)

// NewMemoryCache creates an in-memory cache and starts its expiry
// sweeper.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	cfg := &MemoryConfig{
		MaxEntries:      1024,
		DefaultTTL:      24 * time.Hour,
		CleanupInterval: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	mc := &MemoryCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		max:     cfg.MaxEntries,
		ttl:     cfg.DefaultTTL,
		janitor: time.NewTicker(cfg.CleanupInterval),
		done:    make(chan struct{}),
	}
	go mc.sweep()
	return mc
}

func (mc *MemoryCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = mc.ttl
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if el, ok := mc.entries[key]; ok {
		ent := el.Value.(*memoryEntry)
		ent.value = data
		ent.expireAt = time.Now().Add(ttl)
		mc.order.MoveToFront(el)
		return nil
	}

	for len(mc.entries) >= mc.max {
		mc.evictOldest()
	}
	ent := &memoryEntry{key: key, value: data, expireAt: time.Now().Add(ttl)}
	mc.entries[key] = mc.order.PushFront(ent)
	return nil
}

func (mc *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	mc.mu.Lock()
	el, ok := mc.entries[key]
	if !ok {
		mc.mu.Unlock()
		return ErrCacheMiss
	}
	ent := el.Value.(*memoryEntry)
	if time.Now().After(ent.expireAt) {
		mc.remove(el)
		mc.mu.Unlock()
		return ErrCacheMiss
	}
	mc.order.MoveToFront(el)
	data := ent.value
	mc.mu.Unlock()

	return json.Unmarshal(data, dest)
}

func (mc *MemoryCache) Delete(_ context.Context, keys ...string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for _, key := range keys {
		if el, ok := mc.entries[key]; ok {
			mc.remove(el)
		}
	}
	return nil
}

// Close stops the expiry sweeper.
func (mc *MemoryCache) Close() error {
	mc.closeOnce.Do(func() {
		mc.janitor.Stop()
		close(mc.done)
	})
	return nil
}

// evictOldest and remove require mc.mu held.
func (mc *MemoryCache) evictOldest() {
	if el := mc.order.Back(); el != nil {
		mc.remove(el)
	}
}

func (mc *MemoryCache) remove(el *list.Element) {
	ent := mc.order.Remove(el).(*memoryEntry)
	delete(mc.entries, ent.key)
}

func (mc *MemoryCache) sweep() {
	for {
		select {
		case <-mc.done:
			return
		case <-mc.janitor.C:
			now := time.Now()
			mc.mu.Lock()
			var next *list.Element
			for el := mc.order.Front(); el != nil; el = next {
				next = el.Next()
				if now.After(el.Value.(*memoryEntry).expireAt) {
					mc.remove(el)
				}
			}
			mc.mu.Unlock()
		}
	}
}
