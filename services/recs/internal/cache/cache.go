// Package cache caches the catalog listing in front of the catalog store.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// KeyCatalogItems holds the full catalog listing.
	KeyCatalogItems = "catalog:items"

	// SubjectInvalidate carries a key to drop, or "ALL".
	SubjectInvalidate = "cache.invalidate.catalog"
)

// Cache stores JSON-encodable values. Implementations must be safe for
// concurrent use.
type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
}

type cacheItem struct {
	val       []byte
	expiresAt time.Time
}

// TTLCache is an in-memory Cache with per-entry expiry and optional NATS invalidation.
type TTLCache struct {
	mu    sync.RWMutex
	items map[string]cacheItem
	ttl   time.Duration
	now   func() time.Time
	sub   *nats.Subscription
}

// NewTTLCache creates a TTLCache and subscribes to key-level invalidation when nc is non-nil.
func NewTTLCache(ttl time.Duration, nc *nats.Conn, log *zap.Logger) *TTLCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	c := &TTLCache{
		items: make(map[string]cacheItem),
		ttl:   ttl,
		now:   time.Now,
	}
	if nc != nil {
		sub, err := nc.Subscribe(SubjectInvalidate, func(m *nats.Msg) {
			c.invalidate(string(m.Data))
		})
		if err != nil && log != nil {
			log.Warn("cache invalidation subscribe failed", zap.Error(err))
		}
		c.sub = sub
	}
	return c
}

func (c *TTLCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key == "" || strings.EqualFold(key, "ALL") {
		c.items = make(map[string]cacheItem)
		return
	}
	delete(c.items, key)
}

func (c *TTLCache) Get(_ context.Context, key string, dest any) (bool, error) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if c.now().After(it.expiresAt) {
		c.mu.Lock()
		if cur, ok2 := c.items[key]; ok2 && c.now().After(cur.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return false, nil
	}
	if err := json.Unmarshal(it.val, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *TTLCache) Set(_ context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.items[key] = cacheItem{val: b, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

func (c *TTLCache) Delete(_ context.Context, key string) error {
	c.invalidate(key)
	return nil
}

// Close drops the invalidation subscription.
func (c *TTLCache) Close() error {
	if c.sub == nil {
		return nil
	}
	return c.sub.Unsubscribe()
}

// PublishInvalidate tells every instance to drop key. A nil conn is a no-op.
func PublishInvalidate(nc *nats.Conn, key string) error {
	if nc == nil {
		return nil
	}
	return nc.Publish(SubjectInvalidate, []byte(key))
}
