package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/example/nearby/internal/models"
)

type memEntry struct {
	users   []models.NearbyUser
	expires time.Time
}

// MemoryCache is a process-local ProximityCache. The LRU's own TTL is the
// upper bound; a shorter ttl given to Put is enforced on read.
type MemoryCache struct {
	lru *expirable.LRU[string, memEntry]
	now func() time.Time
}

func NewMemoryCache(maxEntries int, maxTTL time.Duration) *MemoryCache {
	return &MemoryCache{
		lru: expirable.NewLRU[string, memEntry](maxEntries, nil, maxTTL),
		now: time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]models.NearbyUser, bool, error) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expires) {
		c.lru.Remove(key)
		return nil, false, nil
	}
	return clone(e.users), true, nil
}

func (c *MemoryCache) Put(_ context.Context, key string, users []models.NearbyUser, ttl time.Duration) error {
	c.lru.Add(key, memEntry{users: clone(users), expires: c.now().Add(ttl)})
	return nil
}

func (c *MemoryCache) InvalidateAll(context.Context) error {
	c.lru.Purge()
	return nil
}
