package perm

import (
	"context"
	"sync"
	"time"
)

// CacheEntry is a cached permission decision together with the dependency
// tags it was cached under.
type CacheEntry struct {
	Result       Result        `json:"result"`
	Timestamp    time.Time     `json:"timestamp"`
	TTL          time.Duration `json:"ttl"`
	Dependencies []string      `json:"dependencies,omitempty"`
}

// Cache stores permission decisions. InvalidateByTag drops every entry
// cached under the given dependency tag (user:<id>, role:<id>,
// resource:<type>) so role and assignment mutations take effect before the
// TTL expires.
type Cache interface {
	Get(ctx context.Context, key string) (*CacheEntry, bool)
	Set(ctx context.Context, key string, entry CacheEntry) error
	InvalidateByTag(ctx context.Context, tag string) error
	Flush(ctx context.Context) error
}

// MemoryCache is the default in-process Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
	// byTag indexes cache keys by dependency tag for targeted invalidation.
	byTag map[string]map[string]struct{}
	now   func() time.Time
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache returns an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: map[string]CacheEntry{},
		byTag:   map[string]map[string]struct{}{},
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*CacheEntry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.Timestamp) > entry.TTL {
		c.mu.Lock()
		c.remove(key)
		c.mu.Unlock()
		return nil, false
	}
	return &entry, true
}

func (c *MemoryCache) Set(_ context.Context, key string, entry CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(key)
	c.entries[key] = entry
	for _, tag := range entry.Dependencies {
		keys, ok := c.byTag[tag]
		if !ok {
			keys = map[string]struct{}{}
			c.byTag[tag] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

func (c *MemoryCache) InvalidateByTag(_ context.Context, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.byTag[tag] {
		c.remove(key)
	}
	return nil
}

func (c *MemoryCache) Flush(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]CacheEntry{}
	c.byTag = map[string]map[string]struct{}{}
	return nil
}

// remove must be called with the write lock held.
func (c *MemoryCache) remove(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	for _, tag := range entry.Dependencies {
		if keys, ok := c.byTag[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.byTag, tag)
			}
		}
	}
}
