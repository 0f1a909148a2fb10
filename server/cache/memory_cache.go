package cache

import (
	"context"
	"crypto/md5"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/san-kum/knife-guard/server/detection"
)

// MemoryCache is a size-bounded TTL cache that evicts the least recently
// used entry when full.
type MemoryCache struct {
	items   map[string]*CacheItem
	mutex   sync.Mutex
	maxSize int
	ttl     time.Duration
	clock   clock.Clock
	logger  *zap.Logger
	cleanup *clock.Ticker
	stopCh  chan struct{}
	once    sync.Once

	hits, misses, evictions int64
}

type CacheItem struct {
	Value     *detection.Tensor
	ExpiresAt time.Time
	LastUsed  time.Time
}

func NewMemoryCache(maxSize int, ttl time.Duration, clk clock.Clock, logger *zap.Logger) *MemoryCache {
	cache := &MemoryCache{
		items:   make(map[string]*CacheItem),
		maxSize: maxSize,
		ttl:     ttl,
		clock:   clk,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	cache.cleanup = clk.Ticker(time.Minute)
	go cache.cleanupExpired()

	return cache
}

func (c *MemoryCache) Set(ctx context.Context, key string, value *detection.Tensor) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.clock.Now()
	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxSize {
		c.evictLRU()
	}

	c.items[key] = &CacheItem{
		Value:     value,
		ExpiresAt: now.Add(c.ttl),
		LastUsed:  now,
	}

	return nil
}

func (c *MemoryCache) Get(ctx context.Context, key string) (*detection.Tensor, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	item, exists := c.items[key]
	if !exists {
		c.misses++
		return nil, ErrCacheMiss
	}

	now := c.clock.Now()
	if now.After(item.ExpiresAt) {
		delete(c.items, key)
		c.misses++
		return nil, ErrCacheMiss
	}

	item.LastUsed = now
	c.hits++
	return item.Value, nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.items, key)
	return nil
}

func (c *MemoryCache) GetStats(ctx context.Context) (*CacheStats, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return &CacheStats{
		Items:     len(c.items),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}, nil
}

func (c *MemoryCache) Close() error {
	c.once.Do(func() {
		c.cleanup.Stop()
		close(c.stopCh)
	})
	return nil
}

func (c *MemoryCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, item := range c.items {
		if oldestKey == "" || item.LastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.LastUsed
		}
	}

	if oldestKey != "" {
		delete(c.items, oldestKey)
		c.evictions++
	}
}

func (c *MemoryCache) cleanupExpired() {
	for {
		select {
		case <-c.cleanup.C:
			c.mutex.Lock()
			now := c.clock.Now()
			removed := 0
			for key, item := range c.items {
				if now.After(item.ExpiresAt) {
					delete(c.items, key)
					removed++
				}
			}
			c.mutex.Unlock()
			if removed > 0 {
				c.logger.Debug("Expired cache entries removed", zap.Int("count", removed))
			}
		case <-c.stopCh:
			return
		}
	}
}

// GenerateCacheKey digests the given parts into a hex key.
func GenerateCacheKey(components ...[]byte) string {
	h := md5.New()
	for _, component := range components {
		h.Write(component)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
