package secrets

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache memoises secret lookups for ttl so rotated values are picked up
// without hitting the provider on every request. Concurrent misses for the
// same key share one provider call.
type Cache struct {
	cache    sync.Map
	ttl      time.Duration
	src      Provider
	group    singleflight.Group
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
}

type cachedSecret struct {
	value     []byte
	expiresAt time.Time
	mu        sync.RWMutex
}

func NewCache(src Provider, ttl time.Duration) *Cache {
	c := &Cache{
		ttl:      ttl,
		src:      src,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

func (c *Cache) GetSecret(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return "", ErrProviderUnavailable
	}
	c.mu.Unlock()

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		if cached, ok := c.cache.Load(key); ok {
			entry := cached.(*cachedSecret)
			entry.mu.RLock()
			expired := time.Now().After(entry.expiresAt)
			val := string(entry.value)
			entry.mu.RUnlock()
			if !expired {
				return val, nil
			}
			c.cache.Delete(key)
		}
		val, err := c.src.GetSecret(ctx, key)
		if err != nil {
			return nil, err
		}
		jitter := hashToJitter(key, int64(c.ttl/10/time.Millisecond))
		c.cache.Store(key, &cachedSecret{
			value:     []byte(val),
			expiresAt: time.Now().Add(c.ttl).Add(jitter),
		})
		return val, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// hashToJitter spreads expiries of different keys so they do not all refresh
// on the same tick.
func hashToJitter(key string, maxJitterMillis int64) time.Duration {
	if maxJitterMillis <= 0 {
		return 0
	}
	var sum int64
	for i := 0; i < len(key) && i < 16; i++ {
		sum += int64(key[i])
	}
	return time.Duration(sum%maxJitterMillis) * time.Millisecond
}

func (c *Cache) evictionLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedSecret)
		entry.mu.RLock()
		expired := now.After(entry.expiresAt)
		entry.mu.RUnlock()
		if expired {
			c.cache.Delete(key)
		}
		return true
	})
}

// Stop ends the eviction loop and wipes every cached value.
func (c *Cache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()

	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedSecret)
		entry.mu.Lock()
		for i := range entry.value {
			entry.value[i] = 0
		}
		entry.value = nil
		entry.mu.Unlock()
		c.cache.Delete(key)
		return true
	})
}

func (c *Cache) Stats() CacheStats {
	var stats CacheStats
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		stats.Entries++
		entry := value.(*cachedSecret)
		entry.mu.RLock()
		if now.After(entry.expiresAt) {
			stats.Expired++
		}
		entry.mu.RUnlock()
		return true
	})
	return stats
}

type CacheStats struct {
	Entries int
	Expired int
}
