package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const minCleanupInterval = time.Second

var (
	_ Cache = (*MemoryCache)(nil)
	_ Cache = (*NoopCache)(nil)
)

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryCache is an in-memory LRU cache with TTL support
type MemoryCache struct {
	cache *lru.Cache[string, *cacheEntry]
	ttl   time.Duration
	mu    sync.RWMutex

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache creates a cache holding at most size entries for ttl each
func NewMemoryCache(size int, ttl time.Duration) (*MemoryCache, error) {
	cache, err := lru.New[string, *cacheEntry](size)
	if err != nil {
		return nil, err
	}

	mc := &MemoryCache{
		cache: cache,
		ttl:   ttl,
		stop:  make(chan struct{}),
	}

	go mc.cleanupLoop()

	return mc, nil
}

func (mc *MemoryCache) Get(key string) (string, bool) {
	mc.mu.RLock()
	entry, ok := mc.cache.Get(key)
	mc.mu.RUnlock()

	if !ok {
		return "", false
	}

	if time.Now().After(entry.expiresAt) {
		mc.mu.Lock()
		mc.cache.Remove(key)
		mc.mu.Unlock()
		return "", false
	}

	return entry.value, true
}

func (mc *MemoryCache) Set(key string, value string) {
	entry := &cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(mc.ttl),
	}

	mc.mu.Lock()
	mc.cache.Add(key, entry)
	mc.mu.Unlock()
}

func (mc *MemoryCache) Remove(key string) {
	mc.mu.Lock()
	mc.cache.Remove(key)
	mc.mu.Unlock()
}

// Len returns the number of entries, expired ones included until swept
func (mc *MemoryCache) Len() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.cache.Len()
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (mc *MemoryCache) Close() {
	mc.stopOnce.Do(func() { close(mc.stop) })
}

func (mc *MemoryCache) cleanupLoop() {
	interval := mc.ttl / 2
	if interval < minCleanupInterval {
		interval = minCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-mc.stop:
			return
		case <-ticker.C:
			mc.removeExpired()
		}
	}
}

func (mc *MemoryCache) removeExpired() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	for _, key := range mc.cache.Keys() {
		entry, ok := mc.cache.Peek(key)
		if ok && now.After(entry.expiresAt) {
			mc.cache.Remove(key)
		}
	}
}

// NoopCache never stores anything; used when the channel cache is disabled
type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (nc *NoopCache) Get(key string) (string, bool) {
	return "", false
}

func (nc *NoopCache) Set(key string, value string) {}

func (nc *NoopCache) Remove(key string) {}

func (nc *NoopCache) Close() {}
