package dispatch

import (
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"

	"somnus/internal/inference"
	"somnus/internal/logging"
)

// ResponseCache is a TTL cache of completed backend responses keyed by
// request fingerprint. Faults degrade to a miss; callers never see a cache
// error. Only successful responses are stored.
type ResponseCache struct {
	cache      *ristretto.Cache
	defaultTTL time.Duration

	hits   int64
	misses int64
}

// NewResponseCache creates a cache bounded to maxEntries responses.
func NewResponseCache(maxEntries int, defaultTTL time.Duration) (*ResponseCache, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if defaultTTL <= 0 {
		defaultTTL = 600 * time.Second
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxEntries) * 10,
		MaxCost:     int64(maxEntries),
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}

	return &ResponseCache{
		cache:      cache,
		defaultTTL: defaultTTL,
	}, nil
}

// Get looks up a response by fingerprint.
func (c *ResponseCache) Get(fingerprint string) (*inference.ChatResponse, bool) {
	value, found := c.cache.Get(fingerprint)
	if !found {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	resp, ok := value.(*inference.ChatResponse)
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	atomic.AddInt64(&c.hits, 1)
	logging.CacheDebug("hit %s", fingerprint[:12])
	return resp, true
}

// Put stores a response. Best effort: admission may reject the entry and
// that is fine. ttl <= 0 uses the default.
func (c *ResponseCache) Put(fingerprint string, resp *inference.ChatResponse, ttl time.Duration) {
	if resp == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if !c.cache.SetWithTTL(fingerprint, resp, 1, ttl) {
		logging.CacheDebug("put rejected %s", fingerprint[:12])
		return
	}
	// Flush the set buffer so the entry is visible to the next Get.
	c.cache.Wait()
}

// CacheStats reports hit/miss counters and a best-effort live entry count.
type CacheStats struct {
	Hits    int64
	Misses  int64
	Entries int64
}

// Stats returns current cache counters.
func (c *ResponseCache) Stats() CacheStats {
	m := c.cache.Metrics
	entries := int64(m.KeysAdded()) - int64(m.KeysEvicted())
	if entries < 0 {
		entries = 0
	}
	return CacheStats{
		Hits:    atomic.LoadInt64(&c.hits),
		Misses:  atomic.LoadInt64(&c.misses),
		Entries: entries,
	}
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (c *ResponseCache) HitRate() float64 {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// Close releases the cache's internal goroutines.
func (c *ResponseCache) Close() {
	c.cache.Close()
}
