package cache

import (
	"sync/atomic"

	lfu "github.com/dgraph-io/ristretto"
)

// RistrettoConfig configures the Ristretto-backed local cache.
type RistrettoConfig struct {
	// NumCounters is the number of frequency counters.
	// Recommended: 10 * expected max items.
	NumCounters int64

	// MaxCost is the maximum total cost of items in the cache.
	MaxCost int64

	// BufferItems is the number of items to buffer before eviction.
	// Recommended: 64.
	BufferItems int64

	// IgnoreInternalCost ignores the internal cost of items.
	IgnoreInternalCost bool
}

// DefaultRistrettoConfig returns the recommended Ristretto configuration for
// session workloads.
func DefaultRistrettoConfig() RistrettoConfig {
	return RistrettoConfig{
		NumCounters:        1e5,
		MaxCost:            10000,
		BufferItems:        64,
		IgnoreInternalCost: true,
	}
}

// LFUCacheFactory creates Ristretto cache instances.
type LFUCacheFactory[T any] struct {
	config RistrettoConfig
}

// NewLFUCacheFactory creates a new Ristretto cache factory.
func NewLFUCacheFactory[T any](config RistrettoConfig) LocalCacheFactory[T] {
	return &LFUCacheFactory[T]{config: config}
}

// Create creates a new Ristretto cache instance.
func (rcf *LFUCacheFactory[T]) Create() (LocalCache[T], error) {
	return NewLFUCache[T](rcf.config)
}

// LFUCache is a local cache backed by Ristretto's TinyLFU admission policy.
// Writes are admitted asynchronously, so a Set may not be immediately visible;
// use BoundedCache when read-your-write behavior on the local cache is needed.
type LFUCache[T any] struct {
	cache     *lfu.Cache
	hits      int64
	misses    int64
	evictions int64
	size      int64
}

// NewLFUCache creates a new Ristretto-based local cache.
func NewLFUCache[T any](config RistrettoConfig) (*LFUCache[T], error) {
	rc := &LFUCache[T]{}
	cache, err := lfu.NewCache(&lfu.Config{
		NumCounters:        config.NumCounters,
		MaxCost:            config.MaxCost,
		BufferItems:        config.BufferItems,
		IgnoreInternalCost: config.IgnoreInternalCost,
		OnEvict: func(item *lfu.Item) {
			atomic.AddInt64(&rc.evictions, 1)
			atomic.AddInt64(&rc.size, -1)
		},
	})
	if err != nil {
		return nil, err
	}
	rc.cache = cache
	return rc, nil
}

// Get retrieves a value from the local cache.
func (rc *LFUCache[T]) Get(key string) (T, bool) {
	var zero T
	raw, found := rc.cache.Get(key)
	if !found {
		atomic.AddInt64(&rc.misses, 1)
		return zero, false
	}
	value, ok := raw.(T)
	if !ok {
		atomic.AddInt64(&rc.misses, 1)
		return zero, false
	}
	atomic.AddInt64(&rc.hits, 1)
	return value, true
}

// Set stores a value in the local cache.
func (rc *LFUCache[T]) Set(key string, value T) {
	if rc.cache.Set(key, value, 1) {
		atomic.AddInt64(&rc.size, 1)
	}
}

// Delete removes a value from the local cache.
func (rc *LFUCache[T]) Delete(key string) bool {
	_, found := rc.cache.Get(key)
	rc.cache.Del(key)
	if found {
		atomic.AddInt64(&rc.size, -1)
	}
	return found
}

// Clear removes all values from the local cache.
func (rc *LFUCache[T]) Clear() {
	rc.cache.Clear()
	atomic.StoreInt64(&rc.size, 0)
}

// Size returns the approximate number of entries. Ristretto admits and evicts
// asynchronously, so this is a best-effort count.
func (rc *LFUCache[T]) Size() int {
	n := atomic.LoadInt64(&rc.size)
	if n < 0 {
		return 0
	}
	return int(n)
}

// Stats returns a snapshot of the cache counters.
func (rc *LFUCache[T]) Stats() Stats {
	return Stats{
		Hits:      atomic.LoadInt64(&rc.hits),
		Misses:    atomic.LoadInt64(&rc.misses),
		Evictions: atomic.LoadInt64(&rc.evictions),
		Size:      rc.Size(),
	}
}

// ResetStats zeroes the counters.
func (rc *LFUCache[T]) ResetStats() {
	atomic.StoreInt64(&rc.hits, 0)
	atomic.StoreInt64(&rc.misses, 0)
	atomic.StoreInt64(&rc.evictions, 0)
}

// Close closes the local cache.
func (rc *LFUCache[T]) Close() {
	rc.cache.Close()
}
