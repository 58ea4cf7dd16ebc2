package cache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUCacheFactory creates LRU cache instances.
type LRUCacheFactory[T any] struct {
	maxSize int
}

// NewLRUCacheFactory creates a new LRU cache factory.
func NewLRUCacheFactory[T any](maxSize int) LocalCacheFactory[T] {
	return &LRUCacheFactory[T]{maxSize: maxSize}
}

// Create creates a new LRU cache instance.
func (lcf *LRUCacheFactory[T]) Create() (LocalCache[T], error) {
	return NewLRUCache[T](lcf.maxSize)
}

// LRUCache is a local cache backed by hashicorp golang-lru. It has no TTL;
// entries live until evicted or deleted. Use BoundedCache when time-based
// staleness matters.
type LRUCache[T any] struct {
	cache     *lru.Cache[string, T]
	hits      int64
	misses    int64
	evictions int64
}

// NewLRUCache creates a new LRU-based local cache.
func NewLRUCache[T any](maxSize int) (*LRUCache[T], error) {
	cache, err := lru.New[string, T](maxSize)
	if err != nil {
		return nil, err
	}
	return &LRUCache[T]{cache: cache}, nil
}

// Get retrieves a value from the local cache.
func (lc *LRUCache[T]) Get(key string) (T, bool) {
	value, found := lc.cache.Get(key)
	if found {
		atomic.AddInt64(&lc.hits, 1)
	} else {
		atomic.AddInt64(&lc.misses, 1)
	}
	return value, found
}

// Set stores a value in the local cache.
func (lc *LRUCache[T]) Set(key string, value T) {
	if lc.cache.Add(key, value) {
		atomic.AddInt64(&lc.evictions, 1)
	}
}

// Delete removes a value from the local cache.
func (lc *LRUCache[T]) Delete(key string) bool {
	return lc.cache.Remove(key)
}

// Clear removes all values from the local cache.
func (lc *LRUCache[T]) Clear() {
	lc.cache.Purge()
}

// Size returns the number of entries in the cache.
func (lc *LRUCache[T]) Size() int {
	return lc.cache.Len()
}

// Stats returns a snapshot of the cache counters.
func (lc *LRUCache[T]) Stats() Stats {
	return Stats{
		Hits:      atomic.LoadInt64(&lc.hits),
		Misses:    atomic.LoadInt64(&lc.misses),
		Evictions: atomic.LoadInt64(&lc.evictions),
		Size:      lc.cache.Len(),
	}
}

// ResetStats zeroes the counters.
func (lc *LRUCache[T]) ResetStats() {
	atomic.StoreInt64(&lc.hits, 0)
	atomic.StoreInt64(&lc.misses, 0)
	atomic.StoreInt64(&lc.evictions, 0)
}

// Close closes the local cache.
func (lc *LRUCache[T]) Close() {
	lc.cache.Purge()
}
