package cache

import (
	"sync"
	"time"
)

type entry[T any] struct {
	value        T
	expiresAt    time.Time
	lastAccessed time.Time
}

// BoundedCache is a TTL plus LRU bounded local cache. Expired entries are
// purged lazily: on the access that observes them, and whenever Size or Stats
// counts live entries.
//
// A single mutex covers the entry map and the counters. Reads mutate both the
// LRU timestamp and the hit counter, and Size composes a purge with a count,
// so the whole structure is one mutual-exclusion domain.
type BoundedCache[T any] struct {
	mu        sync.Mutex
	entries   map[string]*entry[T]
	ttl       time.Duration
	maxSize   int
	hits      int64
	misses    int64
	evictions int64

	now func() time.Time
}

// NewBoundedCache creates a bounded cache holding at most maxSize entries,
// each valid for ttl after its last write. Zero ttl or zero maxSize are legal
// and degrade to a pass-through cache.
func NewBoundedCache[T any](ttl time.Duration, maxSize int) *BoundedCache[T] {
	return &BoundedCache[T]{
		entries: make(map[string]*entry[T]),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get retrieves a value. An expired entry is purged and counted as a miss; a
// live hit refreshes the entry's LRU timestamp.
func (c *BoundedCache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}

	now := c.now()
	if !e.expiresAt.After(now) {
		delete(c.entries, key)
		c.misses++
		return zero, false
	}

	e.lastAccessed = now
	c.hits++
	return e.value, true
}

// Set inserts or overwrites an entry with a fresh TTL. When inserting at
// capacity, expired entries are purged first; if the cache is still full, the
// single least-recently-accessed entry is evicted.
func (c *BoundedCache[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize <= 0 {
		return
	}

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.purgeExpiredLocked(now)
		if len(c.entries) >= c.maxSize {
			c.evictLRULocked()
		}
	}

	c.entries[key] = &entry[T]{
		value:        value,
		expiresAt:    now.Add(c.ttl),
		lastAccessed: now,
	}
}

// Delete removes an entry and reports whether one was present.
func (c *BoundedCache[T]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// Clear removes all entries unconditionally.
func (c *BoundedCache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[T])
}

// Size returns the number of unexpired entries, purging expired ones as a
// side effect so the cache stays bounded even without reads.
func (c *BoundedCache[T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpiredLocked(c.now())
	return len(c.entries)
}

// Stats returns a snapshot of the counters and the live entry count.
func (c *BoundedCache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpiredLocked(c.now())
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

// ResetStats zeroes all counters without touching stored entries.
func (c *BoundedCache[T]) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits = 0
	c.misses = 0
	c.evictions = 0
}

// Close releases the cache.
func (c *BoundedCache[T]) Close() {
	c.Clear()
}

func (c *BoundedCache[T]) purgeExpiredLocked(now time.Time) {
	for key, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, key)
		}
	}
}

// evictLRULocked removes the least-recently-accessed entry. Ties go to the
// first candidate encountered.
func (c *BoundedCache[T]) evictLRULocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, e := range c.entries {
		if first || e.lastAccessed.Before(oldest) {
			oldestKey = key
			oldest = e.lastAccessed
			first = false
		}
	}
	if first {
		return
	}
	delete(c.entries, oldestKey)
	c.evictions++
}
