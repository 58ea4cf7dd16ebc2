package cache

// Logger defines the interface for logging in the session cache.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)

	// Info logs an info message.
	Info(msg string, args ...any)

	// Warn logs a warning message.
	Warn(msg string, args ...any)

	// Error logs an error message.
	Error(msg string, args ...any)
}

// Marshaller defines the interface for encoding session records for the
// backing store.
type Marshaller interface {
	// Marshal serializes a value to bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes a value from bytes.
	Unmarshal(data []byte, v any) error
}

// LocalCache defines the interface for process-local session caching. The
// payload type T is opaque to every implementation.
type LocalCache[T any] interface {
	// Get retrieves a value from the local cache.
	Get(key string) (T, bool)

	// Set stores a value in the local cache.
	Set(key string, value T)

	// Delete removes a value from the local cache and reports whether an
	// entry was removed.
	Delete(key string) bool

	// Clear removes all values from the local cache.
	Clear()

	// Size returns the number of live entries.
	Size() int

	// Stats returns a snapshot of the cache counters.
	Stats() Stats

	// ResetStats zeroes the counters without touching stored entries.
	ResetStats()

	// Close releases the cache.
	Close()
}

// LocalCacheFactory defines the interface for creating local cache
// implementations.
type LocalCacheFactory[T any] interface {
	// Create creates a new local cache instance.
	Create() (LocalCache[T], error)
}

// Stats is a snapshot of local cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// HitRate returns hits over total lookups, or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
