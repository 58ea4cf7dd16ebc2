// Package sessioncluster is a session-state cache for multi-node deployments.
// Each node layers a bounded TTL+LRU cache over a shared backing store and
// keeps peer caches coherent by broadcasting invalidation messages over a
// pub/sub channel. The design is eventually consistent: a peer may serve a
// stale record for at most min(cache TTL, invalidation delivery time).
package sessioncluster

import (
	"time"

	"github.com/google/uuid"

	"github.com/minhtran/sessioncluster/cache"
	"github.com/minhtran/sessioncluster/storage"
)

// Config configures a ClusteredStore instance. Start from DefaultConfig.
type Config struct {
	// Enabled turns on cross-node invalidation broadcasting and subscribing.
	Enabled bool

	// NodeID is the unique identifier for this node. It must be unique among
	// concurrently running nodes: two nodes sharing an id each discard the
	// other's invalidations as their own echoes. Prefer a deployment-supplied
	// stable identifier (hostname+pid, pod name); a random id is generated
	// when unset.
	NodeID string

	// Channel is the pub/sub channel for invalidation messages.
	Channel string

	// LocalCacheEnabled turns on the per-node cache in front of the store.
	LocalCacheEnabled bool

	// LocalCacheTTL is how long a cached record stays valid.
	LocalCacheTTL time.Duration

	// LocalCacheMaxSize is the maximum number of cached records.
	LocalCacheMaxSize int

	// SubscribeTimeout bounds how long establishing a subscription may take.
	SubscribeTimeout time.Duration

	// ReconnectBackoff is the fixed delay between subscription attempts.
	ReconnectBackoff time.Duration

	// RedisAddr is the Redis server address (e.g., "localhost:6379").
	RedisAddr string

	// RedisPassword is the optional Redis password.
	RedisPassword string

	// RedisDB is the Redis database number.
	RedisDB int

	// KeyPrefix is the namespace the surrounding application stores sessions
	// under; Clear and BulkDelete scan it. Get/Set/Delete take full keys, so
	// callers prefix them.
	KeyPrefix string

	// SessionTTL is the backing-store TTL for written records. Zero stores
	// them without expiry.
	SessionTTL time.Duration

	// Marshaller encodes records for the backing store.
	// If nil, defaults to JSON.
	Marshaller cache.Marshaller

	// Logger is the logger for the store and coordinator.
	// If nil, defaults to no-op.
	Logger cache.Logger

	// DebugMode enables debug logging.
	DebugMode bool
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:           false,
		NodeID:            "", // generated in New
		Channel:           "sessions:invalidate",
		LocalCacheEnabled: true,
		LocalCacheTTL:     30 * time.Second,
		LocalCacheMaxSize: 10000,
		SubscribeTimeout:  5 * time.Second,
		ReconnectBackoff:  time.Second,
		RedisAddr:         "localhost:6379",
		RedisDB:           0,
		KeyPrefix:         "session:",
		SessionTTL:        0,
		Marshaller:        nil, // JSON in New
		Logger:            nil, // no-op in New
	}
}

func (c *Config) applyDefaults() {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.Channel == "" {
		c.Channel = "sessions:invalidate"
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 5 * time.Second
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = time.Second
	}
	if c.Marshaller == nil {
		c.Marshaller = cache.NewJSONMarshaller()
	}
	if c.Logger == nil {
		c.Logger = cache.NewNoOpLogger()
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrInvalidConfig
	}
	if c.Channel == "" {
		return ErrInvalidConfig
	}
	if c.LocalCacheTTL < 0 || c.LocalCacheMaxSize < 0 {
		return ErrInvalidConfig
	}
	if c.SessionTTL < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// New connects to Redis and creates a clustered session store for records of
// type T.
func New[T any](cfg Config) (*ClusteredStore[T], error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}

	cs, err := NewWithStore[T](cfg, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return cs, nil
}
