package sessioncluster

import (
	"context"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/minhtran/sessioncluster/cache"
	"github.com/minhtran/sessioncluster/cluster"
	"github.com/minhtran/sessioncluster/storage"
)

// ClusteredStore presents the same contract as a plain backing store while
// transparently adding a cache-then-fallback read path and a
// write-then-broadcast write path. Records of type T are opaque to the store.
type ClusteredStore[T any] struct {
	store       storage.Store
	local       cache.LocalCache[T]  // nil when local caching is disabled
	coordinator *cluster.Coordinator // nil when clustering is disabled
	ownedClient *redis.Client        // non-nil when the coordinator's client is ours to close
	marshaller  cache.Marshaller
	logger      cache.Logger
	cfg         Config
	group       singleflight.Group
	closed      int32
}

// clientProvider is implemented by stores that can share their Redis client
// with the pub/sub coordinator.
type clientProvider interface {
	Client() *redis.Client
}

// noopCache satisfies cluster.Cache when local caching is disabled: this node
// still broadcasts its writes, but has nothing to invalidate locally.
type noopCache struct{}

func (noopCache) Delete(string) bool { return false }
func (noopCache) Clear()             {}

// NewWithStore creates a clustered store over an existing backing store. The
// default bounded TTL+LRU cache is used when local caching is enabled; use
// NewWithLocalCache to supply a different implementation.
func NewWithStore[T any](cfg Config, store storage.Store) (*ClusteredStore[T], error) {
	var local cache.LocalCache[T]
	if cfg.LocalCacheEnabled {
		local = cache.NewBoundedCache[T](cfg.LocalCacheTTL, cfg.LocalCacheMaxSize)
	}
	return NewWithLocalCache[T](cfg, store, local)
}

// NewWithLocalCache creates a clustered store over an existing backing store
// and local cache. A nil local cache disables local caching regardless of
// configuration.
func NewWithLocalCache[T any](cfg Config, store storage.Store, local cache.LocalCache[T]) (*ClusteredStore[T], error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cs := &ClusteredStore[T]{
		store:      store,
		local:      local,
		marshaller: cfg.Marshaller,
		logger:     cfg.Logger,
		cfg:        cfg,
	}

	if cfg.Enabled {
		client, owned, err := clusterClient(store, cfg)
		if err != nil {
			return nil, err
		}
		if owned {
			cs.ownedClient = client
		}

		var coordinated cluster.Cache = noopCache{}
		if local != nil {
			coordinated = local
		}

		cs.coordinator = cluster.New(client, cluster.Config{
			NodeID:           cfg.NodeID,
			Channel:          cfg.Channel,
			SubscribeTimeout: cfg.SubscribeTimeout,
			ReconnectBackoff: cfg.ReconnectBackoff,
		}, coordinated, cfg.Logger)
		cs.coordinator.Start()
	}

	return cs, nil
}

func clusterClient(store storage.Store, cfg Config) (client *redis.Client, owned bool, err error) {
	if p, ok := store.(clientProvider); ok {
		return p.Client(), false, nil
	}
	if cfg.RedisAddr == "" {
		return nil, false, ErrInvalidConfig
	}
	client = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return client, true, nil
}

// Get retrieves a session record, serving from the local cache when possible
// and repopulating it from the backing store on a miss. Backing-store errors,
// including ErrNotFound, propagate unchanged.
func (cs *ClusteredStore[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	if atomic.LoadInt32(&cs.closed) != 0 {
		return zero, ErrStoreClosed
	}

	if cs.local != nil {
		if value, ok := cs.local.Get(key); ok {
			if cs.cfg.DebugMode {
				cs.logger.Debug("get: local cache hit", "key", key)
			}
			return value, nil
		}
	}

	// Coalesce concurrent misses for one key into a single fetch.
	v, err, _ := cs.group.Do(key, func() (any, error) {
		data, err := cs.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}

		var value T
		if err := cs.marshaller.Unmarshal(data, &value); err != nil {
			return nil, err
		}

		if cs.local != nil {
			cs.local.Set(key, value)
		}
		return value, nil
	})
	if err != nil {
		if cs.cfg.DebugMode {
			cs.logger.Debug("get: backing store miss", "key", key, "error", err)
		}
		return zero, err
	}

	if cs.cfg.DebugMode {
		cs.logger.Debug("get: fetched from backing store", "key", key)
	}
	return v.(T), nil
}

// Set writes a session record. The backing store is written first, so a
// peer's cache-miss fetch after the invalidation observes the new value; only
// then is the local cache updated and the invalidation broadcast. A broadcast
// failure never affects the result of the write.
func (cs *ClusteredStore[T]) Set(ctx context.Context, key string, value T) error {
	if atomic.LoadInt32(&cs.closed) != 0 {
		return ErrStoreClosed
	}

	data, err := cs.marshaller.Marshal(value)
	if err != nil {
		return err
	}

	if err := cs.store.Set(ctx, key, data, cs.cfg.SessionTTL); err != nil {
		return err
	}

	if cs.local != nil {
		cs.local.Set(key, value)
	}

	if cs.broadcasting() {
		cs.coordinator.PublishSessionInvalidated(ctx, key)
	}

	if cs.cfg.DebugMode {
		cs.logger.Debug("set: stored session", "key", key)
	}
	return nil
}

// Delete removes a session record from the backing store and the local
// cache, then tells peers to drop theirs.
func (cs *ClusteredStore[T]) Delete(ctx context.Context, key string) error {
	if atomic.LoadInt32(&cs.closed) != 0 {
		return ErrStoreClosed
	}

	if err := cs.store.Delete(ctx, key); err != nil {
		return err
	}

	if cs.local != nil {
		cs.local.Delete(key)
	}

	if cs.broadcasting() {
		cs.coordinator.PublishInvalidation(ctx, key)
	}

	if cs.cfg.DebugMode {
		cs.logger.Debug("delete: removed session", "key", key)
	}
	return nil
}

// Clear removes every record under the configured key prefix from the
// backing store, drops the local cache, and tells peers to drop theirs.
func (cs *ClusteredStore[T]) Clear(ctx context.Context) error {
	if atomic.LoadInt32(&cs.closed) != 0 {
		return ErrStoreClosed
	}

	keys, err := cs.store.Scan(ctx, cs.cfg.KeyPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := cs.store.Delete(ctx, key); err != nil {
			return err
		}
	}

	if cs.local != nil {
		cs.local.Clear()
	}

	if cs.broadcasting() {
		cs.coordinator.PublishCacheClear(ctx)
	}

	if cs.cfg.DebugMode {
		cs.logger.Debug("clear: removed all sessions", "count", len(keys))
	}
	return nil
}

// BulkDelete scans the configured key prefix and deletes every record the
// predicate matches, returning the number deleted. The operation is
// best-effort and administrative: errors are logged and the count processed
// so far is returned rather than an error. One invalidation is published per
// deleted key.
func (cs *ClusteredStore[T]) BulkDelete(ctx context.Context, match func(key string) bool) int {
	if atomic.LoadInt32(&cs.closed) != 0 {
		return 0
	}

	keys, err := cs.store.Scan(ctx, cs.cfg.KeyPrefix)
	if err != nil {
		cs.logger.Error("bulk delete: scan failed", "error", err)
		return 0
	}

	deleted := 0
	for _, key := range keys {
		if !match(key) {
			continue
		}
		if err := cs.store.Delete(ctx, key); err != nil {
			cs.logger.Error("bulk delete: stopping early",
				"key", key, "deleted", deleted, "error", err)
			return deleted
		}
		if cs.local != nil {
			cs.local.Delete(key)
		}
		if cs.broadcasting() {
			cs.coordinator.PublishInvalidation(ctx, key)
		}
		deleted++
	}
	return deleted
}

// Ping delegates to the backing store's health check.
func (cs *ClusteredStore[T]) Ping(ctx context.Context) error {
	if atomic.LoadInt32(&cs.closed) != 0 {
		return ErrStoreClosed
	}
	return cs.store.Ping(ctx)
}

// Close stops the coordinator before releasing the backing store, so no
// invalidation is dropped mid-shutdown. Closing twice is a no-op.
func (cs *ClusteredStore[T]) Close() error {
	if !atomic.CompareAndSwapInt32(&cs.closed, 0, 1) {
		return nil
	}

	if cs.coordinator != nil {
		cs.coordinator.Stop()
	}
	if cs.ownedClient != nil {
		cs.ownedClient.Close()
	}
	if cs.local != nil {
		cs.local.Close()
	}
	return cs.store.Close()
}

// Stats returns the local cache counters and the number of peer
// invalidations applied, without disturbing cache contents.
func (cs *ClusteredStore[T]) Stats() Stats {
	var st Stats
	if cs.local != nil {
		st.Cache = cs.local.Stats()
	}
	if cs.coordinator != nil {
		st.Invalidations = cs.coordinator.Invalidations()
	}
	return st
}

// ResetStats zeroes the local cache counters without touching entries.
func (cs *ClusteredStore[T]) ResetStats() {
	if cs.local != nil {
		cs.local.ResetStats()
	}
}

// ClusterRunning reports whether this node's subscription loop is active.
func (cs *ClusteredStore[T]) ClusterRunning() bool {
	return cs.coordinator != nil && cs.coordinator.Running()
}

func (cs *ClusteredStore[T]) broadcasting() bool {
	return cs.coordinator != nil && cs.coordinator.Running()
}

// Stats aggregates the observability surface of one node.
type Stats struct {
	Cache         cache.Stats
	Invalidations int64
}
