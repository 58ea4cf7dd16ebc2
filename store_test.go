package sessioncluster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/minhtran/sessioncluster/storage"
)

type sessionRecord struct {
	User    string `json:"user"`
	Version int    `json:"version"`
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NodeID = "node-test"
	cfg.LocalCacheTTL = time.Hour
	return cfg
}

func newMemoryBacked(t *testing.T, cfg Config) (*ClusteredStore[sessionRecord], *storage.MemoryStore) {
	t.Helper()
	backing := storage.NewMemoryStore()
	store, err := NewWithStore[sessionRecord](cfg, backing)
	if err != nil {
		t.Fatalf("NewWithStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, backing
}

func TestStoreWriteThenRead(t *testing.T) {
	store, _ := newMemoryBacked(t, testConfig())
	ctx := context.Background()

	want := sessionRecord{User: "alice", Version: 1}
	if err := store.Set(ctx, "session:1", want); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := store.Get(ctx, "session:1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestStoreGetMissPopulatesCache(t *testing.T) {
	store, backing := newMemoryBacked(t, testConfig())
	ctx := context.Background()

	// Seed the backing store directly, bypassing the cache.
	data := []byte(`{"user":"bob","version":2}`)
	if err := backing.Set(ctx, "session:2", data, 0); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	got, err := store.Get(ctx, "session:2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.User != "bob" || got.Version != 2 {
		t.Fatalf("unexpected record: %+v", got)
	}

	// Remove it from the backing store; the cached copy must now serve reads.
	backing.Delete(ctx, "session:2")
	if _, err := store.Get(ctx, "session:2"); err != nil {
		t.Fatalf("expected cached hit after backing-store delete, got %v", err)
	}
}

func TestStoreGetNotFoundPropagates(t *testing.T) {
	store, _ := newMemoryBacked(t, testConfig())

	_, err := store.Get(context.Background(), "session:absent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreGetUndecodableRecord(t *testing.T) {
	store, backing := newMemoryBacked(t, testConfig())
	ctx := context.Background()

	backing.Set(ctx, "session:bad", []byte("{corrupt"), 0)
	if _, err := store.Get(ctx, "session:bad"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestStoreDelete(t *testing.T) {
	store, backing := newMemoryBacked(t, testConfig())
	ctx := context.Background()

	store.Set(ctx, "session:1", sessionRecord{User: "alice"})
	if err := store.Delete(ctx, "session:1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := store.Get(ctx, "session:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := backing.Get(ctx, "session:1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("delete must reach the backing store")
	}
}

func TestStoreClearIsPrefixScoped(t *testing.T) {
	store, backing := newMemoryBacked(t, testConfig())
	ctx := context.Background()

	store.Set(ctx, "session:1", sessionRecord{User: "alice"})
	store.Set(ctx, "session:2", sessionRecord{User: "bob"})
	backing.Set(ctx, "other:1", []byte("keep"), 0)

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	if _, err := store.Get(ctx, "session:1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("expected session:1 cleared")
	}
	if _, err := backing.Get(ctx, "other:1"); err != nil {
		t.Fatalf("keys outside the prefix must survive Clear: %v", err)
	}
}

func TestStoreBulkDelete(t *testing.T) {
	store, _ := newMemoryBacked(t, testConfig())
	ctx := context.Background()

	store.Set(ctx, "session:user1:a", sessionRecord{User: "u1"})
	store.Set(ctx, "session:user1:b", sessionRecord{User: "u1"})
	store.Set(ctx, "session:user2:a", sessionRecord{User: "u2"})

	deleted := store.BulkDelete(ctx, func(key string) bool {
		return len(key) > len("session:user1") && key[:len("session:user1")] == "session:user1"
	})
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}

	if _, err := store.Get(ctx, "session:user1:a"); !errors.Is(err, ErrNotFound) {
		t.Fatal("expected session:user1:a deleted")
	}
	if _, err := store.Get(ctx, "session:user2:a"); err != nil {
		t.Fatalf("expected session:user2:a to survive: %v", err)
	}
}

// orderedStore returns a fixed key order from Scan and fails deletes on
// request, for exercising the best-effort bulk delete path.
type orderedStore struct {
	*storage.MemoryStore
	scanKeys []string
	failKey  string
}

func (os *orderedStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	return os.scanKeys, nil
}

func (os *orderedStore) Delete(ctx context.Context, key string) error {
	if key == os.failKey {
		return errors.New("store unavailable")
	}
	return os.MemoryStore.Delete(ctx, key)
}

func TestStoreBulkDeletePartialFailure(t *testing.T) {
	backing := &orderedStore{
		MemoryStore: storage.NewMemoryStore(),
		scanKeys:    []string{"session:1", "session:2", "session:3"},
		failKey:     "session:2",
	}
	store, err := NewWithStore[sessionRecord](testConfig(), backing)
	if err != nil {
		t.Fatalf("NewWithStore failed: %v", err)
	}
	defer store.Close()

	deleted := store.BulkDelete(context.Background(), func(string) bool { return true })
	if deleted != 1 {
		t.Fatalf("expected count of 1 successful delete before the failure, got %d", deleted)
	}
}

type countingStore struct {
	*storage.MemoryStore
	gets int64
}

func (cs *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	atomic.AddInt64(&cs.gets, 1)
	time.Sleep(20 * time.Millisecond)
	return cs.MemoryStore.Get(ctx, key)
}

func TestStoreMissCoalescing(t *testing.T) {
	backing := &countingStore{MemoryStore: storage.NewMemoryStore()}
	backing.MemoryStore.Set(context.Background(), "session:1", []byte(`{"user":"alice","version":1}`), 0)

	store, err := NewWithStore[sessionRecord](testConfig(), backing)
	if err != nil {
		t.Fatalf("NewWithStore failed: %v", err)
	}
	defer store.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Get(context.Background(), "session:1"); err != nil {
				t.Errorf("Get failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if gets := atomic.LoadInt64(&backing.gets); gets != 1 {
		t.Fatalf("expected concurrent misses to coalesce into 1 fetch, got %d", gets)
	}
}

func TestStoreLocalCacheDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.LocalCacheEnabled = false
	store, backing := newMemoryBacked(t, cfg)
	ctx := context.Background()

	store.Set(ctx, "session:1", sessionRecord{User: "alice"})
	backing.Delete(ctx, "session:1")

	// With no local cache, the read must go to the backing store and miss.
	if _, err := store.Get(ctx, "session:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound with caching disabled, got %v", err)
	}
}

func TestStoreStats(t *testing.T) {
	store, _ := newMemoryBacked(t, testConfig())
	ctx := context.Background()

	store.Set(ctx, "session:1", sessionRecord{User: "alice"})
	store.Get(ctx, "session:1") // hit
	store.Get(ctx, "session:absent")
	store.Get(ctx, "session:absent")

	stats := store.Stats()
	if stats.Cache.Hits != 1 {
		t.Fatalf("expected 1 hit, got %d", stats.Cache.Hits)
	}
	if stats.Cache.Misses != 2 {
		t.Fatalf("expected 2 misses, got %d", stats.Cache.Misses)
	}
	if stats.Cache.Size != 1 {
		t.Fatalf("expected size 1, got %d", stats.Cache.Size)
	}

	store.ResetStats()
	stats = store.Stats()
	if stats.Cache.Hits != 0 || stats.Cache.Misses != 0 {
		t.Fatalf("expected zeroed counters, got %+v", stats.Cache)
	}
	if stats.Cache.Size != 1 {
		t.Fatal("ResetStats must not drop cached entries")
	}
}

func TestStoreClosed(t *testing.T) {
	store, _ := newMemoryBacked(t, testConfig())
	ctx := context.Background()

	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}

	if _, err := store.Get(ctx, "session:1"); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
	if err := store.Set(ctx, "session:1", sessionRecord{}); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
	if err := store.Ping(ctx); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}

func TestStorePingDelegates(t *testing.T) {
	store, _ := newMemoryBacked(t, testConfig())
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

// Write path must succeed even when the broadcast channel is unreachable:
// publishing an invalidation is an optimization, not a correctness
// requirement for the local node.
func TestStoreWriteSucceedsWithUnreachableBroadcast(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = true
	cfg.RedisAddr = "127.0.0.1:1"
	cfg.ReconnectBackoff = 10 * time.Millisecond

	backing := storage.NewMemoryStore()
	store, err := NewWithStore[sessionRecord](cfg, backing)
	if err != nil {
		t.Fatalf("NewWithStore failed: %v", err)
	}
	defer store.Close()

	if !store.ClusterRunning() {
		t.Fatal("coordinator should be running (and retrying) despite the dead channel")
	}

	ctx := context.Background()
	want := sessionRecord{User: "alice", Version: 7}
	if err := store.Set(ctx, "session:1", want); err != nil {
		t.Fatalf("Set must not fail on broadcast errors: %v", err)
	}
	got, err := store.Get(ctx, "session:1")
	if err != nil || got != want {
		t.Fatalf("expected %+v, got %+v (err=%v)", want, got, err)
	}

	if err := store.Delete(ctx, "session:1"); err != nil {
		t.Fatalf("Delete must not fail on broadcast errors: %v", err)
	}
}

func newClusteredNode(t *testing.T, mr *miniredis.Miniredis, nodeID string) *ClusteredStore[sessionRecord] {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backing := storage.NewRedisStoreFromClient(client)

	cfg := testConfig()
	cfg.Enabled = true
	cfg.NodeID = nodeID
	cfg.ReconnectBackoff = 50 * time.Millisecond

	store, err := NewWithStore[sessionRecord](cfg, backing)
	if err != nil {
		t.Fatalf("NewWithStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStoreCrossNodeInvalidation(t *testing.T) {
	mr := miniredis.RunT(t)
	nodeA := newClusteredNode(t, mr, "node-a")
	nodeB := newClusteredNode(t, mr, "node-b")
	ctx := context.Background()

	if err := nodeA.Set(ctx, "session:1", sessionRecord{User: "alice", Version: 1}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Populate node B's local cache.
	if got, err := nodeB.Get(ctx, "session:1"); err != nil || got.Version != 1 {
		t.Fatalf("node B initial read failed: %+v (err=%v)", got, err)
	}

	// Node A updates the session; node B's cached copy must be invalidated
	// and the next read must observe version 2.
	waitFor(t, func() bool {
		if err := nodeA.Set(ctx, "session:1", sessionRecord{User: "alice", Version: 2}); err != nil {
			return false
		}
		got, err := nodeB.Get(ctx, "session:1")
		return err == nil && got.Version == 2
	}, "node B should observe version 2 after node A's invalidation")
}

func TestStoreCrossNodeDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	nodeA := newClusteredNode(t, mr, "node-a")
	nodeB := newClusteredNode(t, mr, "node-b")
	ctx := context.Background()

	nodeA.Set(ctx, "session:1", sessionRecord{User: "alice"})
	if _, err := nodeB.Get(ctx, "session:1"); err != nil {
		t.Fatalf("node B initial read failed: %v", err)
	}

	if err := nodeA.Delete(ctx, "session:1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	waitFor(t, func() bool {
		_, err := nodeB.Get(ctx, "session:1")
		return errors.Is(err, ErrNotFound)
	}, "node B should stop serving the deleted session")
}

func TestStoreCrossNodeClear(t *testing.T) {
	mr := miniredis.RunT(t)
	nodeA := newClusteredNode(t, mr, "node-a")
	nodeB := newClusteredNode(t, mr, "node-b")
	ctx := context.Background()

	for _, key := range []string{"session:1", "session:2", "session:3"} {
		nodeA.Set(ctx, key, sessionRecord{User: "u"})
		if _, err := nodeB.Get(ctx, key); err != nil {
			t.Fatalf("node B read of %s failed: %v", key, err)
		}
	}

	if err := nodeA.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	waitFor(t, func() bool {
		return nodeB.Stats().Cache.Size == 0
	}, "node B's local cache should be emptied after node A's clear")

	if _, err := nodeB.Get(ctx, "session:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after cluster-wide clear, got %v", err)
	}
}

func TestStoreSelfEchoDoesNotEvict(t *testing.T) {
	mr := miniredis.RunT(t)
	node := newClusteredNode(t, mr, "node-a")
	ctx := context.Background()

	if err := node.Set(ctx, "session:1", sessionRecord{User: "alice"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Give the node's own broadcast time to come back around the channel.
	time.Sleep(200 * time.Millisecond)

	node.ResetStats()
	if _, err := node.Get(ctx, "session:1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stats := node.Stats(); stats.Cache.Hits != 1 {
		t.Fatalf("own echo must not evict the just-written entry, stats: %+v", stats.Cache)
	}
}
