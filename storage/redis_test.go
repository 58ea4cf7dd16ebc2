package storage

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStoreSetGet(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "session:1", []byte(`{"user":"alice"}`), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, err := store.Get(ctx, "session:1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != `{"user":"alice"}` {
		t.Fatalf("unexpected value: %s", val)
	}
}

func TestRedisStoreGetMissing(t *testing.T) {
	store, _ := setupRedisStore(t)

	_, err := store.Get(context.Background(), "session:absent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisStoreSetWithTTL(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "session:1", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := store.Get(ctx, "session:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestRedisStoreDelete(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()

	store.Set(ctx, "session:1", []byte("v"), 0)
	if err := store.Delete(ctx, "session:1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "session:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting a missing key is not an error.
	if err := store.Delete(ctx, "session:absent"); err != nil {
		t.Fatalf("Delete of missing key failed: %v", err)
	}
}

func TestRedisStoreScan(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()

	store.Set(ctx, "session:1", []byte("a"), 0)
	store.Set(ctx, "session:2", []byte("b"), 0)
	store.Set(ctx, "other:1", []byte("c"), 0)

	keys, err := store.Scan(ctx, "session:")
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "session:1" || keys[1] != "session:2" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestRedisStorePing(t *testing.T) {
	store, mr := setupRedisStore(t)

	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	mr.Close()
	if err := store.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping to fail after server shutdown")
	}
}

func TestNewRedisStoreUnreachable(t *testing.T) {
	if _, err := NewRedisStore("127.0.0.1:1", "", 0); err == nil {
		t.Fatal("expected connection error")
	}
}
