package cache

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/audience-reach/pkg/reach"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// setupTestRedis starts an in-memory Redis for unit tests. Integration tests
// use a real Redis container instead.
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestNewRedisBackend_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedisBackend should panic with nil redis client")
		}
	}()
	NewRedisBackend(nil)
}

func TestRedisBackend_SetAndGet(t *testing.T) {
	client, mr := setupTestRedis(t)
	backend := NewRedisBackend(client)
	ctx := context.Background()

	key := ResolveKey(reach.Unit{Identifier: "90210", Region: "US"})
	storedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	value := reach.ResolvedKey{Key: "US:90210", Label: "Beverly Hills", Region: "US"}

	if err := backend.Set(ctx, key, value, storedAt, 10*time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if ttl := mr.TTL(key.RedisKey()); ttl != 10*time.Minute {
		t.Errorf("Redis TTL = %v, want 10m", ttl)
	}

	entry, err := backend.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !entry.StoredAt.Equal(storedAt) {
		t.Errorf("StoredAt = %v, want %v", entry.StoredAt, storedAt)
	}

	var got reach.ResolvedKey
	if err := json.Unmarshal(entry.Value, &got); err != nil {
		t.Fatalf("Unmarshal value: %v", err)
	}
	if got != value {
		t.Errorf("value = %+v, want %+v", got, value)
	}
}

func TestRedisBackend_Get_CacheMiss(t *testing.T) {
	client, _ := setupTestRedis(t)
	backend := NewRedisBackend(client)

	_, err := backend.Get(context.Background(), ResolveKey(reach.Unit{Identifier: "00000", Region: "US"}))
	if err != ErrCacheMiss {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
}

func TestRedisBackend_Get_InvalidEntry(t *testing.T) {
	client, mr := setupTestRedis(t)
	backend := NewRedisBackend(client)
	key := ResolveKey(reach.Unit{Identifier: "1", Region: "US"})

	if err := mr.Set(key.RedisKey(), "not json"); err != nil {
		t.Fatal(err)
	}
	if _, err := backend.Get(context.Background(), key); err == nil {
		t.Error("expected error for corrupt entry")
	}
}

func TestRedisBackend_Set_NoRemainingTTL(t *testing.T) {
	client, mr := setupTestRedis(t)
	backend := NewRedisBackend(client)
	key := ResolveKey(reach.Unit{Identifier: "1", Region: "US"})

	if err := backend.Set(context.Background(), key, "v", time.Now(), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if mr.Exists(key.RedisKey()) {
		t.Error("entry without remaining validity should not be stored")
	}
}

func TestRedisBackend_Delete(t *testing.T) {
	client, _ := setupTestRedis(t)
	backend := NewRedisBackend(client)
	ctx := context.Background()
	key := ResolveKey(reach.Unit{Identifier: "1", Region: "US"})

	if err := backend.Set(ctx, key, "v", time.Now(), time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := backend.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := backend.Get(ctx, key); err != ErrCacheMiss {
		t.Errorf("Expected ErrCacheMiss after delete, got %v", err)
	}
}
