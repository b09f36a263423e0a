package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Backend is a second cache tier that survives process restarts.
type Backend interface {
	// Get returns the raw entry stored under key, or ErrCacheMiss.
	Get(ctx context.Context, key CacheKey) (*Entry[json.RawMessage], error)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key CacheKey, value any, storedAt time.Time, ttl time.Duration) error
	// Delete removes key.
	Delete(ctx context.Context, key CacheKey) error
}

// RedisBackend stores JSON entries in Redis with a Redis TTL equal to the
// entry's remaining validity.
type RedisBackend struct {
	redis *redis.Client
}

// NewRedisBackend creates a Redis cache tier.
func NewRedisBackend(redisClient *redis.Client) *RedisBackend {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisBackend{
		redis: redisClient,
	}
}

// Get implements Backend.
func (b *RedisBackend) Get(ctx context.Context, key CacheKey) (*Entry[json.RawMessage], error) {
	data, err := b.redis.Get(ctx, key.RedisKey()).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry[json.RawMessage]
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}

// Set implements Backend. Entries with no remaining validity are not stored.
func (b *RedisBackend) Set(ctx context.Context, key CacheKey, value any, storedAt time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache value: %w", err)
	}
	data, err := json.Marshal(Entry[json.RawMessage]{Value: raw, StoredAt: storedAt})
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := b.redis.Set(ctx, key.RedisKey(), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (b *RedisBackend) Delete(ctx context.Context, key CacheKey) error {
	if err := b.redis.Del(ctx, key.RedisKey()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
