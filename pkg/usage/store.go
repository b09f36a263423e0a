package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists remote usage so several processes can share one quota view.
type Store interface {
	// Save stores the latest observation.
	Save(ctx context.Context, u *RemoteUsage) error
	// Load returns the stored observation, or nil if there is none.
	Load(ctx context.Context) (*RemoteUsage, error)
}

// RedisKeyRemoteUsage is the default key of the shared observation.
const RedisKeyRemoteUsage = "reach:usage:remote"

// RedisStore keeps the shared observation in Redis.
type RedisStore struct {
	redis *redis.Client
	key   string
	ttl   time.Duration
}

// NewRedisStore creates a Redis-backed usage store. Entries expire after ttl
// (DefaultStaleAfter when ttl <= 0), matching the tracker's staleness rule.
func NewRedisStore(redisClient *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultStaleAfter
	}
	return &RedisStore{
		redis: redisClient,
		key:   RedisKeyRemoteUsage,
		ttl:   ttl,
	}
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, u *RemoteUsage) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal remote usage: %w", err)
	}
	if err := s.redis.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store remote usage in redis: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context) (*RemoteUsage, error) {
	data, err := s.redis.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get remote usage: %w", err)
	}

	var u RemoteUsage
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("parse remote usage: %w", err)
	}
	return &u, nil
}
