package cache

import "time"

// DefaultTTL is how long a cached value stays valid.
const DefaultTTL = 24 * time.Hour

// Entry is a cached value with its insertion time.
type Entry[T any] struct {
	Value    T         `json:"value"`
	StoredAt time.Time `json:"stored_at"`
}

// IsExpired reports whether the entry is no longer valid at now.
// An entry is valid iff now - StoredAt < ttl.
func (e Entry[T]) IsExpired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.StoredAt) >= ttl
}

// TTL returns the remaining validity at now, or 0 if already expired.
func (e Entry[T]) TTL(now time.Time, ttl time.Duration) time.Duration {
	remaining := e.StoredAt.Add(ttl).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
