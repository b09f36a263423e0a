package cache

import (
	"sync"
	"time"
)

// Table is an in-memory expiring map. Expired entries are evicted lazily on
// read; there is no background sweeper.
type Table[T any] struct {
	name string
	ttl  time.Duration
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry[T]
}

// NewTable creates a table. ttl <= 0 selects DefaultTTL.
func NewTable[T any](name string, ttl time.Duration, now func() time.Time) *Table[T] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Table[T]{
		name:    name,
		ttl:     ttl,
		now:     now,
		entries: make(map[string]Entry[T]),
	}
}

// Get returns the value for key if present and still valid.
func (t *Table[T]) Get(key string) (T, bool) {
	now := t.now()

	t.mu.RLock()
	entry, ok := t.entries[key]
	t.mu.RUnlock()

	if !ok {
		var zero T
		return zero, false
	}
	if entry.IsExpired(now, t.ttl) {
		t.mu.Lock()
		// Re-check: a concurrent Put may have refreshed the entry.
		if current, ok := t.entries[key]; ok && current.IsExpired(now, t.ttl) {
			delete(t.entries, key)
		}
		size := len(t.entries)
		t.mu.Unlock()
		CacheEntries.WithLabelValues(t.name).Set(float64(size))

		var zero T
		return zero, false
	}
	return entry.Value, true
}

// Put stores value under key, stamped with the current time.
func (t *Table[T]) Put(key string, value T) {
	t.PutEntry(key, Entry[T]{Value: value, StoredAt: t.now()})
}

// PutEntry stores an entry keeping its original StoredAt.
func (t *Table[T]) PutEntry(key string, entry Entry[T]) {
	t.mu.Lock()
	t.entries[key] = entry
	size := len(t.entries)
	t.mu.Unlock()
	CacheEntries.WithLabelValues(t.name).Set(float64(size))
}

// Len returns the number of stored entries, including expired ones not yet
// evicted.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// TTL returns the table's validity period.
func (t *Table[T]) TTL() time.Duration {
	return t.ttl
}
