package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/audience-reach/pkg/reach"
)

// backendTimeout bounds each Redis tier operation.
const backendTimeout = 2 * time.Second

// Estimate is a cached audience estimate.
type Estimate struct {
	Range reach.Range `json:"range"`

	// Simplified is true if the estimate used the reduced envelope.
	Simplified bool `json:"simplified,omitempty"`
}

// Stats reports cache effectiveness.
type Stats struct {
	ResolveHits     int64 `json:"resolve_hits"`
	ResolveMisses   int64 `json:"resolve_misses"`
	EstimateHits    int64 `json:"estimate_hits"`
	EstimateMisses  int64 `json:"estimate_misses"`
	ResolveEntries  int   `json:"resolve_entries"`
	EstimateEntries int   `json:"estimate_entries"`
}

// ResolutionCache memoizes geography lookups and estimates for the lifetime
// of a process, optionally backed by a second tier. Only successful values
// are stored. Concurrent misses for the same key share one remote call.
type ResolutionCache struct {
	resolved  *Table[reach.ResolvedKey]
	estimates *Table[Estimate]

	ttl     time.Duration
	backend Backend
	now     func() time.Time
	logger  zerolog.Logger
	group   singleflight.Group

	resolveHits    atomic.Int64
	resolveMisses  atomic.Int64
	estimateHits   atomic.Int64
	estimateMisses atomic.Int64
}

// Option configures a ResolutionCache.
type Option func(*ResolutionCache)

// WithBackend adds a second cache tier.
func WithBackend(b Backend) Option {
	return func(c *ResolutionCache) { c.backend = b }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *ResolutionCache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *ResolutionCache) { c.logger = logger }
}

// New creates a cache whose entries stay valid for ttl (DefaultTTL if <= 0).
func New(ttl time.Duration, opts ...Option) *ResolutionCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &ResolutionCache{
		ttl:    ttl,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.resolved = NewTable[reach.ResolvedKey](TableResolve, ttl, c.now)
	c.estimates = NewTable[Estimate](TableEstimate, ttl, c.now)
	return c
}

// GetOrResolve returns the cached key for unit, calling fn on a miss.
// hit is true if no remote call was made by this caller.
func (c *ResolutionCache) GetOrResolve(ctx context.Context, unit reach.Unit, fn func(context.Context) (reach.ResolvedKey, error)) (key reach.ResolvedKey, hit bool, err error) {
	key, hit, err = getOrLoad(ctx, c, c.resolved, ResolveKey(unit), fn)
	if err == nil {
		if hit {
			c.resolveHits.Add(1)
		} else {
			c.resolveMisses.Add(1)
		}
	}
	return key, hit, err
}

// GetOrEstimate returns the cached estimate for (key, fingerprint), calling
// fn on a miss.
func (c *ResolutionCache) GetOrEstimate(ctx context.Context, key reach.ResolvedKey, fingerprint string, fn func(context.Context) (Estimate, error)) (est Estimate, hit bool, err error) {
	est, hit, err = getOrLoad(ctx, c, c.estimates, EstimateKey(key, fingerprint), fn)
	if err == nil {
		if hit {
			c.estimateHits.Add(1)
		} else {
			c.estimateMisses.Add(1)
		}
	}
	return est, hit, err
}

// Stats returns hit/miss counters and table sizes.
func (c *ResolutionCache) Stats() Stats {
	return Stats{
		ResolveHits:     c.resolveHits.Load(),
		ResolveMisses:   c.resolveMisses.Load(),
		EstimateHits:    c.estimateHits.Load(),
		EstimateMisses:  c.estimateMisses.Load(),
		ResolveEntries:  c.resolved.Len(),
		EstimateEntries: c.estimates.Len(),
	}
}

type loaded[T any] struct {
	value T
	layer string
}

func getOrLoad[T any](ctx context.Context, c *ResolutionCache, table *Table[T], key CacheKey, fn func(context.Context) (T, error)) (T, bool, error) {
	k := key.String()
	if v, ok := table.Get(k); ok {
		CacheHits.WithLabelValues(key.Table, "memory").Inc()
		return v, true, nil
	}

	executed := false
	res, err, _ := c.group.Do(k, func() (any, error) {
		executed = true
		if v, ok := table.Get(k); ok {
			return loaded[T]{value: v, layer: "memory"}, nil
		}
		if entry, ok := loadBackend[T](ctx, c, key); ok {
			table.PutEntry(k, entry)
			return loaded[T]{value: entry.Value, layer: "redis"}, nil
		}

		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		entry := Entry[T]{Value: v, StoredAt: c.now()}
		table.PutEntry(k, entry)
		c.storeBackend(ctx, key, entry.Value, entry.StoredAt)
		return loaded[T]{value: v}, nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}

	l := res.(loaded[T])
	layer := l.layer
	if !executed {
		layer = "shared"
	}
	if layer == "" {
		CacheMisses.WithLabelValues(key.Table).Inc()
		return l.value, false, nil
	}
	CacheHits.WithLabelValues(key.Table, layer).Inc()
	c.logger.Debug().Str("key", k).Str("layer", layer).Msg("Cache hit")
	return l.value, true, nil
}

func loadBackend[T any](ctx context.Context, c *ResolutionCache, key CacheKey) (Entry[T], bool) {
	var entry Entry[T]
	if c.backend == nil {
		return entry, false
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backendTimeout)
	defer cancel()

	raw, err := c.backend.Get(ctx, key)
	if errors.Is(err, ErrCacheMiss) {
		return entry, false
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache backend read failed")
		return entry, false
	}

	entry.StoredAt = raw.StoredAt
	if entry.IsExpired(c.now(), c.ttl) {
		return entry, false
	}
	if err := json.Unmarshal(raw.Value, &entry.Value); err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache backend entry invalid")
		return entry, false
	}
	return entry, true
}

func (c *ResolutionCache) storeBackend(ctx context.Context, key CacheKey, value any, storedAt time.Time) {
	if c.backend == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backendTimeout)
	defer cancel()

	remaining := Entry[any]{StoredAt: storedAt}.TTL(c.now(), c.ttl)
	if err := c.backend.Set(ctx, key, value, storedAt, remaining); err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache backend write failed")
	}
}
