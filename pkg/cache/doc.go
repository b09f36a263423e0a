// Package cache memoizes geography resolutions and audience estimates.
//
// The cache has two tables:
//
//   - resolve: (region, identifier) -> resolved geography key
//   - estimate: (resolved key, targeting fingerprint) -> estimate range
//
// Entries are valid while now - StoredAt < TTL (24h by default) and are
// evicted lazily on read. Only successful values are stored, so a failed
// lookup is retried on the next request. Concurrent misses for the same key
// are coalesced into one remote call.
//
// # Basic Usage
//
//	c := cache.New(24 * time.Hour)
//
//	key, hit, err := c.GetOrResolve(ctx, unit, func(ctx context.Context) (reach.ResolvedKey, error) {
//		return apiClient.Resolve(ctx, unit)
//	})
//
// # Redis Tier
//
// A RedisBackend makes entries survive process restarts. Redis entries expire
// with the remaining validity of the in-memory entry, so a value never lives
// longer than its TTL in either tier.
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	c := cache.New(ttl, cache.WithBackend(cache.NewRedisBackend(redisClient)))
//
// Backend failures are logged and treated as misses.
//
// # Metrics
//
//   - reach_cache_hits_total{table,layer} - hits by table and layer (memory, redis, shared)
//   - reach_cache_misses_total{table} - misses that required a remote call
//   - reach_cache_entries{table} - in-memory entries
//   - reach_cache_errors_total{operation} - Redis tier errors
package cache
