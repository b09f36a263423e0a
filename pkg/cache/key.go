package cache

import (
	"strings"

	"github.com/Sternrassler/audience-reach/pkg/reach"
)

// Table names.
const (
	TableResolve  = "resolve"
	TableEstimate = "estimate"
)

// redisPrefix namespaces every key written to the Redis tier.
const redisPrefix = "reach"

// CacheKey identifies one cached value.
type CacheKey struct {
	// Table is the logical table (TableResolve or TableEstimate).
	Table string

	// Parts are the key components in order, e.g. region and identifier.
	Parts []string
}

// ResolveKey is the key of a unit's resolved geography. The region is part
// of the key, so a key resolved for one region never serves another.
func ResolveKey(u reach.Unit) CacheKey {
	return CacheKey{
		Table: TableResolve,
		Parts: []string{strings.ToUpper(strings.TrimSpace(u.Region)), strings.TrimSpace(u.Identifier)},
	}
}

// EstimateKey is the key of an estimate for a resolved key and targeting
// fingerprint.
func EstimateKey(key reach.ResolvedKey, fingerprint string) CacheKey {
	return CacheKey{
		Table: TableEstimate,
		Parts: []string{key.Key, fingerprint},
	}
}

// String generates a deterministic key string.
// Format: table:part1:part2
//
// Example:
//
//	resolve:US:90210
func (k CacheKey) String() string {
	parts := make([]string, 0, len(k.Parts)+1)
	parts = append(parts, k.Table)
	parts = append(parts, k.Parts...)
	return strings.Join(parts, ":")
}

// RedisKey is the namespaced form of the key used by the Redis tier.
func (k CacheKey) RedisKey() string {
	return redisPrefix + ":" + k.String()
}
