package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by table and layer
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reach_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"table", "layer"}, // layer: "memory", "redis", "shared"
	)

	// CacheMisses tracks cache misses by table
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reach_cache_misses_total",
			Help: "Total number of cache misses (remote call required)",
		},
		[]string{"table"},
	)

	// CacheEntries tracks live in-memory entries by table
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reach_cache_entries",
			Help: "Current number of in-memory cache entries",
		},
		[]string{"table"},
	)

	// CacheErrors tracks Redis tier errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reach_cache_errors_total",
			Help: "Total number of cache backend errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
