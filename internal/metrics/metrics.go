// Package metrics defines the Prometheus registry and collectors
// published by pagecached on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arxcache/pagecache/internal/cachemanager"
	"github.com/arxcache/pagecache/internal/memstore"
)

// Registry bundles every pagecache collector on one *prometheus.Registry,
// separate from the default global registry so a daemon embedding this
// package never collides with a host process's own metrics.
type Registry struct {
	reg *prometheus.Registry

	hits       prometheus.Counter
	misses     prometheus.Counter
	evictions  prometheus.Counter
	entries    prometheus.Gauge
	bytesUsed  prometheus.Gauge
	hitRate    prometheus.Gauge
	quotaUsed  prometheus.Gauge
	quotaTotal prometheus.Gauge
	setsTotal  prometheus.Counter
}

// New builds a Registry with all pagecache_cache_* collectors
// registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		hits: factory.NewCounter(prometheus.CounterOpts{
			Name: "pagecache_cache_hits_total",
			Help: "Total number of memory-tier cache hits.",
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Name: "pagecache_cache_misses_total",
			Help: "Total number of memory-tier cache misses.",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "pagecache_cache_evictions_total",
			Help: "Total number of entries evicted from the memory tier.",
		}),
		entries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pagecache_cache_entries",
			Help: "Current number of entries in the memory tier.",
		}),
		bytesUsed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pagecache_cache_bytes",
			Help: "Current estimated byte size of the memory tier.",
		}),
		hitRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pagecache_cache_hit_rate",
			Help: "Memory-tier hit rate over the process lifetime.",
		}),
		quotaUsed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pagecache_storage_quota_used_bytes",
			Help: "Bytes used on the filesystem backing the persistent store.",
		}),
		quotaTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pagecache_storage_quota_total_bytes",
			Help: "Total capacity of the filesystem backing the persistent store.",
		}),
		setsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pagecache_cache_sets_total",
			Help: "Total number of CacheManager.Set calls.",
		}),
	}
}

// Registerer exposes the underlying registry for the HTTP /metrics
// handler.
func (r *Registry) Registerer() *prometheus.Registry { return r.reg }

// Observe implements cachemanager.Monitor, recording a snapshot after
// every Set.
func (r *Registry) Observe(stats memstore.Stats, quota *cachemanager.Quota) {
	r.setsTotal.Inc()
	r.entries.Set(float64(stats.Entries))
	r.bytesUsed.Set(float64(stats.Bytes))
	r.hitRate.Set(stats.HitRate)

	if quota != nil {
		r.quotaUsed.Set(float64(quota.Usage))
		r.quotaTotal.Set(float64(quota.Capacity))
	}
}

// RecordHit increments the hit counter; called by the HTTP handler layer
// alongside each CacheManager.Get that found an entry.
func (r *Registry) RecordHit() { r.hits.Inc() }

// RecordMiss increments the miss counter.
func (r *Registry) RecordMiss() { r.misses.Inc() }

// RecordEviction increments the eviction counter.
func (r *Registry) RecordEviction() { r.evictions.Inc() }

var _ cachemanager.Monitor = (*Registry)(nil)
