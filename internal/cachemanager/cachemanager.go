// Package cachemanager orchestrates the memory and persistent cache
// tiers: promotion on read, write-through on set, priority scoring,
// offline-mode policy, and quota probing.
package cachemanager

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arxcache/pagecache/internal/config"
	"github.com/arxcache/pagecache/internal/diskstore"
	"github.com/arxcache/pagecache/internal/entry"
	"github.com/arxcache/pagecache/internal/memstore"
)

const recentRouteLimit = 3

// Quota is the result of a storage-quota probe.
type Quota struct {
	Usage      uint64
	Capacity   uint64
	Percentage float64
}

// Monitor receives a snapshot after every Set, mirroring an optional
// external monitoring collaborator. Implementations must not block.
type Monitor interface {
	Observe(stats memstore.Stats, quota *Quota)
}

// Manager orchestrates the memory and persistent tiers named above.
type Manager struct {
	mu sync.Mutex

	mem  *memstore.Store
	disk *diskstore.Store

	cfg    config.Config
	logger *zap.Logger
	clock  func() time.Time

	offlineMode bool
	recentRoutes []string

	monitor     Monitor
	quotaProber func(dir string) (*Quota, error)
}

// New builds a Manager over an already-constructed memory tier and an
// optional persistent tier (pass a disabled *diskstore.Store, not nil,
// when EnablePersistence is false or Open failed).
func New(mem *memstore.Store, disk *diskstore.Store, cfg config.Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		mem:         mem,
		disk:        disk,
		cfg:         cfg,
		logger:      logger,
		clock:       time.Now,
		quotaProber: probeQuota,
	}
}

// SetMonitor attaches an optional monitoring collaborator.
func (m *Manager) SetMonitor(mon Monitor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitor = mon
}

// Get returns the entry for key, promoting a persistent hit into memory.
// Priority is recomputed on access using current weights.
func (m *Manager) Get(key string) (*entry.Entry, bool) {
	m.mu.Lock()
	offline := m.offlineMode
	m.mu.Unlock()

	if e, ok := m.mem.Get(key, offline); ok {
		if offline && e.Expired(m.clock()) {
			e.Stale = true
		}
		m.touch(e)
		m.mem.Set(key, e)
		return e, true
	}

	if m.cfg.EnablePersistence && m.disk.Enabled() {
		if e, err := m.disk.Get(key); err == nil && e != nil {
			expired := e.Expired(m.clock())
			if !expired || offline {
				if offline && expired {
					e.Stale = true
				}
				m.touch(e)
				m.mem.Set(key, e)
				return e, true
			}
		}
	}

	return nil, false
}

// GetSync is the memory-only variant for synchronous rendering paths.
func (m *Manager) GetSync(key string) (*entry.Entry, bool) {
	m.mu.Lock()
	offline := m.offlineMode
	m.mu.Unlock()
	return m.mem.Get(key, offline)
}

func (m *Manager) touch(e *entry.Entry) {
	e.Priority = m.computePriority(e.Metadata.PageType, e.Metadata.ContentType, e.Metadata.AccessCount, e.Metadata.LastAccessedAt)
}

// SetParams bundles the payload and classification needed to write an
// entry through both tiers.
type SetParams struct {
	Route       string
	PageType    entry.PageType
	ContentType entry.ContentType
	TTL         time.Duration
}

// Set computes priority, constructs an Entry tagged with
// {route, page, content}, and writes it memory-then-persistent.
func (m *Manager) Set(key string, data any, params SetParams) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	ttl := params.TTL
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}

	now := m.clock()
	e := &entry.Entry{
		Data:      payload,
		Timestamp: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
		SizeBytes: len(payload),
		Tags:      entry.TagSet(params.Route, params.PageType, params.ContentType),
		Metadata: entry.Metadata{
			CreatedAt:      now.UnixMilli(),
			LastAccessedAt: now.UnixMilli(),
			AccessCount:    1,
			Source:         entry.SourceNetwork,
			PageType:       params.PageType,
			ContentType:    params.ContentType,
			Route:          params.Route,
		},
	}
	e.Priority = m.computePriority(params.PageType, params.ContentType, 1, now.UnixMilli())

	m.mem.Set(key, e)

	if m.cfg.EnablePersistence && m.disk.Enabled() {
		if err := m.disk.Set(key, e, m.cfg.MaxIndexedDBBytes); err != nil {
			m.logger.Warn("cachemanager: persistent write failed", zap.String("key", key), zap.Error(err))
		}
	}

	m.recordRoute(params.Route)
	m.notifyMonitor()
	return nil
}

func (m *Manager) recordRoute(route string) {
	if route == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.recentRoutes {
		if r == route {
			m.recentRoutes = append(m.recentRoutes[:i], m.recentRoutes[i+1:]...)
			break
		}
	}
	m.recentRoutes = append(m.recentRoutes, route)
	if len(m.recentRoutes) > recentRouteLimit {
		m.recentRoutes = m.recentRoutes[len(m.recentRoutes)-recentRouteLimit:]
	}
}

// Invalidate removes every key in keys and every entry matching any of
// tags, mirrored to both tiers.
func (m *Manager) Invalidate(keys []string, tags []string) {
	for _, key := range keys {
		m.mem.Delete(key)
		if m.disk.Enabled() {
			_ = m.disk.Delete(key)
		}
	}
	if len(tags) > 0 {
		m.mem.InvalidateByTags(tags)
		if m.disk.Enabled() {
			_, _ = m.disk.InvalidateByTags(tags)
		}
	}
}

// Cleanup implements the three-way cleanup policy: memory pressure
// evicts to 50% of budget; offline mode skips TTL sweep but still runs
// persistent size cleanup; otherwise a normal TTL sweep plus adaptive
// reweighting runs. Persistent cleanup always runs.
func (m *Manager) Cleanup(memoryPressure bool) {
	m.mu.Lock()
	offline := m.offlineMode
	m.mu.Unlock()

	switch {
	case memoryPressure:
		m.mem.EvictProtected(m.cfg.MaxMemoryBytes/2, func(e *entry.Entry) bool {
			return e.Metadata.Route != "" && m.IsRecentRoute(e.Metadata.Route)
		})
	case offline:
		// skip routine TTL cleanup to preserve data while offline.
	default:
		m.mem.MarkStaleEntries()
		m.adaptPriorityWeights()
	}

	if m.disk.Enabled() {
		if keys, err := m.disk.GetExpiredKeys(m.clock()); err == nil {
			for _, k := range keys {
				_ = m.disk.Delete(k)
			}
		}
	}
}

// adaptPriorityWeights shifts weight toward frequency by up to +0.1 when
// the measured hit rate is below the configured threshold and the store
// holds enough entries for the signal to be meaningful.
func (m *Manager) adaptPriorityWeights() {
	stats := m.mem.GetStats()
	if stats.Entries <= 10 {
		return
	}
	if stats.HitRate >= m.cfg.MinHitRateForAdaptation {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.cfg.PriorityWeights
	shift := math.Min(0.1, 0.9-w.Frequency)
	if shift <= 0 {
		return
	}
	w.Frequency += shift
	w.Recency -= shift
	if w.Recency < 0 {
		w.Recency = 0
	}
	m.cfg.PriorityWeights = w
}

// SetOfflineMode toggles offline-mode cache policy: while offline, Get
// returns expired entries (the caller sees Stale set on them).
func (m *Manager) SetOfflineMode(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offlineMode = offline
}

// OfflineMode reports the current offline-mode policy, for collaborators
// (such as the worker's fetch interceptor) that need to mirror it.
func (m *Manager) OfflineMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offlineMode
}

// Stats returns the memory tier's point-in-time counters, for operator
// tooling (pagecachectl stats) and the metrics registry alike.
func (m *Manager) Stats() memstore.Stats {
	return m.mem.GetStats()
}

// ListEntries returns a snapshot of every entry currently held in
// memory, for operator tooling (pagecachectl list).
func (m *Manager) ListEntries() []memstore.ListedEntry {
	return m.mem.List()
}

// CheckStorageQuota probes the configured cache directory's filesystem
// and returns usage/capacity/percentage, or nil if the probe is
// unsupported on this platform.
func (m *Manager) CheckStorageQuota() *Quota {
	q, err := m.quotaProber(m.cfg.CacheDir)
	if err != nil {
		m.logger.Debug("cachemanager: quota probe unavailable", zap.Error(err))
		return nil
	}
	if q.Percentage > 80 {
		m.logger.Warn("cachemanager: storage usage above 80%", zap.Float64("percentage", q.Percentage))
	}
	return q
}

// Clear empties both tiers and the recent-routes list.
func (m *Manager) Clear() {
	m.mem.Clear()
	if m.disk.Enabled() {
		// every stored entry expires before the largest representable instant.
		if keys, err := m.disk.GetExpiredKeys(time.UnixMilli(math.MaxInt64)); err == nil {
			for _, k := range keys {
				_ = m.disk.Delete(k)
			}
		}
	}
	m.mu.Lock()
	m.recentRoutes = nil
	m.mu.Unlock()
}

func (m *Manager) notifyMonitor() {
	m.mu.Lock()
	mon := m.monitor
	m.mu.Unlock()
	if mon == nil {
		return
	}
	mon.Observe(m.mem.GetStats(), m.CheckStorageQuota())
}

// computePriority implements the documented scoring formula: a weighted
// blend of frequency, recency, page type, and content type, each in
// [0,100], clamped to [0,100].
func (m *Manager) computePriority(pt entry.PageType, ct entry.ContentType, accessCount int, lastAccessedAt int64) float64 {
	m.mu.Lock()
	w := m.cfg.PriorityWeights
	m.mu.Unlock()

	frequencyScore := math.Min(100, math.Log10(float64(accessCount+1))*50)

	ageHours := float64(m.clock().UnixMilli()-lastAccessedAt) / (1000 * 60 * 60)
	recencyScore := 100 * math.Exp(-ageHours/24)
	if recencyScore < 0 {
		recencyScore = 0
	}
	if recencyScore > 100 {
		recencyScore = 100
	}

	score := w.Frequency*frequencyScore + w.Recency*recencyScore + w.PageType*pt.Score() + w.ContentType*ct.Score()
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// RecentRoutes returns the up-to-3 most recently written routes, most
// recent last.
func (m *Manager) RecentRoutes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.recentRoutes))
	copy(out, m.recentRoutes)
	return out
}

// IsRecentRoute reports whether route appears among the protected recent
// routes (the current route plus up to two neighbors), used by
// memory-pressure cleanup to pin them on top of the ordinary
// priority/hasUnsavedChanges pin. This is distinct from and additional to
// the unconditional eviction triggered inline by Set when a write pushes
// the store over its byte budget, which carries no route awareness.
func (m *Manager) IsRecentRoute(route string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recentRoutes {
		if r == route {
			return true
		}
	}
	return false
}
