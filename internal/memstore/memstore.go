// Package memstore implements the fast in-process tier of pagecache's
// two-tier cache: a bounded map with LRU-plus-priority eviction, TTL,
// stale marking, and a tag index (container/list-free because eviction
// needs a priority+recency sort rather than pure LRU order).
package memstore

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arxcache/pagecache/internal/entry"
	"github.com/arxcache/pagecache/internal/pcerrors"
)

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	Entries   int
	Bytes     int
	Hits      uint64
	Misses    uint64
	HitRate   float64
	Evictions uint64
}

// Store is the bounded in-process cache tier.
type Store struct {
	mu sync.RWMutex

	entries    map[string]*entry.Entry
	tagIndex   map[string]map[string]bool // tag -> set of keys
	totalBytes int

	maxBytes int
	staleTTL time.Duration

	hits, misses, evictions uint64

	logger *zap.Logger
}

// New builds a MemoryStore bounded at maxBytes, marking entries stale
// once they are older than staleTTL.
func New(maxBytes int, staleTTL time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		entries:  make(map[string]*entry.Entry),
		tagIndex: make(map[string]map[string]bool),
		maxBytes: maxBytes,
		staleTTL: staleTTL,
		logger:   logger,
	}
}

// Get returns a deep copy of the entry for key, updating access
// bookkeeping. If the entry is past ExpiresAt and allowExpired is false,
// Get returns (nil, false) without deleting the entry, so that an
// offline-mode caller can still retrieve it moments later through
// Get(key, true) or via promotion from the persistent tier.
func (s *Store) Get(key string, allowExpired bool) (*entry.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.misses++
		return nil, false
	}

	now := time.Now()
	if e.Expired(now) && !allowExpired {
		s.misses++
		return nil, false
	}

	e.Metadata.LastAccessedAt = now.UnixMilli()
	e.Metadata.AccessCount++
	s.hits++

	return e.Clone(), true
}

// Set inserts or overwrites the entry for key, updates the tag index and
// size accounting, and evicts down to maxBytes if the write pushed the
// store over budget. The entry just written is evicted only if dropping
// every other unpinned entry does not restore the bound.
func (s *Store) Set(key string, e *entry.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := e.Clone()
	s.removeLocked(key)

	s.entries[key] = stored
	s.totalBytes += stored.SizeBytes
	s.indexTagsLocked(key, stored.Tags)

	if s.totalBytes > s.maxBytes {
		s.evictLocked(s.maxBytes, func(c *entry.Entry) bool { return c == stored })
		s.evictLocked(s.maxBytes, nil)
	}
}

// Delete removes key unconditionally.

func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
}

// InvalidateByTags removes every entry whose tag set intersects tags.
func (s *Store) InvalidateByTags(tags []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	toDelete := make(map[string]bool)
	for _, tag := range tags {
		for key := range s.tagIndex[tag] {
			toDelete[key] = true
		}
	}
	removed := make([]string, 0, len(toDelete))
	for key := range toDelete {
		s.removeLocked(key)
		removed = append(removed, key)
	}
	return removed
}

// Clear empties the store.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry.Entry)
	s.tagIndex = make(map[string]map[string]bool)
	s.totalBytes = 0
}

// MarkStaleEntries flags every entry older than staleTTL as stale and
// returns the affected keys.
func (s *Store) MarkStaleEntries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	var affected []string
	for key, e := range s.entries {
		if !e.Stale && now-e.Timestamp > s.staleTTL.Milliseconds() {
			e.Stale = true
			affected = append(affected, key)
		}
	}
	return affected
}

// Evict forces eviction down to target bytes, used by CacheManager under
// memory pressure.
func (s *Store) Evict(target int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(target, nil)
}

// EvictProtected forces eviction down to target bytes, additionally
// exempting any entry for which protect returns true (on top of the
// unconditional priority>80/hasUnsavedChanges pin). Used by CacheManager
// during memory-pressure cleanup to apply recent-route protection; plain
// Evict and the automatic on-Set eviction in §4.B carry no such
// protection.
func (s *Store) EvictProtected(target int, protect func(e *entry.Entry) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(target, protect)
}

// GetStats returns a point-in-time snapshot of store statistics.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := s.hits + s.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(s.hits) / float64(total)
	}

	return Stats{
		Entries:   len(s.entries),
		Bytes:     s.totalBytes,
		Hits:      s.hits,
		Misses:    s.misses,
		HitRate:   hitRate,
		Evictions: s.evictions,
	}
}

// ListedEntry pairs a key with its entry, returned by List for operator
// tooling (pagecachectl list) that needs to see more than the aggregate
// Stats.
type ListedEntry struct {
	Key   string
	Entry *entry.Entry
}

// List returns a snapshot of every entry currently held in memory.
// Ordering is unspecified; callers that need a stable order should sort.
func (s *Store) List() []ListedEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ListedEntry, 0, len(s.entries))
	for k, e := range s.entries {
		out = append(out, ListedEntry{Key: k, Entry: e.Clone()})
	}
	return out
}

// TotalBytes reports the current size accounting without touching hit
// statistics (used by CacheManager's quota and invariant checks).
func (s *Store) TotalBytes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalBytes
}

func (s *Store) removeLocked(key string) {
	e, ok := s.entries[key]
	if !ok {
		return
	}
	s.totalBytes -= e.SizeBytes
	delete(s.entries, key)
	for tag := range e.Tags {
		if set, ok := s.tagIndex[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(s.tagIndex, tag)
			}
		}
	}
}

func (s *Store) indexTagsLocked(key string, tags map[string]bool) {
	for tag := range tags {
		set, ok := s.tagIndex[tag]
		if !ok {
			set = make(map[string]bool)
			s.tagIndex[tag] = set
		}
		set[key] = true
	}
}

// evictLocked drops unpinned entries lowest-priority-first (ties broken
// by least recently accessed) until total bytes is at or below target,
// or until every remaining entry is pinned. protect, if non-nil, exempts
// additional entries (e.g. recent-route protection) on top of the
// unconditional Pinned() rule.
func (s *Store) evictLocked(target int, protect func(e *entry.Entry) bool) {
	if s.totalBytes <= target {
		return
	}

	type candidate struct {
		key string
		e   *entry.Entry
	}
	candidates := make([]candidate, 0, len(s.entries))
	for key, e := range s.entries {
		if e.Pinned() {
			continue
		}
		if protect != nil && protect(e) {
			continue
		}
		candidates = append(candidates, candidate{key, e})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].e.Priority != candidates[j].e.Priority {
			return candidates[i].e.Priority < candidates[j].e.Priority
		}
		return candidates[i].e.Metadata.LastAccessedAt < candidates[j].e.Metadata.LastAccessedAt
	})

	for _, c := range candidates {
		if s.totalBytes <= target {
			return
		}
		s.removeLocked(c.key)
		s.evictions++
	}

	if s.totalBytes > target {
		s.logger.Warn(pcerrors.ErrPressureUnmet.Error(),
			zap.Int("target", target), zap.Int("remaining", s.totalBytes))
	}
}
