// Package entry defines the cache entry data model shared by every tier
// of pagecache: the in-process MemoryStore, the durable PersistentStore,
// and the background worker's own store.
package entry

import "time"

// PageType is the closed set of route classifications used for priority
// scoring and tagging.
type PageType string

const (
	PageDashboard     PageType = "dashboard"
	PageProfile       PageType = "profile"
	PageTimetable     PageType = "timetable"
	PageSettings      PageType = "settings"
	PagePublicProfile PageType = "public-profile"
	PageOther         PageType = "other"
)

// Score returns the fixed pageType contribution to priority computation.
func (p PageType) Score() float64 {
	switch p {
	case PageDashboard:
		return 100
	case PageProfile:
		return 90
	case PageTimetable:
		return 70
	case PageSettings:
		return 60
	case PagePublicProfile:
		return 50
	default:
		return 30
	}
}

// ContentType is the closed set of content classifications.
type ContentType string

const (
	ContentUserGenerated ContentType = "user-generated"
	ContentPersonalized  ContentType = "personalized"
	ContentGeneric       ContentType = "generic"
)

// Score returns the fixed contentType contribution to priority computation.
func (c ContentType) Score() float64 {
	switch c {
	case ContentUserGenerated:
		return 100
	case ContentPersonalized:
		return 70
	default:
		return 30
	}
}

// Source records where an entry's data last came from.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourcePrefetch Source = "prefetch"
)

// Metadata is the bookkeeping half of an Entry: everything that is not the
// payload itself.
type Metadata struct {
	CreatedAt         int64       `json:"createdAt"`
	LastAccessedAt    int64       `json:"lastAccessedAt"`
	AccessCount       int         `json:"accessCount"`
	Source            Source      `json:"source"`
	PageType          PageType    `json:"pageType"`
	ContentType       ContentType `json:"contentType"`
	HasUnsavedChanges bool        `json:"hasUnsavedChanges"`
	Route             string      `json:"route"`
}

// Entry is a single cache record for one key. Data is stored as raw JSON so
// that MemoryStore and PersistentStore can hold entries of heterogeneous
// payload types (page data, component state, response bodies) behind one
// concrete type; typed callers marshal/unmarshal at the CacheManager
// boundary with encoding/json.
type Entry struct {
	Data      []byte          `json:"data"`
	Timestamp int64           `json:"timestamp"`
	ExpiresAt int64           `json:"expiresAt"`
	Priority  float64         `json:"priority"`
	SizeBytes int             `json:"sizeBytes"`
	Tags      map[string]bool `json:"tags"`
	Stale     bool            `json:"stale"`
	Metadata  Metadata        `json:"metadata"`
}

// Clone returns a deep copy of e, so that a promoted or evicted entry never
// shares the Data byte slice or Tags map with its source.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	out.Data = append([]byte(nil), e.Data...)
	out.Tags = make(map[string]bool, len(e.Tags))
	for k, v := range e.Tags {
		out.Tags[k] = v
	}
	return &out
}

// Expired reports whether e is past its hard expiry at instant now.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt < now.UnixMilli()
}

// Pinned reports whether e is exempt from routine eviction: priority above
// 80 or unsaved changes pending. Only explicit invalidate/clear may remove
// a pinned entry.
func (e *Entry) Pinned() bool {
	return e.Priority > 80 || e.Metadata.HasUnsavedChanges
}

// TagSet builds the {route, page, content} tag set generated by
// CacheManager.Set for a given route/pageType/contentType triple.
func TagSet(route string, pt PageType, ct ContentType) map[string]bool {
	return map[string]bool{
		"route:" + route:     true,
		"page:" + string(pt): true,
		"content:" + string(ct): true,
	}
}

// NowMillis is the single place entry-aware packages read wall clock time,
// so tests can stub it without a fake-clock abstraction threaded
// everywhere.
var NowMillis = func() int64 { return time.Now().UnixMilli() }
