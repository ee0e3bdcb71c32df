package memstore

import (
	"testing"
	"time"

	"github.com/arxcache/pagecache/internal/entry"
)

func makeEntry(priority float64, size int, lastAccessed int64, tags map[string]bool) *entry.Entry {
	now := time.Now().UnixMilli()
	return &entry.Entry{
		Data:      []byte(`"v"`),
		Timestamp: now,
		ExpiresAt: now + 1000*60*60,
		Priority:  priority,
		SizeBytes: size,
		Tags:      tags,
		Metadata:  entry.Metadata{LastAccessedAt: lastAccessed},
	}
}

func TestSetAndGetRoundTrip(t *testing.T) {
	s := New(10_000, time.Hour, nil)
	s.Set("a", makeEntry(50, 100, time.Now().UnixMilli(), map[string]bool{"route:/a": true}))

	got, ok := s.Get("a", false)
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got.Data) != `"v"` {
		t.Errorf("unexpected data: %s", got.Data)
	}
}

func TestEvictionOrderByPriorityThenRecency(t *testing.T) {
	s := New(250, time.Hour, nil)
	s.Set("old-low", makeEntry(10, 100, 1, nil))
	s.Set("new-low", makeEntry(10, 100, 2, nil))
	s.Set("high", makeEntry(90 /* pinned */, 100, 3, nil))

	// three entries of 100 bytes each = 300 > 250, eviction should drop
	// the least-priority, least-recent entry first ("old-low"); "high"
	// is pinned and must survive.
	if _, ok := s.Get("old-low", false); ok {
		t.Error("expected old-low to be evicted first")
	}
	if _, ok := s.Get("high", false); !ok {
		t.Error("expected pinned high-priority entry to survive")
	}
}

func TestExpiredEntryNotDeletedUntilAllowExpiredQueried(t *testing.T) {
	s := New(10_000, time.Hour, nil)
	e := makeEntry(50, 10, time.Now().UnixMilli(), nil)
	e.ExpiresAt = time.Now().UnixMilli() - 1000
	s.Set("expired", e)

	if _, ok := s.Get("expired", false); ok {
		t.Error("expected miss for expired entry without allowExpired")
	}
	got, ok := s.Get("expired", true)
	if !ok {
		t.Fatal("expected expired entry still retrievable with allowExpired=true")
	}
	if got == nil {
		t.Fatal("expected a non-nil entry")
	}
}

func TestInvalidateByTags(t *testing.T) {
	s := New(10_000, time.Hour, nil)
	s.Set("a", makeEntry(10, 10, 1, map[string]bool{"route:/a": true, "page:dashboard": true}))
	s.Set("b", makeEntry(10, 10, 1, map[string]bool{"route:/b": true}))

	removed := s.InvalidateByTags([]string{"page:dashboard"})
	if len(removed) != 1 || removed[0] != "a" {
		t.Errorf("expected only 'a' removed, got %v", removed)
	}
	if _, ok := s.Get("b", false); !ok {
		t.Error("expected 'b' to survive unrelated tag invalidation")
	}
}

func TestMarkStaleEntries(t *testing.T) {
	s := New(10_000, 10*time.Millisecond, nil)
	s.Set("a", makeEntry(10, 10, time.Now().UnixMilli(), nil))

	time.Sleep(20 * time.Millisecond)
	stale := s.MarkStaleEntries()
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale entry, got %d", len(stale))
	}

	got, _ := s.Get("a", false)
	if !got.Stale {
		t.Error("expected entry to be marked stale")
	}
}

func TestSizeBoundRestoredAfterEviction(t *testing.T) {
	s := New(1000, time.Hour, nil)
	s.Set("a", makeEntry(10, 210, time.Now().UnixMilli(), map[string]bool{"route:/a": true}))
	s.Set("b", makeEntry(10, 400, time.Now().UnixMilli(), map[string]bool{"route:/b": true}))
	s.Set("c", makeEntry(10, 400, time.Now().UnixMilli(), map[string]bool{"route:/c": true}))

	if got := s.TotalBytes(); got > 1000 {
		t.Errorf("expected bytes <= 1000 after cleanup, got %d", got)
	}
	if _, ok := s.Get("c", false); !ok {
		t.Error("expected most recently written entry to survive")
	}
}
