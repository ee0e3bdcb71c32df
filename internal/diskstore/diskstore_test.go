package diskstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/arxcache/pagecache/internal/entry"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pagecache.db")
	s := Open(path, nil)
	if !s.Enabled() {
		t.Fatal("expected store to open successfully")
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenDisabledOnBadPath(t *testing.T) {
	s := Open("/nonexistent-dir/does/not/exist/pagecache.db", nil)
	if s.Enabled() {
		t.Fatal("expected a disabled store for an unopenable path")
	}
	if _, err := s.Get("k"); err == nil {
		t.Error("expected ErrUnavailable from a disabled store")
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	s := openTemp(t)
	e := &entry.Entry{
		Data:      []byte(`{"x":1}`),
		Timestamp: time.Now().UnixMilli(),
		ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
		Priority:  42,
		SizeBytes: 50,
		Tags:      map[string]bool{"route:/a": true},
	}
	if err := s.Set("k1", e, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := s.Get("k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || string(got.Data) != `{"x":1}` {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestInvalidateByTags(t *testing.T) {
	s := openTemp(t)
	a := &entry.Entry{Data: []byte("1"), Tags: map[string]bool{"page:dashboard": true}}
	b := &entry.Entry{Data: []byte("2"), Tags: map[string]bool{"page:settings": true}}
	_ = s.Set("a", a, 0)
	_ = s.Set("b", b, 0)

	removed, err := s.InvalidateByTags([]string{"page:dashboard"})
	if err != nil {
		t.Fatalf("InvalidateByTags: %v", err)
	}
	if len(removed) != 1 || removed[0] != "a" {
		t.Fatalf("expected only 'a' removed, got %v", removed)
	}

	if got, _ := s.Get("b"); got == nil {
		t.Error("expected 'b' to survive")
	}
	if got, _ := s.Get("a"); got != nil {
		t.Error("expected 'a' to be gone")
	}
}

func TestGetExpiredKeys(t *testing.T) {
	s := openTemp(t)
	now := time.Now()
	expired := &entry.Entry{Data: []byte("1"), ExpiresAt: now.Add(-time.Hour).UnixMilli()}
	fresh := &entry.Entry{Data: []byte("2"), ExpiresAt: now.Add(time.Hour).UnixMilli()}
	_ = s.Set("expired", expired, 0)
	_ = s.Set("fresh", fresh, 0)

	keys, err := s.GetExpiredKeys(now)
	if err != nil {
		t.Fatalf("GetExpiredKeys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "expired" {
		t.Fatalf("expected only 'expired', got %v", keys)
	}
}

func TestDeleteRemovesFromAllIndexes(t *testing.T) {
	s := openTemp(t)
	e := &entry.Entry{
		Data:      []byte("1"),
		Timestamp: 1000,
		ExpiresAt: 2000,
		Priority:  10,
		Tags:      map[string]bool{"route:/x": true},
	}
	_ = s.Set("k", e, 0)
	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	removed, err := s.InvalidateByTags([]string{"route:/x"})
	if err != nil {
		t.Fatalf("InvalidateByTags: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("expected tag index cleaned up after delete, got %v", removed)
	}

	keys, err := s.getAllKeys()
	if err != nil {
		t.Fatalf("getAllKeys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no keys remaining, got %v", keys)
	}
}

func TestGetSizeTracksOverwritesAndDeletes(t *testing.T) {
	s := openTemp(t)
	_ = s.Set("k", &entry.Entry{Data: []byte("1"), SizeBytes: 100}, 0)
	if got := s.GetSize(); got != 100 {
		t.Fatalf("expected size 100 after first set, got %d", got)
	}

	_ = s.Set("k", &entry.Entry{Data: []byte("2"), SizeBytes: 40}, 0)
	if got := s.GetSize(); got != 40 {
		t.Fatalf("expected size 40 after overwrite, got %d", got)
	}

	_ = s.Set("other", &entry.Entry{Data: []byte("3"), SizeBytes: 60}, 0)
	if got := s.GetSize(); got != 100 {
		t.Fatalf("expected size 100 after second key, got %d", got)
	}

	_ = s.Delete("k")
	if got := s.GetSize(); got != 60 {
		t.Fatalf("expected size 60 after delete, got %d", got)
	}

	removed, err := s.InvalidateByTags([]string{"nonexistent"})
	if err != nil || len(removed) != 0 {
		t.Fatalf("expected no-op invalidate, got %v err %v", removed, err)
	}
	if got := s.GetSize(); got != 60 {
		t.Fatalf("expected size unchanged after no-op invalidate, got %d", got)
	}
}

func TestCleanupEvictsLowestPriorityFirst(t *testing.T) {
	s := openTemp(t)
	low := &entry.Entry{Data: []byte("1"), Priority: 5, SizeBytes: 100}
	high := &entry.Entry{Data: []byte("2"), Priority: 90, SizeBytes: 100}
	_ = s.Set("low", low, 0)
	_ = s.Set("high", high, 150)

	if got, _ := s.Get("low"); got != nil {
		t.Error("expected low-priority entry evicted to satisfy maxBytes")
	}
	if got, _ := s.Get("high"); got == nil {
		t.Error("expected pinned high-priority entry to survive")
	}
}
