package worker

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/arxcache/pagecache/internal/diskstore"
)

func openTestStore(t *testing.T) *diskstore.Store {
	t.Helper()
	s := diskstore.Open(filepath.Join(t.TempDir(), "worker.db"), nil)
	if !s.Enabled() {
		t.Fatal("expected worker store to open")
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	store := openTestStore(t)
	r := New(store, []string{"/static/app.js"}, []string{"/dashboard"}, func(route string) error { return nil }, nil)
	return r
}

func TestInstallTransitionsToActive(t *testing.T) {
	r := newTestRuntime(t)
	if err := r.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if r.State() != StateActive {
		t.Errorf("expected active state, got %s", r.State())
	}
}

func TestInstallFailsOnStaticAssetPrefetchFailure(t *testing.T) {
	store := openTestStore(t)
	r := New(store, []string{"/static/app.js"}, nil, func(route string) error {
		return errBoom
	}, nil)

	if err := r.Install(); err == nil {
		t.Fatal("expected install to fail when a static asset prefetch fails")
	}
	if r.State() == StateActive {
		t.Error("expected install failure to prevent reaching active state")
	}
}

func TestCacheSetThenGetRoundTrip(t *testing.T) {
	r := newTestRuntime(t)
	go r.Run()
	defer r.Stop()

	r.Send(Message{Type: MsgCacheSet, Set: &CacheSetPayload{Key: "page:/x", CacheEntry: []byte(`{"a":1}`)}})

	reply := make(chan Message, 1)
	r.Send(Message{Type: MsgCacheGet, Get: &CacheGetPayload{Key: "page:/x", RequestID: "r1"}, Reply: reply})

	select {
	case msg := <-reply:
		if !msg.GetResponse.Found {
			t.Error("expected found=true")
		}
		if string(msg.GetResponse.CacheEntry) != `{"a":1}` {
			t.Errorf("unexpected payload: %s", msg.GetResponse.CacheEntry)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CACHE_GET_RESPONSE")
	}
}

func TestBroadcastReachesSubscribersRegisteredAfterInstall(t *testing.T) {
	r := newTestRuntime(t)
	_ = r.Install()

	_, ch := r.Subscribe()

	r.NotifyUpdated("page:/dashboard", "network")

	select {
	case b := <-ch:
		if b.Type != MsgCacheUpdated || b.Updated.Key != "page:/dashboard" {
			t.Errorf("unexpected broadcast: %+v", b)
		}
	case <-time.After(time.Second):
		t.Fatal("expected broadcast to reach subscriber")
	}
}

func TestCacheWarmBroadcastsCompleteOnPartialSuccess(t *testing.T) {
	store := openTestStore(t)
	calls := 0
	r := New(store, nil, []string{"/a", "/b"}, func(route string) error {
		calls++
		if route == "/b" {
			return errBoom
		}
		return nil
	}, nil)
	go r.Run()
	defer r.Stop()

	_, ch := r.Subscribe()
	r.Send(Message{Type: MsgCacheWarm, Warm: &CacheWarmPayload{}})

	select {
	case b := <-ch:
		if b.Type != MsgCacheWarmComplete {
			t.Fatalf("expected CACHE_WARM_COMPLETE, got %s", b.Type)
		}
		if b.Warm.SuccessCount != 1 || b.Warm.FailureCount != 1 {
			t.Errorf("expected 1 success and 1 failure, got %+v", b.Warm)
		}
	case <-time.After(time.Second):
		t.Fatal("expected warm-complete broadcast")
	}
}

// TestCacheWarmWithExplicitEmptyRoutesWarmsNothing matches Testable
// Property #12: an explicit empty route list must not fall back to the
// installed default list.
func TestCacheWarmWithExplicitEmptyRoutesWarmsNothing(t *testing.T) {
	store := openTestStore(t)
	calls := 0
	r := New(store, nil, []string{"/a", "/b"}, func(route string) error {
		calls++
		return nil
	}, nil)
	go r.Run()
	defer r.Stop()

	_, ch := r.Subscribe()
	r.Send(Message{Type: MsgCacheWarm, Warm: &CacheWarmPayload{Routes: &[]string{}}})

	select {
	case b := <-ch:
		if b.Type != MsgCacheWarmComplete {
			t.Fatalf("expected CACHE_WARM_COMPLETE, got %s", b.Type)
		}
		if b.Warm.SuccessCount != 0 || b.Warm.FailureCount != 0 {
			t.Errorf("expected 0 success and 0 failure, got %+v", b.Warm)
		}
	case <-time.After(time.Second):
		t.Fatal("expected warm-complete broadcast")
	}

	if calls != 0 {
		t.Errorf("expected no prefetches for an explicit empty route list, got %d", calls)
	}
}

func TestCacheInvalidateByKey(t *testing.T) {
	r := newTestRuntime(t)
	go r.Run()
	defer r.Stop()

	r.Send(Message{Type: MsgCacheSet, Set: &CacheSetPayload{Key: "page:/tagged", CacheEntry: []byte("1")}})
	time.Sleep(10 * time.Millisecond)

	r.Send(Message{Type: MsgCacheInvalidate, Invalidate: &CacheInvalidatePayload{Key: "page:/tagged"}})
	time.Sleep(10 * time.Millisecond)

	reply := make(chan Message, 1)
	r.Send(Message{Type: MsgCacheGet, Get: &CacheGetPayload{Key: "page:/tagged"}, Reply: reply})
	msg := <-reply
	if msg.GetResponse.Found {
		t.Error("expected entry removed after CACHE_INVALIDATE")
	}
}

var errBoom = errors.New("boom")
