package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"github.com/arxcache/pagecache/internal/entry"
	"github.com/arxcache/pagecache/internal/refresh"
)

// Refresher is the narrow slice of refresh.Scheduler the Transport needs
// to hand off a stale navigation hit for backoff-and-retry revalidation
// instead of the fire-and-forget goroutine it otherwise falls back to.
type Refresher interface {
	ScheduleRefresh(route string, callback refresh.Callback, pageType entry.PageType, contentType entry.ContentType, updateCallback refresh.UpdateCallback)
}

const navigationTimeout = 3 * time.Second
const staleAge = 5 * time.Minute

// cachedResponse is what gets stored in the ristretto byte caches: a
// fully-buffered response, since ristretto cannot hold a live
// http.Response body.
type cachedResponse struct {
	status  int
	header  http.Header
	body    []byte
	stored  time.Time
	stale   bool
}

func (c *cachedResponse) toHTTPResponse(req *http.Request) *http.Response {
	header := c.header.Clone()
	return &http.Response{
		StatusCode: c.status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(c.body)),
		Request:    req,
	}
}

// Transport is an http.RoundTripper implementing the fetch-interception
// strategy table: pass-through, build-asset bypass, download rewriting,
// external pass-through, API network-first, navigation, and static
// cache-first.
type Transport struct {
	next http.RoundTripper

	staticCache  *ristretto.Cache
	dynamicCache *ristretto.Cache
	staticLabel  string
	dynamicLabel string

	buildAssetPrefix string
	apiPrefix        string
	sameOrigin       string

	runtime   *Runtime
	refresher Refresher
	logger    *zap.Logger

	offline func() bool
}

// NewTransport builds a Transport wrapping next (http.DefaultTransport if
// nil), labeling its two response caches pagecache-static-v<version> and
// pagecache-dynamic-v<version>. refresher may be nil, in which case a
// stale navigation hit is revalidated by a plain unsupervised goroutine
// instead of the scheduler's backoff/dedup/rate-limit policy.
func NewTransport(next http.RoundTripper, version int, sameOrigin, apiPrefix, buildAssetPrefix string, runtime *Runtime, refresher Refresher, offline func() bool, logger *zap.Logger) (*Transport, error) {
	if next == nil {
		next = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if offline == nil {
		offline = func() bool { return false }
	}

	staticCache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("worker: static cache init: %w", err)
	}
	dynamicCache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("worker: dynamic cache init: %w", err)
	}

	t := &Transport{
		next:             next,
		staticCache:      staticCache,
		dynamicCache:     dynamicCache,
		staticLabel:      fmt.Sprintf("pagecache-static-v%d", version),
		dynamicLabel:     fmt.Sprintf("pagecache-dynamic-v%d", version),
		buildAssetPrefix: buildAssetPrefix,
		apiPrefix:        apiPrefix,
		sameOrigin:       sameOrigin,
		runtime:          runtime,
		refresher:        refresher,
		logger:           logger,
		offline:          offline,
	}

	logger.Debug("worker: response caches initialized",
		zap.String("static", t.staticLabel),
		zap.String("dynamic", t.dynamicLabel))

	return t, nil
}

// Close releases the underlying ristretto caches.
func (t *Transport) Close() {
	t.staticCache.Close()
	t.dynamicCache.Close()
}

const ctxKeyNavigation ctxKey = "navigation"

type ctxKey string

// WithNavigation marks req's context as a top-level navigation request,
// the Go equivalent of a fetch event's navigation request mode.
func WithNavigation(req *http.Request) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), ctxKeyNavigation, true))
}

func isNavigation(req *http.Request) bool {
	v, _ := req.Context().Value(ctxKeyNavigation).(bool)
	return v
}

// RoundTrip applies the strategy table, first match wins.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return t.next.RoundTrip(req)
	}

	if strings.HasPrefix(req.URL.Path, t.buildAssetPrefix) {
		return t.next.RoundTrip(req)
	}

	if req.URL.Query().Get("download") != "" {
		return t.handleDownload(req)
	}

	if req.URL.Host != "" && req.URL.Host != t.sameOrigin {
		return t.next.RoundTrip(req)
	}

	if strings.HasPrefix(req.URL.Path, t.apiPrefix) {
		return t.handleAPI(req)
	}

	if isNavigation(req) {
		return t.handleNavigation(req)
	}

	return t.handleStatic(req)
}

func (t *Transport) handleDownload(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
		resp.Header.Set("Content-Type", contentType)
	}

	filename := req.URL.Query().Get("filename")
	if filename == "" {
		filename = "download." + extensionForContentType(contentType)
	}
	resp.Header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sanitizeFilename(filename)))
	return resp, nil
}

var contentTypeExtensions = map[string]string{
	"application/pdf":  "pdf",
	"application/msword": "doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"application/vnd.ms-powerpoint":                                            "ppt",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "pptx",
	"application/vnd.openxmlformats-officedocument.presentationml.slideshow":    "ppsx",
}

func extensionForContentType(contentType string) string {
	base := strings.SplitN(contentType, ";", 2)[0]
	if ext, ok := contentTypeExtensions[strings.TrimSpace(base)]; ok {
		return ext
	}
	return "bin"
}

func sanitizeFilename(name string) string {
	return strings.ReplaceAll(name, `"`, "")
}

func (t *Transport) handleAPI(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		if cached, ok := t.lookup(t.dynamicCache, req.URL); ok {
			return cached.toHTTPResponse(req), nil
		}
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		t.storeResponse(t.dynamicCache, req.URL, resp)
	}
	return resp, nil
}

func (t *Transport) handleStatic(req *http.Request) (*http.Response, error) {
	if cached, ok := t.lookup(t.staticCache, req.URL); ok {
		return cached.toHTTPResponse(req), nil
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		t.storeResponse(t.staticCache, req.URL, resp)
	}
	return resp, nil
}

func (t *Transport) handleNavigation(req *http.Request) (*http.Response, error) {
	key := "page:" + req.URL.Path
	var record *cachedResponse
	if t.runtime != nil {
		if e, err := t.runtime.store.Get(key); err == nil && e != nil {
			record = &cachedResponse{status: http.StatusOK, header: http.Header{}, body: e.Data, stored: time.UnixMilli(e.Timestamp), stale: e.Stale}
		}
	}

	if t.offline() {
		if record != nil {
			return record.toHTTPResponse(req), nil
		}
		return emergencyShell(req), nil
	}

	if record != nil && (record.stale || time.Since(record.stored) > staleAge) {
		if t.refresher != nil {
			t.refresher.ScheduleRefresh(req.URL.Path, t.revalidateCallback(req, key), entry.PageOther, entry.ContentGeneric, nil)
		} else {
			go t.backgroundRevalidate(req, key)
		}
		return record.toHTTPResponse(req), nil
	}

	ctx, cancel := context.WithTimeout(req.Context(), navigationTimeout)
	defer cancel()
	resp, err := t.next.RoundTrip(req.WithContext(ctx))
	if err != nil {
		if record != nil {
			return record.toHTTPResponse(req), nil
		}
		return emergencyShell(req), nil
	}
	if resp.StatusCode == http.StatusOK {
		t.storeResponse(t.dynamicCache, req.URL, resp)
	}
	return resp, nil
}

// revalidateCallback builds the refresh.Callback used to hand a stale
// navigation hit to the Scheduler: it performs the network fetch,
// write-behinds into the dynamic response cache and broadcasts
// cache-updated itself (Transport's own dynamic cache is distinct from
// whatever CacheManager tier the Scheduler's CacheWriter ultimately
// writes through), and returns the body as a json.RawMessage so the
// Scheduler's CacheWriter.Set can marshal it unchanged. Non-JSON bodies
// will fail that marshal; callers of this path are expected to serve a
// JSON page-state representation, matching the rest of the system's
// data model.
func (t *Transport) revalidateCallback(req *http.Request, key string) refresh.Callback {
	return func(ctx context.Context) (any, error) {
		resp, err := t.next.RoundTrip(req.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("worker: revalidate %s: unexpected status %d", req.URL.Path, resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		cached := &cachedResponse{status: resp.StatusCode, header: resp.Header.Clone(), body: body, stored: time.Now()}
		t.dynamicCache.Set(req.URL.String(), cached, int64(len(body)))
		if t.runtime != nil {
			t.runtime.NotifyUpdated(key, "network")
		}
		return json.RawMessage(body), nil
	}
}

func (t *Transport) backgroundRevalidate(req *http.Request, key string) {
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return
	}
	if resp.StatusCode == http.StatusOK {
		t.storeResponse(t.dynamicCache, req.URL, resp)
		if t.runtime != nil {
			t.runtime.NotifyUpdated(key, "network")
		}
	}
}

func emergencyShell(req *http.Request) *http.Response {
	body := []byte("<html><body>Offline</body></html>")
	header := http.Header{"Content-Type": []string{"text/html"}, "Cache-Control": []string{"no-store"}}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Request:    req,
	}
}

func (t *Transport) lookup(cache *ristretto.Cache, u *url.URL) (*cachedResponse, bool) {
	v, ok := cache.Get(u.String())
	if !ok {
		return nil, false
	}
	cached, ok := v.(*cachedResponse)
	return cached, ok
}

func (t *Transport) storeResponse(cache *ristretto.Cache, u *url.URL, resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	cached := &cachedResponse{
		status: resp.StatusCode,
		header: resp.Header.Clone(),
		body:   body,
		stored: time.Now(),
	}
	cache.Set(u.String(), cached, int64(len(body)))
	// ristretto applies Set asynchronously; wait so the next lookup sees it.
	cache.Wait()
}
