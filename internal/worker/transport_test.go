package worker

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func newTransport(t *testing.T, next http.RoundTripper) *Transport {
	t.Helper()
	tr, err := NewTransport(next, 1, "example.com", "/api/", "/_next/", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	t.Cleanup(tr.Close)
	return tr
}

func mustRequest(t *testing.T, rawurl string) *http.Request {
	t.Helper()
	u, err := url.Parse(rawurl)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return &http.Request{Method: http.MethodGet, URL: u, Host: u.Host}
}

func TestNonGETPassesThrough(t *testing.T) {
	called := false
	tr := newTransport(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		called = true
		return httptest.NewRecorder().Result(), nil
	}))

	req := mustRequest(t, "https://example.com/api/x")
	req.Method = http.MethodPost
	if _, err := tr.RoundTrip(req); err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	if !called {
		t.Error("expected non-GET to pass straight through")
	}
}

func TestBuildAssetBypassesCache(t *testing.T) {
	hits := 0
	tr := newTransport(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		hits++
		rec := httptest.NewRecorder()
		rec.WriteHeader(http.StatusOK)
		return rec.Result(), nil
	}))

	req := mustRequest(t, "https://example.com/_next/static/chunk.js")
	_, _ = tr.RoundTrip(req)
	_, _ = tr.RoundTrip(req)

	if hits != 2 {
		t.Errorf("expected every build-asset request to hit network, got %d hits", hits)
	}
}

func TestStaticStrategyCachesOn200(t *testing.T) {
	hits := 0
	tr := newTransport(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		hits++
		rec := httptest.NewRecorder()
		rec.WriteHeader(http.StatusOK)
		_, _ = rec.WriteString("hello")
		return rec.Result(), nil
	}))

	req := mustRequest(t, "https://example.com/logo.png")
	resp1, err := tr.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	resp1.Body.Close()

	resp2, err := tr.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	resp2.Body.Close()

	if hits != 1 {
		t.Errorf("expected second request to be served from cache, got %d network hits", hits)
	}
}

func TestAPIStrategyFallsBackToCacheOnNetworkError(t *testing.T) {
	first := true
	tr := newTransport(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if first {
			first = false
			rec := httptest.NewRecorder()
			rec.WriteHeader(http.StatusOK)
			_, _ = rec.WriteString(`{"ok":true}`)
			return rec.Result(), nil
		}
		return nil, errors.New("network down")
	}))

	req := mustRequest(t, "https://example.com/api/data")
	resp1, err := tr.RoundTrip(req)
	if err != nil {
		t.Fatalf("first RoundTrip: %v", err)
	}
	resp1.Body.Close()

	resp2, err := tr.RoundTrip(req)
	if err != nil {
		t.Fatalf("expected fallback to cached API response on network error, got err: %v", err)
	}
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("expected cached 200, got %d", resp2.StatusCode)
	}
}

func TestDownloadHandlerSetsContentDisposition(t *testing.T) {
	tr := newTransport(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		rec := httptest.NewRecorder()
		rec.Header().Set("Content-Type", "application/pdf")
		rec.WriteHeader(http.StatusOK)
		return rec.Result(), nil
	}))

	req := mustRequest(t, "https://example.com/files/report?download=1")
	resp, err := tr.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	disposition := resp.Header.Get("Content-Disposition")
	if disposition == "" {
		t.Fatal("expected Content-Disposition to be set")
	}
	if disposition != `attachment; filename="download.pdf"` {
		t.Errorf("unexpected Content-Disposition: %s", disposition)
	}
}

func TestExternalOriginPassesThrough(t *testing.T) {
	called := false
	tr := newTransport(t, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		called = true
		rec := httptest.NewRecorder()
		rec.WriteHeader(http.StatusOK)
		return rec.Result(), nil
	}))

	req := mustRequest(t, "https://other.example/page")
	if _, err := tr.RoundTrip(req); err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	if !called {
		t.Error("expected external origin to bypass interception")
	}
}

func TestExtensionForContentType(t *testing.T) {
	cases := map[string]string{
		"application/pdf":  "pdf",
		"application/msword": "doc",
		"text/plain":         "bin",
	}
	for ct, want := range cases {
		if got := extensionForContentType(ct); got != want {
			t.Errorf("extensionForContentType(%q) = %q, want %q", ct, got, want)
		}
	}
}
