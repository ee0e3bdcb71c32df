// Package server exposes pagecached's HTTP control surface: a small
// chi-routed API standing in for the message-protocol a browser
// extension would expose via postMessage, reused here as the actual
// over-the-wire contract between pagecachectl and pagecached.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arxcache/pagecache/internal/cachemanager"
	"github.com/arxcache/pagecache/internal/entry"
	"github.com/arxcache/pagecache/internal/flags"
	"github.com/arxcache/pagecache/internal/metrics"
	"github.com/arxcache/pagecache/internal/worker"
)

// Server wires the CacheManager, FeatureFlags evaluator, metrics
// registry and the background worker runtime onto chi routes.
type Server struct {
	manager *cachemanager.Manager
	flags   *flags.Evaluator
	metrics *metrics.Registry
	runtime *worker.Runtime
	logger  *zap.Logger
}

// New builds a Server. runtime may be nil, in which case /v1/warm only
// acknowledges intent instead of actually forwarding it to a background
// worker.
func New(manager *cachemanager.Manager, evaluator *flags.Evaluator, reg *metrics.Registry, runtime *worker.Runtime, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{manager: manager, flags: evaluator, metrics: reg, runtime: runtime, logger: logger}
}

// Routes builds the router: GET/POST /v1/cache/{key}, POST
// /v1/invalidate, POST /v1/warm, GET /v1/flags/{flag}, GET /v1/stats,
// GET /v1/entries, GET /metrics, GET /healthz.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registerer(), promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/cache/*", s.handleGetCache)
		r.Post("/cache/*", s.handleSetCache)
		r.Post("/invalidate", s.handleInvalidate)
		r.Post("/warm", s.handleWarm)
		r.Get("/flags/{flag}", s.handleFlag)
		r.Get("/stats", s.handleStats)
		r.Get("/entries", s.handleEntries)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetCache(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	e, ok := s.manager.Get(key)
	if !ok {
		if s.metrics != nil {
			s.metrics.RecordMiss()
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if s.metrics != nil {
		s.metrics.RecordHit()
	}
	writeJSON(w, http.StatusOK, e)
}

type setCacheRequest struct {
	Data        json.RawMessage    `json:"data"`
	Route       string             `json:"route"`
	PageType    entry.PageType     `json:"pageType"`
	ContentType entry.ContentType  `json:"contentType"`
	TTLSeconds  int                `json:"ttlSeconds"`
}

func (s *Server) handleSetCache(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")

	var req setCacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var payload any
	if err := json.Unmarshal(req.Data, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload: " + err.Error()})
		return
	}

	err := s.manager.Set(key, payload, cachemanager.SetParams{
		Route:       req.Route,
		PageType:    req.PageType,
		ContentType: req.ContentType,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

type invalidateRequest struct {
	Keys []string `json:"keys"`
	Tags []string `json:"tags"`
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.manager.Invalidate(req.Keys, req.Tags)
	if s.runtime != nil {
		if len(req.Tags) > 0 {
			s.runtime.Send(worker.Message{
				Type:       worker.MsgCacheInvalidate,
				Invalidate: &worker.CacheInvalidatePayload{Tags: req.Tags},
			})
		}
		for _, key := range req.Keys {
			s.runtime.Send(worker.Message{
				Type:       worker.MsgCacheInvalidate,
				Invalidate: &worker.CacheInvalidatePayload{Key: key},
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// warmRequest's Routes distinguishes an omitted field (warm the worker's
// default route list) from an explicit empty array (warm nothing),
// matching worker.CacheWarmPayload's own pointer semantics.
type warmRequest struct {
	Routes *[]string `json:"routes"`
}

func (s *Server) handleWarm(w http.ResponseWriter, r *http.Request) {
	var req warmRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}

	if s.runtime == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "warm requested, no worker runtime attached"})
		return
	}

	s.runtime.Send(worker.Message{Type: worker.MsgCacheWarm, Warm: &worker.CacheWarmPayload{Routes: req.Routes}})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "warm requested"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.manager.Stats()
	resp := map[string]any{
		"entries":   stats.Entries,
		"bytes":     stats.Bytes,
		"hits":      stats.Hits,
		"misses":    stats.Misses,
		"hitRate":   stats.HitRate,
		"evictions": stats.Evictions,
	}
	if quota := s.manager.CheckStorageQuota(); quota != nil {
		resp["quota"] = quota
	}
	writeJSON(w, http.StatusOK, resp)
}

type entrySummary struct {
	Key         string          `json:"key"`
	Route       string          `json:"route"`
	PageType    entry.PageType  `json:"pageType"`
	ContentType entry.ContentType `json:"contentType"`
	SizeBytes   int             `json:"sizeBytes"`
	Priority    float64         `json:"priority"`
	Stale       bool            `json:"stale"`
	ExpiresAt   int64           `json:"expiresAt"`
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	listed := s.manager.ListEntries()
	out := make([]entrySummary, 0, len(listed))
	for _, le := range listed {
		out = append(out, entrySummary{
			Key:         le.Key,
			Route:       le.Entry.Metadata.Route,
			PageType:    le.Entry.Metadata.PageType,
			ContentType: le.Entry.Metadata.ContentType,
			SizeBytes:   le.Entry.SizeBytes,
			Priority:    le.Entry.Priority,
			Stale:       le.Entry.Stale,
			ExpiresAt:   le.Entry.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFlag(w http.ResponseWriter, r *http.Request) {
	flag := chi.URLParam(r, "flag")
	ctx := flagsContext(r)
	enabled := s.flags.Evaluate(flag, ctx)
	writeJSON(w, http.StatusOK, map[string]any{"flag": flag, "enabled": enabled})
}

func flagsContext(r *http.Request) flags.Context {
	q := r.URL.Query()
	return flags.Context{
		UserID:      q.Get("userId"),
		Groups:      q["group"],
		Environment: q.Get("environment"),
		SessionID:   q.Get("sessionId"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
