package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/arxcache/pagecache/internal/diskstore"
	"github.com/arxcache/pagecache/internal/entry"
	"github.com/arxcache/pagecache/internal/worker"
)

// newPrefetchFunc builds the worker.PrefetchFunc used during Install and
// CACHE_WARM: it fetches originBaseURL+route and stores the response
// body directly into the worker's own store under "page:"+route. An
// empty originBaseURL makes every prefetch a no-op success, so a daemon
// run without a configured origin still installs cleanly.
//
// client is read through clientOf rather than taken directly because the
// worker.Runtime (which needs this PrefetchFunc to construct) must exist
// before the worker.Transport (which needs the Runtime) can be built, so
// the *http.Client wrapping that Transport isn't available yet at the
// point this closure is created — only by the time it's first called.
func newPrefetchFunc(clientOf func() *http.Client, originBaseURL string, store *diskstore.Store, logger *zap.Logger) worker.PrefetchFunc {
	return func(route string) error {
		if originBaseURL == "" {
			return nil
		}

		resp, err := clientOf().Get(originBaseURL + route)
		if err != nil {
			return fmt.Errorf("pagecached: prefetch %s: %w", route, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("pagecached: prefetch %s: unexpected status %d", route, resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("pagecached: prefetch %s: %w", route, err)
		}

		now := time.Now()
		e := &entry.Entry{
			Data:      body,
			Timestamp: now.UnixMilli(),
			Metadata: entry.Metadata{
				CreatedAt:      now.UnixMilli(),
				LastAccessedAt: now.UnixMilli(),
				Source:         entry.SourcePrefetch,
				Route:          route,
			},
		}
		if err := store.Set("page:"+route, e, 0); err != nil {
			logger.Warn("pagecached: prefetch store failed", zap.String("route", route), zap.Error(err))
			return err
		}
		return nil
	}
}
