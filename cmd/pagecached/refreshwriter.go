package main

import (
	"github.com/arxcache/pagecache/internal/cachemanager"
	"github.com/arxcache/pagecache/internal/refresh"
)

// cacheWriterAdapter satisfies refresh.CacheWriter over a
// *cachemanager.Manager: the two packages' SetParams types are
// structurally identical but nominally distinct (refresh intentionally
// does not import cachemanager, to avoid a future import cycle if
// CacheManager ever wants to trigger scheduling directly), so this is
// the shim that bridges them.
type cacheWriterAdapter struct {
	manager *cachemanager.Manager
}

func (a cacheWriterAdapter) Set(key string, data any, params refresh.SetParams) error {
	return a.manager.Set(key, data, cachemanager.SetParams{
		Route:       params.Route,
		PageType:    params.PageType,
		ContentType: params.ContentType,
		TTL:         params.TTL,
	})
}
