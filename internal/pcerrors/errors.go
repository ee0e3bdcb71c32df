// Package pcerrors defines the sentinel error kinds surfaced by
// pagecache's core and the propagation policy around them: everything is
// logged once at its origin; only ErrInvalidPayload is surfaced
// synchronously to a caller. Call sites wrap these sentinels with
// github.com/pkg/errors so %+v printing carries a stack trace.
package pcerrors

import "github.com/pkg/errors"

var (
	// ErrUnavailable means the persistent store could not be opened or
	// is no longer reachable; the caller degrades to memory-only.
	ErrUnavailable = errors.New("pagecache: persistent storage unavailable")

	// ErrQuotaExceeded means a persistent write was rejected because the
	// store is over its configured byte budget.
	ErrQuotaExceeded = errors.New("pagecache: storage quota exceeded")

	// ErrInvalidPayload means a value given to Set cannot be
	// JSON-serialized/cloned. This is the one error surfaced
	// synchronously to callers.
	ErrInvalidPayload = errors.New("pagecache: invalid payload")

	// ErrPressureUnmet means eviction could not reach its target because
	// too many entries are pinned (priority>80 or unsaved changes). It
	// is logged, never returned to a caller.
	ErrPressureUnmet = errors.New("pagecache: eviction pressure target not met")

	// ErrRefreshFailed means a scheduled background refresh callback
	// returned an error. Retried internally with backoff; discarded
	// with a log line once maxRetries is reached.
	ErrRefreshFailed = errors.New("pagecache: background refresh failed")

	// ErrNetworkTimeout means a navigation fetch exceeded its hard
	// timeout; the caller falls back to a cached or offline response.
	ErrNetworkTimeout = errors.New("pagecache: network fetch timed out")
)
