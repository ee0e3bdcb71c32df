// Package refresh implements the background revalidation scheduler: a
// per-route task table with deferred execution during user interaction,
// exponential-backoff retry, single-flight de-duplication, and a rate
// limiter that smooths out refresh storms when many routes go stale at
// once.
package refresh

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/arxcache/pagecache/internal/entry"
	"github.com/arxcache/pagecache/internal/pcerrors"
	"github.com/arxcache/pagecache/internal/retry"
)

// Callback performs the actual network revalidation for a route and
// returns fresh data to be written back to the cache.
type Callback func(ctx context.Context) (any, error)

// UpdateCallback is invoked with fresh data after a successful refresh,
// after the cache has already been updated.
type UpdateCallback func(data any)

// CacheWriter is the narrow slice of CacheManager the scheduler needs:
// writing fresh data back under a route's key with its classification
// preserved.
type CacheWriter interface {
	Set(key string, data any, params SetParams) error
}

// SetParams mirrors cachemanager.SetParams structurally so this package
// does not import cachemanager (avoiding an import cycle, since
// cachemanager may eventually want to trigger scheduling).
type SetParams struct {
	Route       string
	PageType    entry.PageType
	ContentType entry.ContentType
	TTL         time.Duration
}

type task struct {
	route          string
	callback       Callback
	updateCallback UpdateCallback
	pageType       entry.PageType
	contentType    entry.ContentType

	retryCount int
	executing  bool
	superseded bool

	cancel context.CancelFunc
}

// Scheduler maintains the route -> task table described above.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*task

	deferred        map[string]bool
	userInteracting bool
	deferTimer      *time.Timer

	cache  CacheWriter
	logger *zap.Logger

	retryCfg     retry.Config
	deferDelay   time.Duration
	limiter      *rate.Limiter
	group        singleflight.Group

	clock func() time.Time
}

// New builds a Scheduler writing fresh data through cache, deferring
// refreshes started during user interaction by deferDelay, retrying
// failed callbacks per retryCfg, and rate-limiting how many
// revalidations may start per second via limiter (nil disables the
// limiter).
func New(cache CacheWriter, retryCfg retry.Config, deferDelay time.Duration, limiter *rate.Limiter, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Scheduler{
		tasks:      make(map[string]*task),
		deferred:   make(map[string]bool),
		cache:      cache,
		logger:     logger,
		retryCfg:   retryCfg,
		deferDelay: deferDelay,
		limiter:    limiter,
		clock:      time.Now,
	}
}

// ScheduleRefresh cancels any existing task for route, installs a fresh
// one, and either executes it immediately or, if the user is currently
// interacting, marks it deferred.
func (s *Scheduler) ScheduleRefresh(route string, callback Callback, pageType entry.PageType, contentType entry.ContentType, updateCallback UpdateCallback) {
	s.mu.Lock()
	if existing, ok := s.tasks[route]; ok {
		if existing.executing {
			existing.superseded = true
		}
		if existing.cancel != nil {
			existing.cancel()
		}
	}

	t := &task{
		route:          route,
		callback:       callback,
		updateCallback: updateCallback,
		pageType:       pageType,
		contentType:    contentType,
	}
	s.tasks[route] = t

	interacting := s.userInteracting
	s.mu.Unlock()

	if interacting {
		s.mu.Lock()
		s.deferred[route] = true
		s.mu.Unlock()
		return
	}

	s.run(route, t)
}

// CancelRefresh cancels any pending retry wait and removes the task and
// deferred mark for route. An in-flight callback is not interrupted.
func (s *Scheduler) CancelRefresh(route string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[route]; ok && t.cancel != nil {
		t.cancel()
	}
	delete(s.tasks, route)
	delete(s.deferred, route)
}

// SetUserInteracting toggles the interaction-deferral policy. On a
// true->false transition, deferred tasks execute after deferDelay
// unless interaction resumes first.
func (s *Scheduler) SetUserInteracting(interacting bool) {
	s.mu.Lock()
	wasInteracting := s.userInteracting
	s.userInteracting = interacting

	if interacting {
		if s.deferTimer != nil {
			s.deferTimer.Stop()
			s.deferTimer = nil
		}
		s.mu.Unlock()
		return
	}

	if !wasInteracting {
		s.mu.Unlock()
		return
	}

	s.deferTimer = time.AfterFunc(s.deferDelay, s.runDeferred)
	s.mu.Unlock()
}

func (s *Scheduler) runDeferred() {
	s.mu.Lock()
	if s.userInteracting {
		s.mu.Unlock()
		return
	}
	routes := make([]string, 0, len(s.deferred))
	for r := range s.deferred {
		routes = append(routes, r)
	}
	s.deferred = make(map[string]bool)
	tasks := make([]*task, 0, len(routes))
	for _, r := range routes {
		if t, ok := s.tasks[r]; ok {
			tasks = append(tasks, t)
		}
	}
	s.mu.Unlock()

	for i, r := range routes {
		s.run(r, tasks[i])
	}
}

// run executes a task's callback (guarded by the executing flag and a
// per-route singleflight key), retrying with backoff on failure and
// writing fresh data back through cache on success.
func (s *Scheduler) run(route string, t *task) {
	s.mu.Lock()
	if t.executing {
		s.mu.Unlock()
		return
	}
	t.executing = true
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			t.executing = false
			superseded := t.superseded
			t.superseded = false
			s.mu.Unlock()
			if superseded {
				s.ScheduleRefresh(route, t.callback, t.pageType, t.contentType, t.updateCallback)
			}
		}()

		_ = s.limiter.Wait(ctx)

		_, _, _ = s.group.Do(route, func() (any, error) {
			return nil, s.execute(ctx, route, t)
		})
	}()
}

func (s *Scheduler) execute(ctx context.Context, route string, t *task) error {
	attempts, err := retry.Do(ctx, s.retryCfg, func(ctx context.Context, attempt int) error {
		data, cbErr := t.callback(context.WithoutCancel(ctx))
		if cbErr != nil {
			return cbErr
		}
		if werr := s.cache.Set(route, data, SetParams{
			Route:       route,
			PageType:    t.pageType,
			ContentType: t.contentType,
		}); werr != nil {
			return werr
		}
		if t.updateCallback != nil {
			t.updateCallback(data)
		}
		return nil
	})

	if err != nil {
		s.logger.Error(pcerrors.ErrRefreshFailed.Error(), zap.String("route", route), zap.Int("attempts", attempts), zap.Error(err))
	}
	return err
}
