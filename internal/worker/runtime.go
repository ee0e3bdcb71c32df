// Package worker implements the background execution context: a
// long-lived actor owning its own persistent store, listening for
// lifecycle and message events, intercepting outbound fetches, and
// broadcasting cache-updated notifications to every attached foreground
// context.
package worker

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arxcache/pagecache/internal/diskstore"
	"github.com/arxcache/pagecache/internal/entry"
)

// State is the worker's lifecycle state machine.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
)

// PrefetchFunc fetches and stores a route's page-state record during
// install/warm. Returning an error marks that route's prefetch failed.
type PrefetchFunc func(route string) error

// Runtime is the background execution context.
type Runtime struct {
	mu    sync.Mutex
	state State

	store  *diskstore.Store
	logger *zap.Logger

	inbox chan Message

	subsMu      sync.Mutex
	subscribers map[string]chan Broadcast

	staticAssets  []string
	prefetchRoutes []string
	prefetch      PrefetchFunc

	stop chan struct{}
	done chan struct{}
}

// New builds a Runtime over store, which should be a distinct bbolt file
// or bucket namespace from the foreground CacheManager's persistent
// tier.
func New(store *diskstore.Store, staticAssets, prefetchRoutes []string, prefetch PrefetchFunc, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		state:          StateInstalling,
		store:          store,
		logger:         logger,
		inbox:          make(chan Message, 64),
		subscribers:    make(map[string]chan Broadcast),
		staticAssets:   staticAssets,
		prefetchRoutes: prefetchRoutes,
		prefetch:       prefetch,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Install prefetches the static-asset list (failure here fails install)
// and then opportunistically prefetches the priority route list
// (failure here is logged, not fatal). On success it transitions
// installing -> installed -> activating -> active.
func (r *Runtime) Install() error {
	for _, asset := range r.staticAssets {
		if err := r.prefetch(asset); err != nil {
			return err
		}
	}
	r.setState(StateInstalled)

	for _, route := range r.prefetchRoutes {
		if err := r.prefetch(route); err != nil {
			r.logger.Warn("worker: opportunistic route prefetch failed", zap.String("route", route), zap.Error(err))
		}
	}

	r.setState(StateActivating)
	r.setState(StateActive)
	return nil
}

// Run starts the message-processing loop; it blocks until Stop is
// called.
func (r *Runtime) Run() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case msg := <-r.inbox:
			r.handle(msg)
		}
	}
}

// Stop signals Run to exit and waits for it to do so.
func (r *Runtime) Stop() {
	close(r.stop)
	<-r.done
}

// Send delivers msg to the runtime's inbox.
func (r *Runtime) Send(msg Message) {
	r.inbox <- msg
}

// Subscribe registers a new attached UI context and returns its
// broadcast channel and an id for later Unsubscribe. Broadcasts reach
// every subscriber registered at send time, including ones that
// registered after install (there is no catch-up replay, matching the
// "uncontrolled clients still get future broadcasts" semantics).
func (r *Runtime) Subscribe() (id string, ch <-chan Broadcast) {
	subID := uuid.NewString()
	bc := make(chan Broadcast, 16)
	r.subsMu.Lock()
	r.subscribers[subID] = bc
	r.subsMu.Unlock()
	return subID, bc
}

// Unsubscribe removes and closes a subscriber's channel.
func (r *Runtime) Unsubscribe(id string) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	if ch, ok := r.subscribers[id]; ok {
		close(ch)
		delete(r.subscribers, id)
	}
}

func (r *Runtime) broadcast(b Broadcast) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- b:
		default:
			r.logger.Warn("worker: dropped broadcast to slow subscriber")
		}
	}
}

func (r *Runtime) handle(msg Message) {
	switch msg.Type {
	case MsgCacheSet:
		r.handleSet(msg.Set)
	case MsgCacheGet:
		r.handleGet(msg.Get, msg.Reply)
	case MsgCacheInvalidate:
		r.handleInvalidate(msg.Invalidate)
	case MsgCacheWarm:
		r.handleWarm(msg.Warm)
	}
}

func (r *Runtime) handleSet(p *CacheSetPayload) {
	if p == nil {
		return
	}
	var e entry.Entry
	e.Data = p.CacheEntry
	if err := r.store.Set(p.Key, &e, 0); err != nil {
		r.logger.Warn("worker: CACHE_SET failed", zap.String("key", p.Key), zap.Error(err))
	}
}

func (r *Runtime) handleGet(p *CacheGetPayload, reply chan Message) {
	if p == nil || reply == nil {
		return
	}
	e, err := r.store.Get(p.Key)
	resp := &CacheGetResponsePayload{
		Key:       p.Key,
		RequestID: p.RequestID,
		Timestamp: nowMillis(),
	}
	if err == nil && e != nil {
		resp.CacheEntry = e.Data
		resp.Found = true
	}
	reply <- Message{Type: MsgCacheGetResponse, GetResponse: resp}
}

func (r *Runtime) handleInvalidate(p *CacheInvalidatePayload) {
	if p == nil {
		return
	}
	if p.Key != "" {
		_ = r.store.Delete(p.Key)
	}
	if len(p.Tags) > 0 {
		_, _ = r.store.InvalidateByTags(p.Tags)
	}
}

func (r *Runtime) handleWarm(p *CacheWarmPayload) {
	routes := r.prefetchRoutes
	if p != nil && p.Routes != nil {
		routes = *p.Routes
	}

	success, failure := 0, 0
	for _, route := range routes {
		if err := r.prefetch(route); err != nil {
			failure++
			continue
		}
		success++
	}

	if failure > 0 && success == 0 {
		r.broadcast(Broadcast{Type: MsgCacheWarmFailed, Error: "all routes failed to warm"})
		return
	}

	r.broadcast(Broadcast{
		Type: MsgCacheWarmComplete,
		Warm: &CacheWarmCompletePayload{
			Routes:       routes,
			SuccessCount: success,
			FailureCount: failure,
			Timestamp:    nowMillis(),
		},
	})
}

// NotifyUpdated broadcasts CACHE_UPDATED for key to every attached
// context, used after a background navigation revalidation completes.
func (r *Runtime) NotifyUpdated(key, source string) {
	r.broadcast(Broadcast{
		Type: MsgCacheUpdated,
		Updated: &CacheUpdatedPayload{
			Key:       key,
			Source:    source,
			Timestamp: nowMillis(),
		},
	})
}
