package view

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Azure/BatchExplorer-sub004/internal/datacache"
	"github.com/Azure/BatchExplorer-sub004/internal/getter"
	"github.com/Azure/BatchExplorer-sub004/internal/logging"
	"github.com/Azure/BatchExplorer-sub004/internal/poll"
	"github.com/Azure/BatchExplorer-sub004/pkg/events"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
)

// EntityConfig configures an EntityView.
type EntityConfig[T models.Mergeable[T]] struct {
	Getter *getter.EntityGetter[T]
	Params models.Params
	// Select restricts fetched fields merged into the cache.
	Select []string
	// Poll enables StartPoll. Optional.
	Poll *poll.Service
}

type entityState[T any] struct {
	item T
	ok   bool
}

// EntityView tracks one record.
type EntityView[T models.Mergeable[T]] struct {
	cfg EntityConfig[T]

	// bindMu serializes cache switches; pubMu orders item publishes.
	bindMu sync.Mutex
	pubMu  sync.Mutex

	mu             sync.Mutex
	params         models.Params
	cache          *datacache.DataCache[T]
	itemKey        string
	gen            uint64
	newDataPending bool
	lastErr        error
	inflight       *call[T]
	tracker        *poll.Tracker
	itemsSub       *events.Subscription
	disposed       bool

	status  *events.Latest[Status]
	newData *events.Latest[Status]
	item    *events.Latest[entityState[T]]
}

// NewEntityView creates a view for cfg.Params. Nothing is fetched until
// Fetch is called.
func NewEntityView[T models.Mergeable[T]](cfg EntityConfig[T]) *EntityView[T] {
	v := &EntityView[T]{
		cfg:     cfg,
		status:  events.NewLatest(StatusIdle),
		newData: events.NewLatest(StatusIdle),
		item:    events.NewLatest(entityState[T]{}),
	}
	v.bind(cfg.Params.Clone())
	return v
}

// bind points the view at params and at the cache serving them.
func (v *EntityView[T]) bind(params models.Params) {
	cache := v.cfg.Getter.CacheFor(params)

	v.mu.Lock()
	v.params = params
	v.itemKey = params[cache.UniqueField()]
	v.mu.Unlock()

	if !v.follow() {
		v.publishItem()
	}
}

// follow subscribes to the cache now serving the view's params and reports
// whether it switched. A targeted cache may have disposed the previous one.
func (v *EntityView[T]) follow() bool {
	v.bindMu.Lock()
	defer v.bindMu.Unlock()

	v.mu.Lock()
	params, current, disposed := v.params, v.cache, v.disposed
	v.mu.Unlock()
	if disposed {
		return false
	}
	cache := v.cfg.Getter.CacheFor(params)
	if cache == current {
		return false
	}

	v.mu.Lock()
	v.cache = cache
	old := v.itemsSub
	v.itemsSub = nil
	v.mu.Unlock()
	old.Unsubscribe()

	sub := cache.SubscribeItems(func(datacache.Snapshot[T]) { v.publishItem() })
	v.mu.Lock()
	if v.disposed {
		v.mu.Unlock()
		sub.Unsubscribe()
		return true
	}
	v.itemsSub = sub
	v.mu.Unlock()
	return true
}

// Params returns the current params.
func (v *EntityView[T]) Params() models.Params {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.params.Clone()
}

// SetParams retargets the view. Any running fetch is aborted and the poll
// tracker moves to the new key.
func (v *EntityView[T]) SetParams(params models.Params) {
	v.AbortFetch()
	v.bind(params.Clone())

	v.mu.Lock()
	v.gen++
	v.newDataPending = true
	v.lastErr = nil
	tracker := v.tracker
	key := v.pollKeyLocked()
	v.mu.Unlock()

	v.newData.Publish(StatusLoading)
	if tracker != nil {
		tracker.UpdateKey(key)
	}
}

// Item returns the current record, if any.
func (v *EntityView[T]) Item() (T, bool) {
	s := v.item.Value()
	return s.item, s.ok
}

// Watch calls fn with the current record and on every change. fn must not
// modify the view or its cache.
func (v *EntityView[T]) Watch(fn func(item T, ok bool)) *events.Subscription {
	return v.item.Subscribe(func(s entityState[T]) { fn(s.item, s.ok) })
}

// Status returns the loading state.
func (v *EntityView[T]) Status() Status { return v.status.Value() }

// NewDataStatus returns the loading state of the first load after a params
// change.
func (v *EntityView[T]) NewDataStatus() Status { return v.newData.Value() }

// WatchStatus calls fn with the current status and on every change.
func (v *EntityView[T]) WatchStatus(fn func(Status)) *events.Subscription {
	return v.status.Subscribe(fn)
}

// Err returns the error of the last failed fetch.
func (v *EntityView[T]) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastErr
}

// Fetch loads the record. Callers arriving while a fetch runs share it.
func (v *EntityView[T]) Fetch(ctx context.Context) (T, error) {
	v.mu.Lock()
	if v.disposed {
		v.mu.Unlock()
		var zero T
		return zero, errDisposed
	}
	if c := v.inflight; c != nil {
		v.mu.Unlock()
		return c.wait(ctx)
	}
	c := newCall[T](ctx, v.status.Value(), v.gen)
	v.inflight = c
	params := v.params
	v.mu.Unlock()

	v.status.Publish(StatusLoading)
	go v.run(c, params)
	return c.wait(ctx)
}

// Refresh re-fetches the record from the network.
func (v *EntityView[T]) Refresh(ctx context.Context) (T, error) {
	return v.Fetch(ctx)
}

func (v *EntityView[T]) run(c *call[T], params models.Params) {
	val, err := v.cfg.Getter.Fetch(c.ctx, params, getter.FetchOptions{Select: v.cfg.Select})
	v.follow()

	v.mu.Lock()
	if v.inflight != c {
		v.mu.Unlock()
		c.finish(val, context.Canceled)
		return
	}
	v.inflight = nil
	pending := v.newDataPending
	v.newDataPending = false

	var status Status
	switch {
	case err == nil:
		if key, ok := v.cache.KeyOf(val); ok {
			v.itemKey = key
		}
		v.lastErr = nil
		status = StatusReady
	case getter.IsNotFound(err):
		v.itemKey = ""
		v.lastErr = nil
		status = StatusReady
	default:
		v.lastErr = err
		status = StatusError
	}
	v.mu.Unlock()

	if err != nil && status == StatusError {
		logging.Debug("entity fetch failed", logging.String("getter", v.cfg.Getter.Name()), logging.Err(err))
	}
	v.publishItem()
	v.status.Publish(status)
	if pending {
		v.newData.Publish(status)
	}
	c.finish(val, err)
}

// AbortFetch cancels the running fetch. Its callers receive
// context.Canceled and the status returns to its previous value.
func (v *EntityView[T]) AbortFetch() {
	v.mu.Lock()
	c := v.inflight
	v.inflight = nil
	v.mu.Unlock()
	if c == nil {
		return
	}
	c.cancel()
	v.status.Publish(c.prev)
}

// StartPoll refreshes the record every interval until StopPoll or
// Dispose. Poll failures leave the record at its last known value.
func (v *EntityView[T]) StartPoll(interval time.Duration) *poll.Tracker {
	if v.cfg.Poll == nil {
		return nil
	}
	v.mu.Lock()
	if v.tracker != nil {
		t := v.tracker
		v.mu.Unlock()
		return t
	}
	key := v.pollKeyLocked()
	v.mu.Unlock()

	t := v.cfg.Poll.StartPoll(key, interval, v.pollTick)
	v.mu.Lock()
	v.tracker = t
	v.mu.Unlock()
	return t
}

// StopPoll stops polling.
func (v *EntityView[T]) StopPoll() {
	v.mu.Lock()
	t := v.tracker
	v.tracker = nil
	v.mu.Unlock()
	if t != nil {
		t.Destroy()
	}
}

func (v *EntityView[T]) pollTick(ctx context.Context) {
	v.mu.Lock()
	busy := v.inflight != nil
	v.mu.Unlock()
	if busy {
		return
	}
	if _, err := v.Fetch(ctx); err != nil && !getter.IsNotFound(err) {
		logging.Debug("entity poll failed", logging.String("getter", v.cfg.Getter.Name()), logging.Err(err))
	}
}

func (v *EntityView[T]) pollKeyLocked() string {
	return "entity|" + v.cfg.Getter.Name() + "|" + v.params.String()
}

// Dispose stops polling, aborts any fetch and detaches from the cache.
func (v *EntityView[T]) Dispose() {
	v.AbortFetch()
	v.StopPoll()
	v.mu.Lock()
	v.disposed = true
	sub := v.itemsSub
	v.itemsSub = nil
	v.mu.Unlock()
	sub.Unsubscribe()
}

// publishItem publishes the record under the current key. pubMu spans the
// read and the publish so a stale record is never published last.
func (v *EntityView[T]) publishItem() {
	v.pubMu.Lock()
	defer v.pubMu.Unlock()

	v.mu.Lock()
	cache, key := v.cache, v.itemKey
	v.mu.Unlock()

	var s entityState[T]
	if cache != nil && key != "" {
		s.item, s.ok = cache.Get(key)
	}
	v.item.Publish(s)
}

var errDisposed = errors.New("view disposed")
