package view

import (
	"context"
	"sync"
	"time"

	"github.com/Azure/BatchExplorer-sub004/internal/datacache"
	"github.com/Azure/BatchExplorer-sub004/internal/getter"
	"github.com/Azure/BatchExplorer-sub004/internal/logging"
	"github.com/Azure/BatchExplorer-sub004/internal/poll"
	"github.com/Azure/BatchExplorer-sub004/pkg/events"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
)

// ListConfig configures a ListView.
type ListConfig[T models.Mergeable[T]] struct {
	Getter  *getter.ListGetter[T]
	Params  models.Params
	Options models.ListOptions
	// Poll enables StartPoll. Optional.
	Poll *poll.Service
}

// ListView tracks an ordered, paged set of records.
type ListView[T models.Mergeable[T]] struct {
	cfg ListConfig[T]

	// bindMu serializes cache switches; pubMu orders item publishes.
	bindMu sync.Mutex
	pubMu  sync.Mutex

	mu             sync.Mutex
	params         models.Params
	opts           models.ListOptions
	cache          *datacache.DataCache[T]
	keys           []string
	keySet         map[string]struct{}
	nextLink       string
	hasMore        bool
	gen            uint64
	appliedGen     uint64
	newDataPending bool
	lastErr        error
	inflight       *call[getter.ListResponse[T]]
	tracker        *poll.Tracker
	subs           []*events.Subscription
	disposed       bool

	status  *events.Latest[Status]
	newData *events.Latest[Status]
	items   *events.Latest[[]T]
}

// NewListView creates a view for cfg.Params and cfg.Options. Nothing is
// fetched until FetchNext or FetchAll is called.
func NewListView[T models.Mergeable[T]](cfg ListConfig[T]) *ListView[T] {
	v := &ListView[T]{
		cfg:     cfg,
		opts:    cfg.Options,
		keySet:  make(map[string]struct{}),
		hasMore: true,
		status:  events.NewLatest(StatusIdle),
		newData: events.NewLatest(StatusIdle),
		items:   events.NewLatest[[]T](nil),
	}
	v.bind(cfg.Params.Clone())
	return v
}

// bind points the view at params and subscribes to the serving cache.
func (v *ListView[T]) bind(params models.Params) {
	v.mu.Lock()
	v.params = params
	v.mu.Unlock()
	v.follow()
}

// follow subscribes to the cache now serving the view's params. A targeted
// cache may have disposed the previous one and built a replacement.
func (v *ListView[T]) follow() {
	v.bindMu.Lock()
	defer v.bindMu.Unlock()

	v.mu.Lock()
	params, current, disposed := v.params, v.cache, v.disposed
	v.mu.Unlock()
	if disposed {
		return
	}
	cache := v.cfg.Getter.CacheFor(params)
	if cache == current {
		return
	}

	v.mu.Lock()
	v.cache = cache
	old := v.subs
	v.subs = nil
	v.mu.Unlock()
	for _, s := range old {
		s.Unsubscribe()
	}
	subs := []*events.Subscription{
		cache.SubscribeDeleted(v.removeKey),
		cache.SubscribeCleared(v.clearKeys),
		cache.SubscribeItems(func(datacache.Snapshot[T]) { v.publishItems() }),
	}
	v.mu.Lock()
	if v.disposed {
		v.mu.Unlock()
		for _, s := range subs {
			s.Unsubscribe()
		}
		return
	}
	v.subs = subs
	v.mu.Unlock()
}

// Params returns the current params.
func (v *ListView[T]) Params() models.Params {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.params.Clone()
}

// Options returns the current list options.
func (v *ListView[T]) Options() models.ListOptions {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.opts
}

// SetParams retargets the view, aborting any running fetch and resetting
// pagination. Shown records are cleared.
func (v *ListView[T]) SetParams(params models.Params) {
	v.AbortFetch()
	v.bind(params.Clone())
	v.reset(true)
}

// SetOptions replaces the list options and resets pagination. With
// clearItems the shown records are dropped until the next page arrives.
func (v *ListView[T]) SetOptions(opts models.ListOptions, clearItems bool) {
	v.AbortFetch()
	v.mu.Lock()
	v.opts = opts
	v.mu.Unlock()
	v.reset(clearItems)
}

// PatchOptions merges patch into the current options, see SetOptions.
func (v *ListView[T]) PatchOptions(patch models.ListOptions, clearItems bool) {
	v.SetOptions(v.Options().Patch(patch), clearItems)
}

func (v *ListView[T]) reset(clearItems bool) {
	v.mu.Lock()
	v.gen++
	v.nextLink = ""
	v.hasMore = true
	v.newDataPending = true
	v.lastErr = nil
	if clearItems {
		v.keys = nil
		v.keySet = make(map[string]struct{})
	}
	tracker := v.tracker
	key := v.pollKeyLocked()
	v.mu.Unlock()

	v.newData.Publish(StatusLoading)
	if tracker != nil {
		tracker.UpdateKey(key)
	}
	if clearItems {
		v.publishItems()
	}
}

// Keys returns the shown keys in order.
func (v *ListView[T]) Keys() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.keys...)
}

// Items returns the shown records in order.
func (v *ListView[T]) Items() []T {
	return v.items.Value()
}

// Watch calls fn with the shown records and on every change. fn must not
// modify the view or its cache.
func (v *ListView[T]) Watch(fn func([]T)) *events.Subscription {
	return v.items.Subscribe(fn)
}

// HasMore reports whether another page can be fetched.
func (v *ListView[T]) HasMore() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasMore
}

// NextLink returns the continuation token of the next page.
func (v *ListView[T]) NextLink() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nextLink
}

// Status returns the loading state.
func (v *ListView[T]) Status() Status { return v.status.Value() }

// NewDataStatus returns the loading state of the first load after a params
// or options change.
func (v *ListView[T]) NewDataStatus() Status { return v.newData.Value() }

// WatchStatus calls fn with the current status and on every change.
func (v *ListView[T]) WatchStatus(fn func(Status)) *events.Subscription {
	return v.status.Subscribe(fn)
}

// Err returns the error of the last failed fetch.
func (v *ListView[T]) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastErr
}

// FetchNext loads the next page. The first page may be answered from the
// query cache unless forceNew is set. Callers arriving while a fetch runs
// share it. When no more pages exist it returns an empty response.
func (v *ListView[T]) FetchNext(ctx context.Context, forceNew bool) (getter.ListResponse[T], error) {
	v.mu.Lock()
	if v.disposed {
		v.mu.Unlock()
		return getter.ListResponse[T]{}, errDisposed
	}
	if c := v.inflight; c != nil {
		v.mu.Unlock()
		return c.wait(ctx)
	}
	if !v.hasMore {
		v.mu.Unlock()
		return getter.ListResponse[T]{}, nil
	}
	c := newCall[getter.ListResponse[T]](ctx, v.status.Value(), v.gen)
	v.inflight = c
	params, opts, nextLink := v.params, v.opts, v.nextLink
	v.mu.Unlock()

	v.status.Publish(StatusLoading)
	go v.run(c, params, opts, nextLink, forceNew)
	return c.wait(ctx)
}

func (v *ListView[T]) run(c *call[getter.ListResponse[T]], params models.Params, opts models.ListOptions, nextLink string, forceNew bool) {
	var (
		resp getter.ListResponse[T]
		err  error
	)
	first := nextLink == ""
	if first {
		resp, err = v.cfg.Getter.Fetch(c.ctx, params, opts, forceNew)
	} else {
		resp, err = v.cfg.Getter.FetchNext(c.ctx, params, opts, nextLink)
	}
	v.follow()

	v.mu.Lock()
	if v.inflight != c || v.gen != c.gen {
		if v.inflight == c {
			v.inflight = nil
		}
		v.mu.Unlock()
		c.finish(resp, context.Canceled)
		return
	}
	v.inflight = nil
	pending := v.newDataPending
	v.newDataPending = false

	var (
		status    Status
		cacheKeys []string
		cache     = v.cache
		filter    = v.opts.QueryKey()
	)
	if err != nil {
		v.lastErr = err
		v.hasMore = false
		status = StatusError
	} else {
		if first || v.appliedGen != c.gen {
			v.keys = nil
			v.keySet = make(map[string]struct{})
		}
		v.appliedGen = c.gen
		for _, k := range resp.Keys {
			if _, dup := v.keySet[k]; dup {
				continue
			}
			v.keySet[k] = struct{}{}
			v.keys = append(v.keys, k)
		}
		v.nextLink = resp.NextLink
		v.hasMore = resp.NextLink != ""
		if maxItems := v.opts.MaxItems; maxItems > 0 && len(v.keys) >= maxItems {
			for _, k := range v.keys[maxItems:] {
				delete(v.keySet, k)
			}
			v.keys = v.keys[:maxItems]
			v.hasMore = false
		}
		v.lastErr = nil
		status = StatusReady
		if !first {
			cacheKeys = append([]string(nil), v.keys...)
		}
	}
	nextAfter := v.nextLink
	v.mu.Unlock()

	if cacheKeys != nil {
		cache.QueryCache().CacheQuery(filter, cacheKeys, nextAfter)
	}
	if err != nil {
		logging.Debug("list fetch failed", logging.String("getter", v.cfg.Getter.Name()), logging.Err(err))
	}
	v.publishItems()
	v.status.Publish(status)
	if pending {
		v.newData.Publish(status)
	}
	c.finish(resp, err)
}

// FetchAll loads pages until none remain.
func (v *ListView[T]) FetchAll(ctx context.Context) ([]T, error) {
	for v.HasMore() {
		if _, err := v.FetchNext(ctx, false); err != nil {
			return v.Items(), err
		}
	}
	return v.Items(), nil
}

// Refresh reloads the first page from the network. Without clearItems the
// current records stay visible until it arrives.
func (v *ListView[T]) Refresh(ctx context.Context, clearItems bool) error {
	v.AbortFetch()
	v.mu.Lock()
	v.nextLink = ""
	v.hasMore = true
	if clearItems {
		v.keys = nil
		v.keySet = make(map[string]struct{})
	}
	v.mu.Unlock()
	if clearItems {
		v.publishItems()
	}
	_, err := v.FetchNext(ctx, true)
	return err
}

// RefreshAll reloads every page.
func (v *ListView[T]) RefreshAll(ctx context.Context) ([]T, error) {
	if err := v.Refresh(ctx, false); err != nil {
		return v.Items(), err
	}
	return v.FetchAll(ctx)
}

// LoadNewItem adds a record obtained elsewhere, for example right after
// creating it, to the cache and to the front of the list.
func (v *ListView[T]) LoadNewItem(item T) string {
	v.follow()
	v.mu.Lock()
	cache := v.cache
	v.mu.Unlock()

	key := cache.AddItem(item)
	if key == "" {
		return ""
	}
	v.mu.Lock()
	if _, ok := v.keySet[key]; !ok {
		v.keySet[key] = struct{}{}
		v.keys = append([]string{key}, v.keys...)
	}
	v.mu.Unlock()
	v.publishItems()
	return key
}

// AbortFetch cancels the running fetch. Its callers receive
// context.Canceled and the status returns to its previous value.
func (v *ListView[T]) AbortFetch() {
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

// StartPoll reloads the first page every interval until StopPoll or
// Dispose. A failed poll ends pagination.
func (v *ListView[T]) StartPoll(interval time.Duration) *poll.Tracker {
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
func (v *ListView[T]) StopPoll() {
	v.mu.Lock()
	t := v.tracker
	v.tracker = nil
	v.mu.Unlock()
	if t != nil {
		t.Destroy()
	}
}

func (v *ListView[T]) pollTick(ctx context.Context) {
	v.mu.Lock()
	busy := v.inflight != nil
	v.mu.Unlock()
	if busy {
		return
	}
	if err := v.Refresh(ctx, false); err != nil {
		logging.Debug("list poll failed", logging.String("getter", v.cfg.Getter.Name()), logging.Err(err))
	}
}

func (v *ListView[T]) pollKeyLocked() string {
	return "list|" + v.cfg.Getter.Name() + "|" + v.params.String() + "|" + v.opts.String()
}

// Dispose stops polling, aborts any fetch and detaches from the cache.
func (v *ListView[T]) Dispose() {
	v.AbortFetch()
	v.StopPoll()
	v.mu.Lock()
	v.disposed = true
	subs := v.subs
	v.subs = nil
	v.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (v *ListView[T]) removeKey(key string) {
	v.mu.Lock()
	if _, ok := v.keySet[key]; !ok {
		v.mu.Unlock()
		return
	}
	delete(v.keySet, key)
	for i, k := range v.keys {
		if k == key {
			v.keys = append(v.keys[:i:i], v.keys[i+1:]...)
			break
		}
	}
	v.mu.Unlock()
	v.publishItems()
}

func (v *ListView[T]) clearKeys() {
	v.mu.Lock()
	v.keys = nil
	v.keySet = make(map[string]struct{})
	v.mu.Unlock()
	v.publishItems()
}

// publishItems resolves the shown keys and publishes them. pubMu spans
// both steps so a stale snapshot is never published last.
func (v *ListView[T]) publishItems() {
	v.pubMu.Lock()
	defer v.pubMu.Unlock()

	v.mu.Lock()
	cache := v.cache
	keys := append([]string(nil), v.keys...)
	v.mu.Unlock()

	items := make([]T, 0, len(keys))
	for _, k := range keys {
		if item, ok := cache.Get(k); ok {
			items = append(items, item)
		}
	}
	v.items.Publish(items)
}
