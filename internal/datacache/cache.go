// Package datacache holds fetched records in memory, keyed by a unique
// attribute, and publishes every change to subscribers.
package datacache

import (
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/Azure/BatchExplorer-sub004/internal/logging"
	"github.com/Azure/BatchExplorer-sub004/internal/metrics"
	"github.com/Azure/BatchExplorer-sub004/pkg/events"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
)

// Snapshot is a read-only view of a cache's records at one point in time.
type Snapshot[T any] map[string]T

// Options configure a DataCache.
type Options struct {
	// Name labels the cache in logs.
	Name string
	// MetricsLabel groups the cache in metrics. Caches sharing a label add
	// up. Defaults to Name, or "unnamed".
	MetricsLabel string
	// UniqueField is the record attribute used as key. Defaults to "id".
	UniqueField string
	// MaxQuery bounds the query cache. Defaults to DefaultMaxQuery.
	MaxQuery int
	// Clock stamps query cache entries. Defaults to the real clock.
	Clock clock.PassiveClock
}

// DataCache is a keyed, observable store of records of one type.
type DataCache[T models.Mergeable[T]] struct {
	id          string
	name        string
	label       string
	uniqueField string
	registry    *Registry
	queries     *QueryCache

	// notify serializes mutation+publish so subscribers see changes in
	// the order they were applied. mu guards items only, so subscribers
	// may read the cache while being notified.
	notify sync.Mutex
	mu     sync.RWMutex
	items  map[string]T

	// counted is this cache's share of the items gauge, guarded by notify.
	counted int

	itemStream    *events.Latest[Snapshot[T]]
	deletedStream *events.Broadcaster[string]
	clearedStream *events.Broadcaster[struct{}]
}

// New creates a cache and registers it in registry. A nil registry leaves
// the cache unregistered.
func New[T models.Mergeable[T]](registry *Registry, opts Options) *DataCache[T] {
	if opts.UniqueField == "" {
		opts.UniqueField = models.DefaultUniqueField
	}
	id := uuid.NewString()
	if opts.MetricsLabel == "" {
		opts.MetricsLabel = opts.Name
	}
	if opts.MetricsLabel == "" {
		opts.MetricsLabel = "unnamed"
	}
	if opts.Name == "" {
		opts.Name = id
	}
	c := &DataCache[T]{
		id:            id,
		name:          opts.Name,
		label:         opts.MetricsLabel,
		uniqueField:   opts.UniqueField,
		registry:      registry,
		queries:       NewQueryCache(opts.MaxQuery, opts.Clock),
		items:         make(map[string]T),
		itemStream:    events.NewLatest(Snapshot[T]{}),
		deletedStream: events.NewBroadcaster[string](),
		clearedStream: events.NewBroadcaster[struct{}](),
	}
	if registry != nil {
		registry.Register(c)
	}
	return c
}

// ID returns the unique identifier of the cache.
func (c *DataCache[T]) ID() string { return c.id }

// Name returns the label given at construction.
func (c *DataCache[T]) Name() string { return c.name }

// UniqueField returns the key attribute.
func (c *DataCache[T]) UniqueField() string { return c.uniqueField }

// QueryCache returns the list query memo bound to this cache.
func (c *DataCache[T]) QueryCache() *QueryCache { return c.queries }

// KeyOf returns the cache key of item.
func (c *DataCache[T]) KeyOf(item T) (string, bool) {
	key, ok := item.Field(c.uniqueField)
	if !ok || key == "" {
		return "", false
	}
	return key, true
}

// AddItem stores item and publishes once. With a select list, an existing
// record only takes the selected fields from item. It returns the key, or
// "" when item has no usable key.
func (c *DataCache[T]) AddItem(item T, selectFields ...string) string {
	keys := c.AddItems([]T{item}, selectFields...)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

// AddItems stores every item and publishes once for the whole batch. It
// returns the keys in input order, skipping items without a key.
func (c *DataCache[T]) AddItems(items []T, selectFields ...string) []string {
	c.notify.Lock()
	defer c.notify.Unlock()

	c.mu.Lock()
	keys := make([]string, 0, len(items))
	for _, item := range items {
		key, ok := c.KeyOf(item)
		if !ok {
			logging.Warn("record without unique field not cached",
				logging.String("cache", c.name),
				logging.String("field", c.uniqueField))
			continue
		}
		if old, exists := c.items[key]; exists && len(selectFields) > 0 {
			item = old.MergeFields(item, selectFields)
		}
		c.items[key] = item
		keys = append(keys, key)
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.countItems(len(snap))
	c.itemStream.Publish(snap)
	return keys
}

// Has reports whether key is cached.
func (c *DataCache[T]) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[key]
	return ok
}

// Get returns the record stored under key.
func (c *DataCache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

// Len returns the number of records.
func (c *DataCache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Items returns the current snapshot.
func (c *DataCache[T]) Items() Snapshot[T] {
	return c.itemStream.Value()
}

// DeleteItemByKey removes key from the cache and from every cached query,
// then emits it on the deleted stream. It reports whether key was present.
func (c *DataCache[T]) DeleteItemByKey(key string) bool {
	c.notify.Lock()
	defer c.notify.Unlock()

	c.mu.Lock()
	if _, ok := c.items[key]; !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.items, key)
	c.queries.DeleteItemKey(key)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.countItems(len(snap))
	metrics.RecordCacheDeletion()
	logging.Debug("record deleted from cache", logging.String("cache", c.name), logging.String("key", key))
	c.itemStream.Publish(snap)
	c.deletedStream.Publish(key)
	return true
}

// Clear drops every record and cached query and emits on the cleared
// stream.
func (c *DataCache[T]) Clear() {
	c.notify.Lock()
	defer c.notify.Unlock()

	c.mu.Lock()
	c.items = make(map[string]T)
	c.queries.ClearCache()
	c.mu.Unlock()

	c.countItems(0)
	c.itemStream.Publish(Snapshot[T]{})
	c.clearedStream.Publish(struct{}{})
}

// Dispose clears the cache and removes it from its registry.
func (c *DataCache[T]) Dispose() {
	c.Clear()
	if c.registry != nil {
		c.registry.Unregister(c.id)
	}
}

// countItems moves this cache's share of the items gauge to n. Callers
// hold notify.
func (c *DataCache[T]) countItems(n int) {
	metrics.AddCacheItems(c.label, n-c.counted)
	c.counted = n
}

// SubscribeItems calls fn with the current snapshot and on every change.
func (c *DataCache[T]) SubscribeItems(fn func(Snapshot[T])) *events.Subscription {
	return c.itemStream.Subscribe(fn)
}

// SubscribeDeleted calls fn with each key removed from now on.
func (c *DataCache[T]) SubscribeDeleted(fn func(key string)) *events.Subscription {
	return c.deletedStream.Subscribe(fn)
}

// SubscribeCleared calls fn on each future Clear.
func (c *DataCache[T]) SubscribeCleared(fn func()) *events.Subscription {
	return c.clearedStream.Subscribe(func(struct{}) { fn() })
}

func (c *DataCache[T]) snapshotLocked() Snapshot[T] {
	snap := make(Snapshot[T], len(c.items))
	for k, v := range c.items {
		snap[k] = v
	}
	return snap
}
