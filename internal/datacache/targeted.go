package datacache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Azure/BatchExplorer-sub004/internal/logging"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
)

// DefaultTargetedCapacity is the number of child caches a Targeted keeps
// alive by default.
const DefaultTargetedCapacity = 256

// TargetedOptions configure a Targeted cache.
type TargetedOptions struct {
	// Key computes the child cache key from fetch params, for example the
	// job id for tasks.
	Key func(models.Params) string
	// Capacity bounds the number of live child caches. The least recently
	// used child is disposed when exceeded.
	Capacity int
	// Cache configures each child cache. Name is used as a prefix; the
	// children share one metrics label.
	Cache Options
}

// Targeted is a cache of caches: one DataCache per value of a secondary
// dimension.
type Targeted[T models.Mergeable[T]] struct {
	registry *Registry
	opts     TargetedOptions

	mu     sync.Mutex
	caches *lru.Cache[string, *DataCache[T]]
}

// NewTargeted creates a Targeted cache whose children register in
// registry.
func NewTargeted[T models.Mergeable[T]](registry *Registry, opts TargetedOptions) *Targeted[T] {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultTargetedCapacity
	}
	if opts.Key == nil {
		opts.Key = func(p models.Params) string { return p.String() }
	}
	t := &Targeted[T]{registry: registry, opts: opts}
	caches, err := lru.NewWithEvict(opts.Capacity, func(key string, c *DataCache[T]) {
		logging.Debug("disposing evicted data cache", logging.String("cache", c.Name()), logging.String("target", key))
		c.Dispose()
	})
	if err != nil {
		// Only returned for a non-positive size, which is ruled out above.
		panic(err)
	}
	t.caches = caches
	return t
}

// GetCache returns the child cache for params, creating it when missing.
func (t *Targeted[T]) GetCache(params models.Params) *DataCache[T] {
	key := t.opts.Key(params)

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.caches.Get(key); ok {
		return c
	}
	opts := t.opts.Cache
	if opts.MetricsLabel == "" {
		opts.MetricsLabel = opts.Name
	}
	if opts.Name != "" {
		opts.Name = opts.Name + "/" + key
	}
	c := New[T](t.registry, opts)
	t.caches.Add(key, c)
	return c
}

// Len returns the number of live child caches.
func (t *Targeted[T]) Len() int {
	return t.caches.Len()
}

// Dispose disposes every child cache.
func (t *Targeted[T]) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.caches.Purge()
}
