package datacache

import (
	"sync"

	"github.com/Azure/BatchExplorer-sub004/internal/logging"
	"github.com/Azure/BatchExplorer-sub004/internal/metrics"
)

// Clearable is what the registry needs from a cache.
type Clearable interface {
	ID() string
	Clear()
}

// Registry tracks every live data cache of a session so they can be
// cleared together, for example when the signed-in account changes.
type Registry struct {
	mu     sync.Mutex
	caches map[string]Clearable
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caches: make(map[string]Clearable)}
}

// Register adds c. Registering the same id twice keeps the latest.
func (r *Registry) Register(c Clearable) {
	r.mu.Lock()
	r.caches[c.ID()] = c
	n := len(r.caches)
	r.mu.Unlock()
	metrics.SetCachesRegistered(n)
}

// Unregister removes the cache with the given id.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.caches, id)
	n := len(r.caches)
	r.mu.Unlock()
	metrics.SetCachesRegistered(n)
}

// Len returns the number of registered caches.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.caches)
}

// Get returns the cache registered under id.
func (r *Registry) Get(id string) (Clearable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.caches[id]
	return c, ok
}

// ClearAll clears every registered cache except the ones listed in keep.
// It returns how many caches were cleared.
func (r *Registry) ClearAll(keep ...string) int {
	skip := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		skip[id] = struct{}{}
	}

	r.mu.Lock()
	targets := make([]Clearable, 0, len(r.caches))
	for id, c := range r.caches {
		if _, ok := skip[id]; !ok {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	for _, c := range targets {
		c.Clear()
	}
	logging.Debug("cleared data caches", logging.Int("count", len(targets)), logging.Int("kept", len(keep)))
	return len(targets)
}
