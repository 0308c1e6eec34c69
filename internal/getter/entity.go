// Package getter fetches records through pluggable collaborators, answering
// from the data cache where allowed and writing every result back into it.
package getter

import (
	"context"
	"strings"
	"time"

	"github.com/Azure/BatchExplorer-sub004/internal/datacache"
	"github.com/Azure/BatchExplorer-sub004/internal/logging"
	"github.com/Azure/BatchExplorer-sub004/internal/metrics"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
)

// EntitySource is the strategy an EntityGetter is built from.
type EntitySource[T models.Mergeable[T]] struct {
	// Name labels the getter in logs and metrics.
	Name string
	// Cache resolves the data cache for a set of params.
	Cache func(models.Params) *datacache.DataCache[T]
	// Get fetches one record.
	Get func(ctx context.Context, params models.Params) (T, error)
}

// FetchOptions tune a single entity fetch.
type FetchOptions struct {
	// Cached allows answering from the data cache without network I/O.
	Cached bool
	// Select restricts the merge into an existing record to these fields.
	Select []string
}

// EntityGetter fetches single records.
type EntityGetter[T models.Mergeable[T]] struct {
	src     EntitySource[T]
	flights *flightGroup
}

// NewEntityGetter creates a getter from src.
func NewEntityGetter[T models.Mergeable[T]](src EntitySource[T]) *EntityGetter[T] {
	if src.Name == "" {
		src.Name = "entity"
	}
	return &EntityGetter[T]{src: src, flights: newFlightGroup(src.Name)}
}

// Name returns the getter label.
func (g *EntityGetter[T]) Name() string { return g.src.Name }

// CacheFor returns the data cache used for params.
func (g *EntityGetter[T]) CacheFor(params models.Params) *datacache.DataCache[T] {
	return g.src.Cache(params)
}

// Fetch returns the record identified by params. A not-found answer removes
// the record from the cache before the error is returned.
func (g *EntityGetter[T]) Fetch(ctx context.Context, params models.Params, opts FetchOptions) (T, error) {
	cache := g.src.Cache(params)
	if opts.Cached {
		if v, ok := cache.Get(params[cache.UniqueField()]); ok {
			metrics.RecordCacheLookup(g.src.Name, true)
			return v, nil
		}
	}
	metrics.RecordCacheLookup(g.src.Name, false)

	key := cache.ID() + "|" + params.String() + "|" + strings.Join(opts.Select, ",")
	res, err := g.flights.do(ctx, key, func(ctx context.Context) (any, error) {
		start := time.Now()
		v, err := g.src.Get(ctx, params)
		metrics.RecordFetch(g.src.Name, time.Since(start), err)
		if err != nil {
			return nil, err
		}
		stored := v
		if k := cache.AddItem(v, opts.Select...); k != "" {
			if cur, ok := cache.Get(k); ok {
				stored = cur
			}
		}
		return stored, nil
	})
	if err != nil {
		if IsNotFound(err) {
			g.evict(cache, params)
		}
		var zero T
		return zero, err
	}
	return res.(T), nil
}

func (g *EntityGetter[T]) evict(cache *datacache.DataCache[T], params models.Params) {
	key, ok := params[cache.UniqueField()]
	if !ok || key == "" {
		logging.Warn("not found response without unique field in params",
			logging.String("getter", g.src.Name),
			logging.String("field", cache.UniqueField()),
			logging.String("params", params.String()))
		return
	}
	cache.DeleteItemByKey(key)
}
