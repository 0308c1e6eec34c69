package getter

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/BatchExplorer-sub004/internal/datacache"
	"github.com/Azure/BatchExplorer-sub004/internal/metrics"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
)

// Page is one page returned by a list collaborator. An empty NextLink
// marks the last page.
type Page[T any] struct {
	Items    []T
	NextLink string
}

// ListSource is the strategy a ListGetter is built from.
type ListSource[T models.Mergeable[T]] struct {
	// Name labels the getter in logs and metrics.
	Name string
	// Cache resolves the data cache for a set of params.
	Cache func(models.Params) *datacache.DataCache[T]
	// List fetches the first page of a query.
	List func(ctx context.Context, params models.Params, opts models.ListOptions) (Page[T], error)
	// ListNext follows a continuation link returned by an earlier page.
	ListNext func(ctx context.Context, nextLink string) (Page[T], error)
}

// ListResponse is a page resolved against the data cache.
type ListResponse[T any] struct {
	Items     []T
	Keys      []string
	NextLink  string
	FromCache bool
}

// HasMore reports whether a continuation is available.
func (r ListResponse[T]) HasMore() bool { return r.NextLink != "" }

// ErrNoContinuation is returned by FetchNext when the source cannot follow
// continuation links.
var ErrNoContinuation = errors.New("list source does not support continuation")

// ListGetter fetches pages of records.
type ListGetter[T models.Mergeable[T]] struct {
	src     ListSource[T]
	flights *flightGroup
}

// NewListGetter creates a getter from src.
func NewListGetter[T models.Mergeable[T]](src ListSource[T]) *ListGetter[T] {
	if src.Name == "" {
		src.Name = "list"
	}
	return &ListGetter[T]{src: src, flights: newFlightGroup(src.Name)}
}

// Name returns the getter label.
func (g *ListGetter[T]) Name() string { return g.src.Name }

// CacheFor returns the data cache used for params.
func (g *ListGetter[T]) CacheFor(params models.Params) *datacache.DataCache[T] {
	return g.src.Cache(params)
}

// Fetch returns the first page of the query. Unless forceNew is set, a
// query cached under the same filter is answered without network I/O.
func (g *ListGetter[T]) Fetch(ctx context.Context, params models.Params, opts models.ListOptions, forceNew bool) (ListResponse[T], error) {
	cache := g.src.Cache(params)
	if !forceNew {
		if e, ok := cache.QueryCache().GetKeys(opts.QueryKey()); ok {
			metrics.RecordCacheLookup(g.src.Name, true)
			resp := resolve(cache, e.Keys)
			resp.NextLink = e.Data
			resp.FromCache = true
			return resp, nil
		}
	}
	metrics.RecordCacheLookup(g.src.Name, false)
	return g.first(ctx, cache, params, opts, true)
}

// Peek fetches the first page like a forced Fetch but leaves the query
// cache alone, for lookups whose page size differs from a regular listing.
// The items still go to the data cache.
func (g *ListGetter[T]) Peek(ctx context.Context, params models.Params, opts models.ListOptions) (ListResponse[T], error) {
	return g.first(ctx, g.src.Cache(params), params, opts, false)
}

func (g *ListGetter[T]) first(ctx context.Context, cache *datacache.DataCache[T], params models.Params, opts models.ListOptions, memo bool) (ListResponse[T], error) {
	key := "first|" + cache.ID() + "|" + params.String() + "|" + opts.String()
	if !memo {
		key = "peek|" + cache.ID() + "|" + params.String() + "|" + opts.String()
	}
	res, err := g.flights.do(ctx, key, func(ctx context.Context) (any, error) {
		page, err := g.timed(func() (Page[T], error) { return g.src.List(ctx, params, opts) })
		if err != nil {
			return nil, err
		}
		keys := cache.AddItems(page.Items, opts.Select...)
		if memo {
			cache.QueryCache().CacheQuery(opts.QueryKey(), keys, page.NextLink)
		}
		resp := resolve(cache, keys)
		resp.NextLink = page.NextLink
		return resp, nil
	})
	if err != nil {
		return ListResponse[T]{}, err
	}
	return res.(ListResponse[T]), nil
}

// FetchNext follows nextLink and adds the page to the cache of params.
func (g *ListGetter[T]) FetchNext(ctx context.Context, params models.Params, opts models.ListOptions, nextLink string) (ListResponse[T], error) {
	if g.src.ListNext == nil {
		return ListResponse[T]{}, ErrNoContinuation
	}
	cache := g.src.Cache(params)

	key := "next|" + cache.ID() + "|" + nextLink
	res, err := g.flights.do(ctx, key, func(ctx context.Context) (any, error) {
		page, err := g.timed(func() (Page[T], error) { return g.src.ListNext(ctx, nextLink) })
		if err != nil {
			return nil, err
		}
		keys := cache.AddItems(page.Items, opts.Select...)
		resp := resolve(cache, keys)
		resp.NextLink = page.NextLink
		return resp, nil
	})
	if err != nil {
		return ListResponse[T]{}, err
	}
	return res.(ListResponse[T]), nil
}

// FetchAll drains every page of the query, bypassing the query cache.
// MaxItems, when set, truncates the result.
func (g *ListGetter[T]) FetchAll(ctx context.Context, params models.Params, opts models.ListOptions) (ListResponse[T], error) {
	resp, err := g.Fetch(ctx, params, opts, true)
	if err != nil {
		return ListResponse[T]{}, err
	}
	all := ListResponse[T]{Items: resp.Items, Keys: resp.Keys}
	seen := make(map[string]struct{}, len(resp.Keys))
	for _, k := range resp.Keys {
		seen[k] = struct{}{}
	}

	next := resp.NextLink
	for next != "" && (opts.MaxItems == 0 || len(all.Keys) < opts.MaxItems) {
		page, err := g.FetchNext(ctx, params, opts, next)
		if err != nil {
			return ListResponse[T]{}, err
		}
		for i, k := range page.Keys {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			all.Keys = append(all.Keys, k)
			all.Items = append(all.Items, page.Items[i])
		}
		next = page.NextLink
	}
	if opts.MaxItems > 0 && len(all.Keys) > opts.MaxItems {
		all.Keys = all.Keys[:opts.MaxItems]
		all.Items = all.Items[:opts.MaxItems]
	}
	return all, nil
}

func (g *ListGetter[T]) timed(fn func() (Page[T], error)) (Page[T], error) {
	start := time.Now()
	page, err := fn()
	metrics.RecordFetch(g.src.Name, time.Since(start), err)
	return page, err
}

// resolve maps keys to cached records, dropping duplicates and keys no
// longer cached.
func resolve[T models.Mergeable[T]](cache *datacache.DataCache[T], keys []string) ListResponse[T] {
	resp := ListResponse[T]{
		Items: make([]T, 0, len(keys)),
		Keys:  make([]string, 0, len(keys)),
	}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if v, ok := cache.Get(k); ok {
			resp.Items = append(resp.Items, v)
			resp.Keys = append(resp.Keys, k)
		}
	}
	return resp
}
