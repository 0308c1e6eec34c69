// Package batch wires the account resources (pools, jobs, tasks and their
// files) to caches, getters, views and file navigators.
package batch

import (
	"context"
	"fmt"

	"github.com/Azure/BatchExplorer-sub004/internal/datacache"
	"github.com/Azure/BatchExplorer-sub004/internal/getter"
	"github.com/Azure/BatchExplorer-sub004/internal/logging"
	"github.com/Azure/BatchExplorer-sub004/internal/poll"
	"github.com/Azure/BatchExplorer-sub004/internal/view"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
)

// Params keys.
const (
	ParamID        = "id"
	ParamJobID     = "jobId"
	ParamTaskID    = "taskId"
	ParamPath      = "path"
	ParamContainer = "container"
)

// source holds the collaborator calls of one resource type.
type source[T models.Mergeable[T]] struct {
	name     string
	cache    func(models.Params) *datacache.DataCache[T]
	key      func(models.Params) string
	get      func(ctx context.Context, params models.Params) (T, error)
	list     func(ctx context.Context, params models.Params, opts models.ListOptions) (getter.Page[T], error)
	listNext func(ctx context.Context, nextLink string) (getter.Page[T], error)
	remove   func(ctx context.Context, params models.Params) error
}

// Resource gives access to one resource type through the shared caches.
type Resource[T models.Mergeable[T]] struct {
	src    source[T]
	entity *getter.EntityGetter[T]
	list   *getter.ListGetter[T]
	poll   *poll.Service
}

func newResource[T models.Mergeable[T]](src source[T], poller *poll.Service) *Resource[T] {
	if src.key == nil {
		src.key = func(p models.Params) string { return p[ParamID] }
	}
	r := &Resource[T]{src: src, poll: poller}
	if src.get != nil {
		r.entity = getter.NewEntityGetter(getter.EntitySource[T]{Name: src.name, Cache: src.cache, Get: src.get})
	}
	r.list = getter.NewListGetter(getter.ListSource[T]{
		Name:     src.name + "-list",
		Cache:    src.cache,
		List:     src.list,
		ListNext: src.listNext,
	})
	return r
}

// Name returns the resource label.
func (r *Resource[T]) Name() string { return r.src.name }

// Cache returns the data cache holding records for params.
func (r *Resource[T]) Cache(params models.Params) *datacache.DataCache[T] {
	return r.src.cache(params)
}

// Lister returns the list getter.
func (r *Resource[T]) Lister() *getter.ListGetter[T] { return r.list }

// Get fetches one record.
func (r *Resource[T]) Get(ctx context.Context, params models.Params, opts getter.FetchOptions) (T, error) {
	if r.entity == nil {
		var zero T
		return zero, fmt.Errorf("%s: single fetch not supported", r.src.name)
	}
	return r.entity.Fetch(ctx, params, opts)
}

// List drains every page of the query.
func (r *Resource[T]) List(ctx context.Context, params models.Params, opts models.ListOptions) (getter.ListResponse[T], error) {
	return r.list.FetchAll(ctx, params, opts)
}

// EntityView creates a view tracking the record named by params.
func (r *Resource[T]) EntityView(params models.Params, sel ...string) *view.EntityView[T] {
	return view.NewEntityView(view.EntityConfig[T]{Getter: r.entity, Params: params, Select: sel, Poll: r.poll})
}

// ListView creates a paged view of the query.
func (r *Resource[T]) ListView(params models.Params, opts models.ListOptions) *view.ListView[T] {
	return view.NewListView(view.ListConfig[T]{Getter: r.list, Params: params, Options: opts, Poll: r.poll})
}

// Delete deletes the record remotely and evicts it. A record already gone
// remotely is evicted too.
func (r *Resource[T]) Delete(ctx context.Context, params models.Params) error {
	if r.src.remove == nil {
		return fmt.Errorf("%s: delete not supported", r.src.name)
	}
	err := r.src.remove(ctx, params)
	if err != nil && !getter.IsNotFound(err) {
		return err
	}
	key := r.src.key(params)
	r.Cache(params).DeleteItemByKey(key)
	logging.Debug("deleted record", logging.String("resource", r.src.name), logging.String("key", key))
	return err
}
