package getter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azure/BatchExplorer-sub004/internal/datacache"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
)

func poolCache() *datacache.DataCache[models.Pool] {
	return datacache.New[models.Pool](nil, datacache.Options{Name: "pools", MaxQuery: 5})
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("boom"), false},
		{ErrNotFound, true},
		{fmt.Errorf("head object: %w", ErrNotFound), true},
		{&ServerError{Status: http.StatusNotFound, Code: "PoolNotFound"}, true},
		{fmt.Errorf("wrapped: %w", &ServerError{Status: http.StatusNotFound}), true},
		{&ServerError{Status: http.StatusInternalServerError}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsNotFound(tt.err), "%v", tt.err)
	}
}

func TestServerErrorMessage(t *testing.T) {
	err := &ServerError{Status: 404, Code: "PoolNotFound", Message: "The specified pool does not exist."}
	assert.Equal(t, "server error 404 (PoolNotFound): The specified pool does not exist.", err.Error())
	err = &ServerError{Status: 500, Err: errors.New("reset")}
	assert.Equal(t, "server error 500: reset", err.Error())
}

func TestEntityFetchStoresInCache(t *testing.T) {
	cache := poolCache()
	g := NewEntityGetter(EntitySource[models.Pool]{
		Cache: func(models.Params) *datacache.DataCache[models.Pool] { return cache },
		Get: func(_ context.Context, p models.Params) (models.Pool, error) {
			return models.Pool{ID: p["id"], State: "active"}, nil
		},
	})

	got, err := g.Fetch(context.Background(), models.Params{"id": "p1"}, FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "active", got.State)
	assert.True(t, cache.Has("p1"))
}

func TestEntityFetchSelectMergesIntoExisting(t *testing.T) {
	cache := poolCache()
	cache.AddItem(models.Pool{ID: "p1", DisplayName: "pool one", State: "active"})
	g := NewEntityGetter(EntitySource[models.Pool]{
		Cache: func(models.Params) *datacache.DataCache[models.Pool] { return cache },
		Get: func(context.Context, models.Params) (models.Pool, error) {
			return models.Pool{ID: "p1", State: "deleting"}, nil
		},
	})

	got, err := g.Fetch(context.Background(), models.Params{"id": "p1"}, FetchOptions{Select: []string{"id", "state"}})
	require.NoError(t, err)
	assert.Equal(t, models.Pool{ID: "p1", DisplayName: "pool one", State: "deleting"}, got)
}

func TestEntityFetchCachedSkipsNetwork(t *testing.T) {
	cache := poolCache()
	cache.AddItem(models.Pool{ID: "p1", State: "active"})
	var calls atomic.Int32
	g := NewEntityGetter(EntitySource[models.Pool]{
		Cache: func(models.Params) *datacache.DataCache[models.Pool] { return cache },
		Get: func(context.Context, models.Params) (models.Pool, error) {
			calls.Add(1)
			return models.Pool{ID: "p1"}, nil
		},
	})

	got, err := g.Fetch(context.Background(), models.Params{"id": "p1"}, FetchOptions{Cached: true})
	require.NoError(t, err)
	assert.Equal(t, "active", got.State)
	assert.Equal(t, int32(0), calls.Load())

	_, err = g.Fetch(context.Background(), models.Params{"id": "p2"}, FetchOptions{Cached: true})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "cache miss goes to the network")
}

func TestEntityNotFoundEvicts(t *testing.T) {
	cache := poolCache()
	cache.AddItem(models.Pool{ID: "p1"})
	deleted := ""
	cache.SubscribeDeleted(func(k string) { deleted = k })
	g := NewEntityGetter(EntitySource[models.Pool]{
		Cache: func(models.Params) *datacache.DataCache[models.Pool] { return cache },
		Get: func(context.Context, models.Params) (models.Pool, error) {
			return models.Pool{}, &ServerError{Status: http.StatusNotFound, Code: "PoolNotFound"}
		},
	})

	_, err := g.Fetch(context.Background(), models.Params{"id": "p1"}, FetchOptions{})

	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, cache.Has("p1"))
	assert.Equal(t, "p1", deleted)
}

func TestEntityNotFoundWithoutKeyIsNoop(t *testing.T) {
	cache := poolCache()
	cache.AddItem(models.Pool{ID: "p1"})
	g := NewEntityGetter(EntitySource[models.Pool]{
		Cache: func(models.Params) *datacache.DataCache[models.Pool] { return cache },
		Get: func(context.Context, models.Params) (models.Pool, error) {
			return models.Pool{}, ErrNotFound
		},
	})

	_, err := g.Fetch(context.Background(), models.Params{"name": "p1"}, FetchOptions{})
	require.ErrorIs(t, err, ErrNotFound)
	assert.True(t, cache.Has("p1"))
}

func TestEntityTransientErrorKeepsCache(t *testing.T) {
	cache := poolCache()
	cache.AddItem(models.Pool{ID: "p1"})
	g := NewEntityGetter(EntitySource[models.Pool]{
		Cache: func(models.Params) *datacache.DataCache[models.Pool] { return cache },
		Get: func(context.Context, models.Params) (models.Pool, error) {
			return models.Pool{}, &ServerError{Status: http.StatusServiceUnavailable}
		},
	})

	_, err := g.Fetch(context.Background(), models.Params{"id": "p1"}, FetchOptions{})
	require.Error(t, err)
	assert.True(t, cache.Has("p1"))
}

func waitForWaiters(t *testing.T, g *flightGroup, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		total := 0
		for _, w := range g.waiters {
			total += w
		}
		return total == n
	}, time.Second, time.Millisecond)
}

func TestEntityConcurrentFetchesShareOneCall(t *testing.T) {
	cache := poolCache()
	release := make(chan struct{})
	var calls atomic.Int32
	g := NewEntityGetter(EntitySource[models.Pool]{
		Cache: func(models.Params) *datacache.DataCache[models.Pool] { return cache },
		Get: func(_ context.Context, p models.Params) (models.Pool, error) {
			calls.Add(1)
			<-release
			return models.Pool{ID: p["id"]}, nil
		},
	})

	var wg sync.WaitGroup
	results := make([]models.Pool, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = g.Fetch(context.Background(), models.Params{"id": "p1"}, FetchOptions{})
		}(i)
	}
	waitForWaiters(t, g.flights, 2)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "p1", results[0].ID)
	assert.Equal(t, "p1", results[1].ID)
}

func TestAbandonedFetchIsCancelled(t *testing.T) {
	cache := poolCache()
	cancelled := make(chan struct{})
	g := NewEntityGetter(EntitySource[models.Pool]{
		Cache: func(models.Params) *datacache.DataCache[models.Pool] { return cache },
		Get: func(ctx context.Context, _ models.Params) (models.Pool, error) {
			<-ctx.Done()
			close(cancelled)
			return models.Pool{}, ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.Fetch(ctx, models.Params{"id": "p1"}, FetchOptions{})
		done <- err
	}()
	waitForWaiters(t, g.flights, 1)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("collaborator call was not cancelled")
	}
	assert.False(t, cache.Has("p1"))
}

// pagedSource serves pools p0..p(n-1) in pages of size.
type pagedSource struct {
	n, size int
	calls   atomic.Int32
}

func (s *pagedSource) page(start int) Page[models.Pool] {
	var p Page[models.Pool]
	for i := start; i < start+s.size && i < s.n; i++ {
		p.Items = append(p.Items, models.Pool{ID: fmt.Sprintf("p%d", i)})
	}
	if start+s.size < s.n {
		p.NextLink = fmt.Sprintf("%d", start+s.size)
	}
	return p
}

func (s *pagedSource) getter(cache *datacache.DataCache[models.Pool]) *ListGetter[models.Pool] {
	return NewListGetter(ListSource[models.Pool]{
		Name:  "pools",
		Cache: func(models.Params) *datacache.DataCache[models.Pool] { return cache },
		List: func(context.Context, models.Params, models.ListOptions) (Page[models.Pool], error) {
			s.calls.Add(1)
			return s.page(0), nil
		},
		ListNext: func(_ context.Context, next string) (Page[models.Pool], error) {
			s.calls.Add(1)
			var start int
			fmt.Sscanf(next, "%d", &start)
			return s.page(start), nil
		},
	})
}

func TestListFetchUsesQueryCache(t *testing.T) {
	cache := poolCache()
	src := &pagedSource{n: 5, size: 2}
	g := src.getter(cache)
	ctx := context.Background()

	first, err := g.Fetch(ctx, nil, models.ListOptions{}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"p0", "p1"}, first.Keys)
	assert.True(t, first.HasMore())
	assert.False(t, first.FromCache)

	again, err := g.Fetch(ctx, nil, models.ListOptions{}, false)
	require.NoError(t, err)
	assert.True(t, again.FromCache)
	assert.Equal(t, first.Keys, again.Keys)
	assert.Equal(t, first.NextLink, again.NextLink)
	assert.Equal(t, int32(1), src.calls.Load())

	_, err = g.Fetch(ctx, nil, models.ListOptions{}, true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load(), "forceNew bypasses the query cache")

	_, err = g.Fetch(ctx, nil, models.ListOptions{Filter: "state eq 'active'"}, false)
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.calls.Load(), "different filter is a different query")
}

func TestPeekLeavesQueryCacheAlone(t *testing.T) {
	cache := poolCache()
	src := &pagedSource{n: 5, size: 1}
	g := src.getter(cache)
	ctx := context.Background()

	peek, err := g.Peek(ctx, nil, models.ListOptions{PageSize: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"p0"}, peek.Keys)
	assert.True(t, cache.Has("p0"))
	_, cached := cache.QueryCache().GetKeys(models.ListOptions{}.QueryKey())
	assert.False(t, cached)

	src.size = 2
	resp, err := g.Fetch(ctx, nil, models.ListOptions{}, false)
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	assert.Equal(t, []string{"p0", "p1"}, resp.Keys)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestListCachedQueryDropsDeletedKeys(t *testing.T) {
	cache := poolCache()
	src := &pagedSource{n: 2, size: 2}
	g := src.getter(cache)
	ctx := context.Background()

	_, err := g.Fetch(ctx, nil, models.ListOptions{}, false)
	require.NoError(t, err)
	cache.DeleteItemByKey("p0")

	resp, err := g.Fetch(ctx, nil, models.ListOptions{}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, resp.Keys)
}

func TestPaginationMatchesFetchAll(t *testing.T) {
	ctx := context.Background()

	stepCache := poolCache()
	step := (&pagedSource{n: 7, size: 3}).getter(stepCache)
	resp, err := step.Fetch(ctx, nil, models.ListOptions{}, true)
	require.NoError(t, err)
	keys := resp.Keys
	for resp.HasMore() {
		resp, err = step.FetchNext(ctx, nil, models.ListOptions{}, resp.NextLink)
		require.NoError(t, err)
		keys = append(keys, resp.Keys...)
	}

	all, err := (&pagedSource{n: 7, size: 3}).getter(poolCache()).FetchAll(ctx, nil, models.ListOptions{})
	require.NoError(t, err)

	assert.Equal(t, keys, all.Keys)
	assert.Len(t, all.Items, 7)
	assert.Equal(t, 7, stepCache.Len())
}

func TestFetchAllHonoursMaxItems(t *testing.T) {
	src := &pagedSource{n: 10, size: 3}
	all, err := src.getter(poolCache()).FetchAll(context.Background(), nil, models.ListOptions{MaxItems: 4})
	require.NoError(t, err)
	assert.Equal(t, []string{"p0", "p1", "p2", "p3"}, all.Keys)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestFetchNextWithoutContinuation(t *testing.T) {
	cache := poolCache()
	g := NewListGetter(ListSource[models.Pool]{
		Cache: func(models.Params) *datacache.DataCache[models.Pool] { return cache },
		List: func(context.Context, models.Params, models.ListOptions) (Page[models.Pool], error) {
			return Page[models.Pool]{}, nil
		},
	})
	_, err := g.FetchNext(context.Background(), nil, models.ListOptions{}, "x")
	assert.ErrorIs(t, err, ErrNoContinuation)
}

func TestListErrorIsReturned(t *testing.T) {
	cache := poolCache()
	g := NewListGetter(ListSource[models.Pool]{
		Cache: func(models.Params) *datacache.DataCache[models.Pool] { return cache },
		List: func(context.Context, models.Params, models.ListOptions) (Page[models.Pool], error) {
			return Page[models.Pool]{}, &ServerError{Status: 500}
		},
	})
	_, err := g.Fetch(context.Background(), nil, models.ListOptions{}, false)
	require.Error(t, err)
	assert.Equal(t, 0, cache.QueryCache().Len())
}
