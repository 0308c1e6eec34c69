package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azure/BatchExplorer-sub004/internal/client"
	"github.com/Azure/BatchExplorer-sub004/internal/getter"
	"github.com/Azure/BatchExplorer-sub004/internal/session"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
	"github.com/Azure/BatchExplorer-sub004/pkg/retry"
)

// account fakes the REST surface used by the services.
type account struct {
	mu      sync.Mutex
	url     string
	pools   map[string]models.Pool
	deleted []string
}

func (a *account) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	p := r.URL.Path

	if r.Method == http.MethodDelete {
		a.deleted = append(a.deleted, p)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch {
	case p == "/pools" && r.URL.Query().Get("$skiptoken") == "":
		fmt.Fprintf(w, `{"value":[{"id":"p1"},{"id":"p2"}],"odata.nextLink":"%s/pools?$skiptoken=1"}`, a.url)
	case p == "/pools":
		fmt.Fprint(w, `{"value":[{"id":"p3"}]}`)
	case strings.HasPrefix(p, "/pools/"):
		pool, ok := a.pools[strings.TrimPrefix(p, "/pools/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"code":"PoolNotFound","message":{"value":"missing"}}`)
			return
		}
		json.NewEncoder(w).Encode(pool)
	case p == "/jobs/j1/tasks":
		fmt.Fprint(w, `{"value":[{"id":"t1","state":"running"},{"id":"t2","state":"completed"}]}`)
	case p == "/jobs/j1/tasks/t1/files":
		switch r.URL.Query().Get("$filter") {
		case "startswith(name,'wd/')":
			fmt.Fprint(w, `{"value":[
				{"name":"wd/out.txt","isDirectory":false,"properties":{"contentLength":12}},
				{"name":"wd/err.txt","isDirectory":false,"properties":{"contentLength":0}}]}`)
		default:
			fmt.Fprint(w, `{"value":[
				{"name":"wd","isDirectory":true},
				{"name":"stdout.txt","isDirectory":false,"properties":{"contentLength":5}}]}`)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func testServices(t *testing.T) (*Services, *account) {
	t.Helper()
	acct := &account{pools: map[string]models.Pool{
		"p1": {ID: "p1", VMSize: "small"},
		"p2": {ID: "p2", VMSize: "large"},
	}}
	ts := httptest.NewServer(acct)
	t.Cleanup(ts.Close)
	acct.url = ts.URL

	sess := session.New(session.Account{Name: "test", BaseURL: ts.URL}, nil)
	t.Cleanup(sess.Close)
	c := client.New(client.Config{
		BaseURL: ts.URL,
		Retry:   retry.Config{MaxAttempts: 1},
	})
	s := New(Deps{Session: sess, Client: c}, Options{MaxQuery: 2, DeleteDelay: -1})
	return s, acct
}

func TestPoolsListAndGet(t *testing.T) {
	s, _ := testServices(t)
	ctx := context.Background()

	resp, err := s.Pools.List(ctx, nil, models.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3"}, resp.Keys)
	assert.Equal(t, 3, s.Pools.Cache(nil).Len())

	pool, err := s.Pools.Get(ctx, models.Params{ParamID: "p1"}, getter.FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "small", pool.VMSize)
}

func TestPoolNotFoundEvicts(t *testing.T) {
	s, _ := testServices(t)
	cache := s.Pools.Cache(nil)
	cache.AddItem(models.Pool{ID: "gone"})

	_, err := s.Pools.Get(context.Background(), models.Params{ParamID: "gone"}, getter.FetchOptions{})

	assert.True(t, getter.IsNotFound(err))
	assert.False(t, cache.Has("gone"))
}

func TestDeleteEvicts(t *testing.T) {
	s, acct := testServices(t)
	cache := s.Pools.Cache(nil)
	cache.AddItem(models.Pool{ID: "p1"})

	require.NoError(t, s.Pools.Delete(context.Background(), models.Params{ParamID: "p1"}))

	assert.False(t, cache.Has("p1"))
	assert.Equal(t, []string{"/pools/p1"}, acct.deleted)
}

func TestTaskCachesPerJob(t *testing.T) {
	s, _ := testServices(t)

	lv := s.Tasks.ListView(models.Params{ParamJobID: "j1"}, models.ListOptions{})
	defer lv.Dispose()
	_, err := lv.FetchAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"t1", "t2"}, lv.Keys())
	assert.Equal(t, 2, s.Tasks.Cache(models.Params{ParamJobID: "j1"}).Len())
	assert.Zero(t, s.Tasks.Cache(models.Params{ParamJobID: "j2"}).Len())
}

func TestApplyFeed(t *testing.T) {
	s, acct := testServices(t)
	cache := s.Pools.Cache(nil)
	cache.AddItems([]models.Pool{{ID: "p1", VMSize: "small"}, {ID: "p2", VMSize: "old"}})

	feed := make(chan client.FeedEvent, 2)
	feed <- client.FeedEvent{Type: client.EventDeleted, Kind: "pool", ID: "p1"}
	feed <- client.FeedEvent{Type: client.EventUpdated, Kind: "pool", ID: "p2"}
	close(feed)

	s.ApplyFeed(context.Background(), feed)

	assert.False(t, cache.Has("p1"))
	p2, ok := cache.Get("p2")
	require.True(t, ok)
	assert.Equal(t, "large", p2.VMSize)
	assert.Empty(t, acct.deleted, "feed deletions are local only")
}

func TestTaskNavigator(t *testing.T) {
	s, acct := testServices(t)
	ctx := context.Background()
	nav := s.TaskNavigator("j1", "t1", "")
	defer nav.Close()

	require.NoError(t, nav.Init(ctx))
	var root []string
	for _, n := range nav.Tree().Root().Children() {
		root = append(root, n.Path)
	}
	assert.Equal(t, []string{"wd", "stdout.txt"}, root)

	require.NoError(t, nav.Navigate(ctx, "wd"))
	assert.True(t, nav.Tree().Has("wd/out.txt"))
	assert.Equal(t, int64(12), nav.GetNode("wd/out.txt").ContentLength)

	require.NoError(t, nav.DeleteFile(ctx, "wd/out.txt"))
	assert.Equal(t, []string{"/jobs/j1/tasks/t1/files/wd/out.txt"}, acct.deleted)
	assert.False(t, nav.Tree().Has("wd/out.txt"))
	assert.True(t, nav.Tree().Has("wd/err.txt"))
}

func TestUnconfiguredBackends(t *testing.T) {
	s, _ := testServices(t)
	_, err := s.BlobNavigator("c", "")
	assert.ErrorIs(t, err, ErrNoBackend)
	_, err = s.IndexNavigator("c", "")
	assert.ErrorIs(t, err, ErrNoBackend)
	_, err = s.IndexContainer(context.Background(), "c")
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestLocalNavigatorReloadsOnChange(t *testing.T) {
	s, _ := testServices(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	ctx := context.Background()

	nav, closeFn, err := s.LocalNavigator(ctx, dir, true)
	require.NoError(t, err)
	defer closeFn()
	require.NoError(t, nav.Init(ctx))
	assert.True(t, nav.Tree().Has("a.txt"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644))

	assert.Eventually(t, func() bool { return nav.Tree().Has("b.txt") }, 5*time.Second, 20*time.Millisecond)
}
