package filenav

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/Azure/BatchExplorer-sub004/internal/datacache"
	"github.com/Azure/BatchExplorer-sub004/internal/getter"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
)

// memStore is a flat blob namespace served two entries per page.
type memStore struct {
	mu      sync.Mutex
	names   map[string]struct{}
	deleted []string
	failOn  map[string]error
}

func newMemStore(names ...string) *memStore {
	s := &memStore{names: make(map[string]struct{}), failOn: make(map[string]error)}
	for _, n := range names {
		s.names[n] = struct{}{}
	}
	return s
}

func (s *memStore) entries(folder string, recursive bool) []models.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := ""
	if folder != "" {
		prefix = folder + "/"
	}
	var names []string
	for n := range s.names {
		names = append(names, n)
	}
	sort.Strings(names)

	var out []models.File
	seenDirs := make(map[string]bool)
	for _, n := range names {
		if !strings.HasPrefix(n, prefix) {
			continue
		}
		rest := n[len(prefix):]
		if i := strings.Index(rest, "/"); i >= 0 && !recursive {
			dir := prefix + rest[:i]
			if !seenDirs[dir] {
				seenDirs[dir] = true
				out = append(out, models.File{Name: dir, IsDirectory: true})
			}
			continue
		}
		out = append(out, models.File{Name: n, ContentLength: int64(len(n))})
	}
	return out
}

func (s *memStore) page(folder string, recursive bool, start int) getter.Page[models.File] {
	all := s.entries(folder, recursive)
	end := min(start+2, len(all))
	p := getter.Page[models.File]{Items: all[start:end]}
	if end < len(all) {
		p.NextLink = fmt.Sprintf("%s|%t|%d", folder, recursive, end)
	}
	return p
}

func (s *memStore) delete(_ context.Context, p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[p]; err != nil {
		return err
	}
	if _, ok := s.names[p]; !ok {
		return getter.ErrNotFound
	}
	delete(s.names, p)
	s.deleted = append(s.deleted, p)
	return nil
}

func (s *memStore) navigator(cfg Config) (*Navigator, *datacache.DataCache[models.File]) {
	cache := datacache.New[models.File](nil, datacache.Options{UniqueField: models.FileUniqueField, MaxQuery: 10})
	cfg.Getter = getter.NewListGetter(getter.ListSource[models.File]{
		Name:  "files",
		Cache: func(models.Params) *datacache.DataCache[models.File] { return cache },
		List: func(_ context.Context, _ models.Params, o models.ListOptions) (getter.Page[models.File], error) {
			return s.page(o.Folder, o.Recursive, 0), nil
		},
		ListNext: func(_ context.Context, next string) (getter.Page[models.File], error) {
			parts := strings.Split(next, "|")
			start, _ := strconv.Atoi(parts[2])
			return s.page(parts[0], parts[1] == "true", start), nil
		},
	})
	if cfg.Delete == nil {
		cfg.Delete = s.delete
	}
	if cfg.DeleteDelay == 0 {
		cfg.DeleteDelay = -1
	}
	return New(cfg), cache
}

func TestNavigatorInitAndNavigate(t *testing.T) {
	s := newMemStore("a.txt", "wd/stdout.txt", "wd/stderr.txt", "wd/sub/x.bin", "b.txt", "c.txt")
	nav, _ := s.navigator(Config{})
	defer nav.Close()
	ctx := context.Background()

	require.NoError(t, nav.Init(ctx))
	assert.Equal(t, []string{"wd", "a.txt", "b.txt", "c.txt"}, childPaths(nav.Tree().Root()))

	require.NoError(t, nav.Navigate(ctx, "/wd/"))
	assert.Equal(t, "wd", nav.CurrentPath())
	n := nav.GetNode("wd")
	assert.Equal(t, Loaded, n.Status)
	assert.Equal(t, []string{"wd/sub", "wd/stderr.txt", "wd/stdout.txt"}, childPaths(n))
}

func TestNavigatorBasePathAndWildcards(t *testing.T) {
	s := newMemStore("task/wd/out.txt", "task/wd/out.log", "task/wd/logs/a.log", "other/x.txt")
	nav, _ := s.navigator(Config{BasePath: "task/", Wildcards: "*.txt"})
	defer nav.Close()

	require.NoError(t, nav.Navigate(context.Background(), "wd"))

	n := nav.GetNode("wd")
	assert.Equal(t, []string{"wd/logs", "wd/out.txt"}, childPaths(n), "wildcards filter files, never folders")
	assert.Equal(t, "task", nav.BasePath())
}

func TestNavigatorListAllFiles(t *testing.T) {
	s := newMemStore("wd/a.txt", "wd/sub/b.txt", "wd/sub/deep/c.log", "z.txt")
	nav, _ := s.navigator(Config{Wildcards: "*.txt"})
	defer nav.Close()

	files, err := nav.ListAllFiles(context.Background(), "wd")
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"wd/a.txt", "wd/sub/b.txt"}, names)
	assert.False(t, nav.Tree().Has("wd"), "listing all files leaves the tree alone")
}

func TestNavigatorGetNodeResolvesInBackground(t *testing.T) {
	s := newMemStore("wd/sub/x.txt", "wd/y.txt")
	nav, _ := s.navigator(Config{})
	defer nav.Close()

	var mu sync.Mutex
	versions := 0
	nav.Subscribe(func(uint64) { mu.Lock(); versions++; mu.Unlock() })

	placeholder := nav.GetNode("wd/sub")
	assert.True(t, placeholder.Unknown)
	assert.Equal(t, Loading, placeholder.Status)

	require.Eventually(t, func() bool { return nav.Tree().Has("wd/sub/x.txt") }, time.Second, time.Millisecond)
	n := nav.GetNode("wd/sub")
	assert.False(t, n.Unknown)
	assert.True(t, n.IsDirectory)

	require.Eventually(t, func() bool { return nav.Tree().Has("wd/y.txt") || !nav.GetNode("wd/y.txt").Unknown }, time.Second, time.Millisecond)
	mu.Lock()
	assert.Greater(t, versions, 1)
	mu.Unlock()
}

func TestNavigatorGetNodeMissing(t *testing.T) {
	s := newMemStore("a.txt")
	nav, _ := s.navigator(Config{})
	defer nav.Close()

	nav.GetNode("nope.txt")
	require.Eventually(t, func() bool { return nav.GetNode("nope.txt").Missing }, time.Second, time.Millisecond)

	nav.AddVirtualFolder("nope.txt")
	n := nav.GetNode("nope.txt")
	assert.True(t, n.Virtual)
	assert.False(t, n.Unknown)
}

func TestNavigatorDeleteFilePrunes(t *testing.T) {
	s := newMemStore("a/b/only.txt", "a/keep.txt")
	nav, cache := s.navigator(Config{})
	defer nav.Close()
	ctx := context.Background()
	require.NoError(t, nav.LoadPath(ctx, ""))
	require.NoError(t, nav.LoadPath(ctx, "a"))
	require.NoError(t, nav.LoadPath(ctx, "a/b"))
	require.True(t, cache.Has("a/b/only.txt"))

	require.NoError(t, nav.DeleteFile(ctx, "a/b/only.txt"))

	assert.Equal(t, []string{"a/b/only.txt"}, s.deleted)
	assert.False(t, nav.Tree().Has("a/b"))
	assert.True(t, nav.Tree().Has("a/keep.txt"))
	assert.False(t, cache.Has("a/b/only.txt"))
}

func TestNavigatorDeleteFilesContinuesOnError(t *testing.T) {
	s := newMemStore("x/1.txt", "x/2.txt", "x/3.txt")
	boom := errors.New("locked")
	s.failOn["x/2.txt"] = boom
	nav, _ := s.navigator(Config{})
	defer nav.Close()

	n, err := nav.DeleteFiles(context.Background(), []string{"x/1.txt", "x/2.txt", "x/3.txt"})

	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"x/1.txt", "x/3.txt"}, s.deleted)
}

func TestNavigatorDeleteFilesPaced(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(0, 0))
	s := newMemStore("1.txt", "2.txt")
	nav, _ := s.navigator(Config{DeleteDelay: 100 * time.Millisecond, Clock: clk})
	defer nav.Close()

	done := make(chan int, 1)
	go func() {
		n, _ := nav.DeleteFiles(context.Background(), []string{"1.txt", "2.txt"})
		done <- n
	}()

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	s.mu.Lock()
	assert.Equal(t, []string{"1.txt"}, s.deleted)
	s.mu.Unlock()

	clk.Step(100 * time.Millisecond)
	assert.Equal(t, 2, <-done)
}

func TestNavigatorDeleteFolder(t *testing.T) {
	s := newMemStore("wd/a.txt", "wd/sub/b.txt", "keep.txt")
	nav, _ := s.navigator(Config{})
	defer nav.Close()
	ctx := context.Background()
	require.NoError(t, nav.LoadPath(ctx, ""))
	require.NoError(t, nav.LoadPath(ctx, "wd"))

	n, err := nav.DeleteFolder(ctx, "wd")

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"wd/a.txt", "wd/sub/b.txt"}, s.deleted)
	assert.False(t, nav.Tree().Has("wd"))
	assert.True(t, nav.Tree().Has("keep.txt"))
}

func TestNavigatorDeleteFolderIgnoresWildcards(t *testing.T) {
	s := newMemStore("wd/a.txt", "wd/b.log")
	nav, _ := s.navigator(Config{Wildcards: "*.txt"})
	defer nav.Close()
	ctx := context.Background()
	require.NoError(t, nav.LoadPath(ctx, "wd"))

	n, err := nav.DeleteFolder(ctx, "wd")

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"wd/a.txt", "wd/b.log"}, s.deleted)
	s.mu.Lock()
	assert.Empty(t, s.names)
	s.mu.Unlock()
	assert.False(t, nav.Tree().Has("wd"))
}

func TestNavigatorWithoutDelete(t *testing.T) {
	s := newMemStore("a.txt")
	nav, _ := s.navigator(Config{})
	nav.cfg.Delete = nil
	defer nav.Close()
	assert.ErrorIs(t, nav.DeleteFile(context.Background(), "a.txt"), ErrNoDelete)
}

func TestNavigatorRefreshSeesNewFiles(t *testing.T) {
	s := newMemStore("a.txt")
	nav, _ := s.navigator(Config{})
	defer nav.Close()
	ctx := context.Background()
	require.NoError(t, nav.Init(ctx))

	s.mu.Lock()
	s.names["b.txt"] = struct{}{}
	s.mu.Unlock()
	require.NoError(t, nav.Refresh(ctx))

	assert.Equal(t, []string{"a.txt", "b.txt"}, childPaths(nav.Tree().Root()))
}
