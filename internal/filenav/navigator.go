package filenav

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/Azure/BatchExplorer-sub004/internal/getter"
	"github.com/Azure/BatchExplorer-sub004/internal/logging"
	"github.com/Azure/BatchExplorer-sub004/internal/metrics"
	"github.com/Azure/BatchExplorer-sub004/pkg/events"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
)

// DefaultDeleteDelay is the pause between two deletions of a bulk delete.
const DefaultDeleteDelay = 50 * time.Millisecond

// DeleteFunc removes one file given its full path.
type DeleteFunc func(ctx context.Context, path string) error

// Config configures a Navigator.
type Config struct {
	// Getter lists files. Its ListOptions receive Folder and Recursive.
	Getter *getter.ListGetter[models.File]
	// Params select the container, node or directory being browsed.
	Params models.Params
	// BasePath is a prefix hidden from the tree.
	BasePath string
	// Delete removes a file. Deletions fail when nil.
	Delete DeleteFunc
	// Wildcards filters files (never directories), e.g. "*.txt, *.log".
	Wildcards string
	// DeleteDelay paces bulk deletes. Defaults to DefaultDeleteDelay;
	// negative disables pacing.
	DeleteDelay time.Duration
	// Clock drives DeleteDelay. Defaults to the real clock.
	Clock clock.Clock
}

// ErrNoDelete is returned by delete operations when no DeleteFunc is set.
var ErrNoDelete = errors.New("navigator has no delete function")

// Navigator browses one remote file hierarchy through a Tree.
type Navigator struct {
	cfg       Config
	base      string
	wildcards Wildcards
	tree      *Tree
	ctx       context.Context
	cancel    context.CancelFunc
	bg        sync.WaitGroup

	mu        sync.Mutex
	current   string
	version   uint64
	resolving map[string]struct{}
	missing   map[string]struct{}

	changes *events.Latest[uint64]
}

// New creates a navigator. Call Init or Navigate to load the first level.
func New(cfg Config) *Navigator {
	if cfg.DeleteDelay == 0 {
		cfg.DeleteDelay = DefaultDeleteDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Navigator{
		cfg:       cfg,
		base:      NormalizePath(cfg.BasePath),
		wildcards: ParseWildcards(cfg.Wildcards),
		tree:      NewTree(),
		ctx:       ctx,
		cancel:    cancel,
		resolving: make(map[string]struct{}),
		missing:   make(map[string]struct{}),
		changes:   events.NewLatest[uint64](0),
	}
}

// Tree returns the underlying tree.
func (n *Navigator) Tree() *Tree { return n.tree }

// BasePath returns the normalized base path.
func (n *Navigator) BasePath() string { return n.base }

// Subscribe calls fn with the tree version now and after every change.
func (n *Navigator) Subscribe(fn func(version uint64)) *events.Subscription {
	return n.changes.Subscribe(fn)
}

func (n *Navigator) notify() {
	n.mu.Lock()
	n.version++
	v := n.version
	n.mu.Unlock()
	n.changes.Publish(v)
}

// Init loads the root.
func (n *Navigator) Init(ctx context.Context) error {
	return n.Navigate(ctx, "")
}

// CurrentPath returns the path last navigated to.
func (n *Navigator) CurrentPath() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// Navigate moves to p, loading it if it hasn't been listed yet.
func (n *Navigator) Navigate(ctx context.Context, p string) error {
	p = NormalizePath(p)
	n.mu.Lock()
	n.current = p
	n.mu.Unlock()
	if n.tree.IsPathLoaded(p) {
		n.notify()
		return nil
	}
	return n.LoadPath(ctx, p)
}

// Refresh reloads the current path.
func (n *Navigator) Refresh(ctx context.Context) error {
	return n.LoadPath(ctx, n.CurrentPath())
}

// GetNode returns the node at p. When p isn't materialized yet it returns
// an Unknown placeholder and resolves the path in the background; the
// change stream fires once resolved.
func (n *Navigator) GetNode(p string) *Node {
	p = NormalizePath(p)
	if node, ok := n.tree.GetNode(p); ok {
		return node
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.missing[p]; ok {
		return &Node{Path: p, Unknown: true, Missing: true, Status: Loaded}
	}
	if _, ok := n.resolving[p]; !ok {
		n.resolving[p] = struct{}{}
		n.bg.Add(1)
		go n.resolve(p)
	}
	return &Node{Path: p, Unknown: true, Status: Loading}
}

// resolve finds out whether p is a folder (anything listed under it) or a
// file (listed in its parent).
func (n *Navigator) resolve(p string) {
	defer n.bg.Done()
	defer func() {
		n.mu.Lock()
		delete(n.resolving, p)
		n.mu.Unlock()
		n.notify()
	}()

	resp, err := n.cfg.Getter.Peek(n.ctx, n.cfg.Params, models.ListOptions{Folder: n.full(p), PageSize: 1})
	if err != nil {
		logging.Debug("path resolution failed", logging.String("path", p), logging.Err(err))
		return
	}
	if len(resp.Items) > 0 {
		if err := n.LoadPath(n.ctx, p); err != nil {
			logging.Debug("path resolution failed", logging.String("path", p), logging.Err(err))
		}
		return
	}
	if err := n.LoadPath(n.ctx, ParentPath(p)); err != nil {
		logging.Debug("path resolution failed", logging.String("path", p), logging.Err(err))
		return
	}
	if !n.tree.Has(p) {
		n.mu.Lock()
		n.missing[p] = struct{}{}
		n.mu.Unlock()
	}
}

// LoadPath lists the direct children of p (every page) and replaces the
// materialized children with them. Virtual subfolders are kept.
func (n *Navigator) LoadPath(ctx context.Context, p string) error {
	p = NormalizePath(p)
	n.tree.SetStatus(p, Loading)
	n.notify()

	resp, err := n.cfg.Getter.FetchAll(ctx, n.cfg.Params, models.ListOptions{Folder: n.full(p)})
	if err != nil {
		n.tree.SetStatus(p, LoadFailed)
		n.notify()
		return fmt.Errorf("load %q: %w", p, err)
	}

	files := make([]models.File, 0, len(resp.Items))
	for _, f := range resp.Items {
		rel, ok := n.relative(f.Name)
		if !ok || rel == p {
			continue
		}
		if !f.IsDirectory && !n.wildcards.Match(rel) {
			continue
		}
		f.Name = rel
		files = append(files, f)
	}
	n.tree.SetFilesAt(p, files)

	n.mu.Lock()
	for _, f := range files {
		delete(n.missing, NormalizePath(f.Name))
	}
	n.mu.Unlock()
	n.notify()
	return nil
}

// ListAllFiles lists every file below p, recursively, with names relative
// to the base path. Wildcards apply. The tree is left untouched.
func (n *Navigator) ListAllFiles(ctx context.Context, p string) ([]models.File, error) {
	return n.listFiles(ctx, p, true)
}

// listFiles lists every file below p. Folder deletion passes filtered=false
// so files hidden by the wildcards are removed too.
func (n *Navigator) listFiles(ctx context.Context, p string, filtered bool) ([]models.File, error) {
	p = NormalizePath(p)
	resp, err := n.cfg.Getter.FetchAll(ctx, n.cfg.Params, models.ListOptions{Folder: n.full(p), Recursive: true})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", p, err)
	}
	out := make([]models.File, 0, len(resp.Items))
	for _, f := range resp.Items {
		if f.IsDirectory {
			continue
		}
		rel, ok := n.relative(f.Name)
		if !ok || (filtered && !n.wildcards.Match(rel)) {
			continue
		}
		f.Name = rel
		out = append(out, f)
	}
	return out, nil
}

// DeleteFile deletes one file and prunes it from the tree.
func (n *Navigator) DeleteFile(ctx context.Context, p string) error {
	if n.cfg.Delete == nil {
		return ErrNoDelete
	}
	p = NormalizePath(p)
	full := n.full(p)
	if err := n.cfg.Delete(ctx, full); err != nil {
		metrics.RecordNavigatorDelete(false)
		return fmt.Errorf("delete %q: %w", p, err)
	}
	metrics.RecordNavigatorDelete(true)

	n.tree.DeleteNode(p)
	n.cfg.Getter.CacheFor(n.cfg.Params).DeleteItemByKey(full)
	n.notify()
	return nil
}

// DeleteFiles deletes paths one after another, pausing DeleteDelay between
// calls. Failures don't stop the run; they are joined in the result.
func (n *Navigator) DeleteFiles(ctx context.Context, paths []string) (int, error) {
	var errs []error
	deleted := 0
	for i, p := range paths {
		if i > 0 && n.cfg.DeleteDelay > 0 {
			select {
			case <-n.cfg.Clock.After(n.cfg.DeleteDelay):
			case <-ctx.Done():
				return deleted, errors.Join(append(errs, ctx.Err())...)
			}
		}
		if err := n.DeleteFile(ctx, p); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

// DeleteFolder deletes every file below p, wildcards notwithstanding, then
// the folder node itself.
func (n *Navigator) DeleteFolder(ctx context.Context, p string) (int, error) {
	p = NormalizePath(p)
	files, err := n.listFiles(ctx, p, false)
	if err != nil {
		return 0, err
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Name
	}
	deleted, err := n.DeleteFiles(ctx, paths)
	if err != nil {
		return deleted, err
	}
	if n.tree.DeleteNode(p) {
		n.notify()
	}
	return deleted, nil
}

// AddVirtualFolder adds a local-only folder, for example as an upload
// target that doesn't exist remotely yet.
func (n *Navigator) AddVirtualFolder(p string) {
	p = NormalizePath(p)
	n.tree.AddVirtualFolder(p)
	n.mu.Lock()
	delete(n.missing, p)
	n.mu.Unlock()
	n.notify()
}

// Close stops background resolutions.
func (n *Navigator) Close() {
	n.cancel()
	n.bg.Wait()
}

func (n *Navigator) full(p string) string {
	return JoinPath(n.base, p)
}

func (n *Navigator) relative(name string) (string, bool) {
	return relativeTo(n.base, NormalizePath(name))
}
