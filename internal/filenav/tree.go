// Package filenav presents flat, paged file listings as a lazily loaded
// directory tree and performs deletions against it.
package filenav

import (
	"sort"
	"sync"
	"time"

	"github.com/Azure/BatchExplorer-sub004/pkg/models"
)

// LoadingStatus is the listing state of a directory node.
type LoadingStatus int

const (
	NotLoaded LoadingStatus = iota
	Loading
	Loaded
	LoadFailed
)

func (s LoadingStatus) String() string {
	switch s {
	case NotLoaded:
		return "not-loaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case LoadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Node is a file or directory of the tree. Nodes returned by Tree methods
// are detached copies.
type Node struct {
	Path          string
	IsDirectory   bool
	Virtual       bool
	Status        LoadingStatus
	ContentLength int64
	LastModified  time.Time
	// Unknown marks a placeholder for a path that isn't materialized.
	Unknown bool
	// Missing marks a placeholder whose path turned out not to exist.
	Missing bool

	children map[string]*Node
	order    []string
}

// Name returns the last path segment.
func (n *Node) Name() string { return BaseName(n.Path) }

// Children returns the direct children: directories first, then by path.
func (n *Node) Children() []*Node {
	out := make([]*Node, 0, len(n.order))
	for _, p := range n.order {
		out = append(out, n.children[p])
	}
	return out
}

// HasChildren reports whether the node has any child.
func (n *Node) HasChildren() bool { return len(n.order) > 0 }

func newDir(p string) *Node {
	return &Node{Path: p, IsDirectory: true, children: make(map[string]*Node)}
}

func (n *Node) addChild(c *Node) {
	if n.children == nil {
		n.children = make(map[string]*Node)
	}
	if _, ok := n.children[c.Path]; !ok {
		n.order = append(n.order, c.Path)
	}
	n.children[c.Path] = c
	n.sortChildren()
}

func (n *Node) removeChild(p string) bool {
	if _, ok := n.children[p]; !ok {
		return false
	}
	delete(n.children, p)
	for i, o := range n.order {
		if o == p {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
	return true
}

func (n *Node) sortChildren() {
	sort.Slice(n.order, func(i, j int) bool {
		a, b := n.children[n.order[i]], n.children[n.order[j]]
		if a.IsDirectory != b.IsDirectory {
			return a.IsDirectory
		}
		return a.Path < b.Path
	})
}

// clone copies n and, to the given depth, its children.
func (n *Node) clone(depth int) *Node {
	c := *n
	c.children = nil
	c.order = nil
	if depth > 0 && len(n.order) > 0 {
		c.children = make(map[string]*Node, len(n.order))
		c.order = append([]string(nil), n.order...)
		for _, p := range n.order {
			c.children[p] = n.children[p].clone(depth - 1)
		}
	}
	return &c
}

// Tree is the materialized part of a remote directory hierarchy.
type Tree struct {
	mu   sync.RWMutex
	root *Node
	dirs map[string]*Node
}

// NewTree creates a tree holding only the root directory.
func NewTree() *Tree {
	root := newDir("")
	return &Tree{root: root, dirs: map[string]*Node{"": root}}
}

// Root returns the root with its direct children.
func (t *Tree) Root() *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root.clone(1)
}

// GetNode returns the materialized node at p with its direct children.
func (t *Tree) GetNode(p string) (*Node, bool) {
	p = NormalizePath(p)
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.lookupLocked(p)
	if n == nil {
		return nil, false
	}
	return n.clone(1), true
}

// Has reports whether p is materialized.
func (t *Tree) Has(p string) bool {
	p = NormalizePath(p)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lookupLocked(p) != nil
}

// IsPathLoaded reports whether the directory at p has been listed.
func (t *Tree) IsPathLoaded(p string) bool {
	p = NormalizePath(p)
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.dirs[p]
	return ok && d.Status == Loaded
}

func (t *Tree) lookupLocked(p string) *Node {
	if d, ok := t.dirs[p]; ok {
		return d
	}
	if parent, ok := t.dirs[ParentPath(p)]; ok {
		return parent.children[p]
	}
	return nil
}

// AddFiles materializes files, creating intermediate directories.
func (t *Tree) AddFiles(files []models.File) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range files {
		t.addFileLocked(f, nil)
	}
}

// SetFilesAt replaces the children of the directory at p with files and
// marks it loaded. Virtual subfolders survive; subfolders present before
// and after keep their own loaded children.
func (t *Tree) SetFilesAt(p string, files []models.File) {
	p = NormalizePath(p)
	t.mu.Lock()
	defer t.mu.Unlock()

	dir := t.ensureDirLocked(p)
	previous := dir.children
	dir.children = make(map[string]*Node)
	dir.order = nil
	for _, c := range previous {
		if c.Virtual {
			dir.addChild(c)
		}
	}
	for _, f := range files {
		if NormalizePath(f.Name) == p {
			continue
		}
		t.addFileLocked(f, previous)
	}
	for cp, c := range previous {
		if _, kept := dir.children[cp]; !kept && c.IsDirectory {
			t.forgetDirsLocked(c)
		}
	}
	dir.Status = Loaded
}

func (t *Tree) addFileLocked(f models.File, previous map[string]*Node) {
	p := NormalizePath(f.Name)
	if p == "" {
		return
	}
	parent := t.ensureDirLocked(ParentPath(p))
	existing := parent.children[p]
	if existing == nil {
		existing = previous[p]
	}
	if existing != nil && existing.IsDirectory && f.IsDirectory {
		// Listed by the server, so no longer local-only.
		existing.Virtual = false
		existing.ContentLength = f.ContentLength
		existing.LastModified = f.LastModified
		parent.addChild(existing)
		t.dirs[p] = existing
		return
	}
	n := &Node{
		Path:          p,
		IsDirectory:   f.IsDirectory,
		ContentLength: f.ContentLength,
		LastModified:  f.LastModified,
	}
	if f.IsDirectory {
		n.children = make(map[string]*Node)
		t.dirs[p] = n
	}
	parent.addChild(n)
}

func (t *Tree) ensureDirLocked(p string) *Node {
	if d, ok := t.dirs[p]; ok {
		return d
	}
	parent := t.ensureDirLocked(ParentPath(p))
	if existing, ok := parent.children[p]; ok && !existing.IsDirectory {
		parent.removeChild(p)
	}
	d := newDir(p)
	parent.addChild(d)
	t.dirs[p] = d
	return d
}

func (t *Tree) forgetDirsLocked(n *Node) {
	if t.dirs[n.Path] == n {
		delete(t.dirs, n.Path)
	}
	for _, c := range n.children {
		if c.IsDirectory {
			t.forgetDirsLocked(c)
		}
	}
}

// DeleteNode removes the node at p, then removes every ancestor left empty
// up to the first non-empty or virtual one. The root is never removed.
func (t *Tree) DeleteNode(p string) bool {
	p = NormalizePath(p)
	if p == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.dirs[ParentPath(p)]
	if !ok {
		return false
	}
	n := parent.children[p]
	if n == nil || !parent.removeChild(p) {
		return false
	}
	if n.IsDirectory {
		t.forgetDirsLocked(n)
	}
	for parent != t.root && !parent.Virtual && !parent.HasChildren() {
		grand := t.dirs[ParentPath(parent.Path)]
		grand.removeChild(parent.Path)
		delete(t.dirs, parent.Path)
		parent = grand
	}
	return true
}

// AddVirtualFolder adds a local-only folder at p that survives reloads of
// its parent until removed.
func (t *Tree) AddVirtualFolder(p string) {
	p = NormalizePath(p)
	if p == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.ensureDirLocked(p)
	d.Virtual = true
}

// SetStatus sets the loading status of the directory at p.
func (t *Tree) SetStatus(p string, status LoadingStatus) {
	p = NormalizePath(p)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureDirLocked(p).Status = status
}

// Flatten returns every materialized node under p, depth first in child
// order, p excluded.
func (t *Tree) Flatten(p string) []*Node {
	p = NormalizePath(p)
	t.mu.RLock()
	defer t.mu.RUnlock()
	start := t.lookupLocked(p)
	if start == nil {
		return nil
	}
	var out []*Node
	var walk func(n *Node)
	walk = func(n *Node) {
		for _, cp := range n.order {
			c := n.children[cp]
			out = append(out, c.clone(0))
			walk(c)
		}
	}
	walk(start)
	return out
}

// CountNodes counts materialized nodes, the root included.
func (t *Tree) CountNodes() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var count func(n *Node) int
	count = func(n *Node) int {
		total := 1
		for _, c := range n.children {
			total += count(c)
		}
		return total
	}
	return count(t.root)
}
