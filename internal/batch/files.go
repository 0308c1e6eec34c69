package batch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/BatchExplorer-sub004/internal/client"
	"github.com/Azure/BatchExplorer-sub004/internal/datacache"
	"github.com/Azure/BatchExplorer-sub004/internal/filenav"
	"github.com/Azure/BatchExplorer-sub004/internal/getter"
	"github.com/Azure/BatchExplorer-sub004/internal/logging"
	"github.com/Azure/BatchExplorer-sub004/internal/storage/local"
	"github.com/Azure/BatchExplorer-sub004/internal/storage/s3"
	"github.com/Azure/BatchExplorer-sub004/internal/storage/sqlstore"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
)

// ErrNoBackend is returned for file sources that were not configured.
var ErrNoBackend = errors.New("file backend not configured")

// nodeFile is a task file as the REST API returns it.
type nodeFile struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	IsDirectory bool   `json:"isDirectory"`
	Properties  struct {
		ContentLength int64     `json:"contentLength"`
		ContentType   string    `json:"contentType"`
		LastModified  time.Time `json:"lastModified"`
	} `json:"properties"`
}

func (f nodeFile) file() models.File {
	return models.File{
		Name:          f.Name,
		IsDirectory:   f.IsDirectory,
		ContentLength: f.Properties.ContentLength,
		ContentType:   f.Properties.ContentType,
		LastModified:  f.Properties.LastModified,
		URL:           f.URL,
	}
}

func nodeFiles(page getter.Page[nodeFile]) getter.Page[models.File] {
	out := getter.Page[models.File]{Items: make([]models.File, len(page.Items)), NextLink: page.NextLink}
	for i, f := range page.Items {
		out.Items[i] = f.file()
	}
	return out
}

func fileKey(p models.Params) string { return p[models.FileUniqueField] }

// fileTarget selects the per-task or per-container file cache.
func fileTarget(p models.Params) string {
	if c := p[ParamContainer]; c != "" {
		return "container:" + c
	}
	return "task:" + p[ParamJobID] + "/" + p[ParamTaskID]
}

func filesPath(p models.Params) string {
	return taskPath(models.Params{ParamJobID: p[ParamJobID], ParamID: p[ParamTaskID]}) + "/files"
}

func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

func (s *Services) fileCaches(name string) *datacache.Targeted[models.File] {
	return datacache.NewTargeted[models.File](s.deps.Session.Registry(), datacache.TargetedOptions{
		Key:      fileTarget,
		Capacity: s.opts.TargetedCapacity,
		Cache:    datacache.Options{Name: name, UniqueField: models.FileUniqueField, MaxQuery: s.opts.MaxQuery},
	})
}

func (s *Services) newTaskFiles() *Resource[models.File] {
	c := s.deps.Client
	caches := s.fileCaches("task-files")
	return newResource(source[models.File]{
		name:  "task-file",
		cache: caches.GetCache,
		key:   fileKey,
		list: func(ctx context.Context, p models.Params, o models.ListOptions) (getter.Page[models.File], error) {
			if o.Folder != "" {
				o.Filter = fmt.Sprintf("startswith(name,'%s/')", strings.ReplaceAll(o.Folder, "'", "''"))
			}
			page, err := client.ListPage[nodeFile](ctx, c, filesPath(p), o)
			return nodeFiles(page), err
		},
		listNext: func(ctx context.Context, next string) (getter.Page[models.File], error) {
			page, err := client.ListNext[nodeFile](ctx, c, next)
			return nodeFiles(page), err
		},
		remove: func(ctx context.Context, p models.Params) error {
			return c.Delete(ctx, filesPath(p)+"/"+escapePath(p[models.FileUniqueField]))
		},
	}, s.deps.Session.Poll())
}

func (s *Services) newBlobFiles(store *s3.Store) *Resource[models.File] {
	caches := s.fileCaches("blobs")
	return newResource(source[models.File]{
		name:  "blob",
		cache: caches.GetCache,
		key:   fileKey,
		get: func(ctx context.Context, p models.Params) (models.File, error) {
			return store.Head(ctx, models.Params{s3.ParamContainer: p[ParamContainer], s3.ParamPath: fileKey(p)})
		},
		list:     store.List,
		listNext: store.ListNext,
		remove: func(ctx context.Context, p models.Params) error {
			return store.Deleter(p[ParamContainer])(ctx, fileKey(p))
		},
	}, s.deps.Session.Poll())
}

func (s *Services) newIndexedFiles(store *sqlstore.Store) *Resource[models.File] {
	caches := s.fileCaches("index")
	return newResource(source[models.File]{
		name:  "indexed-file",
		cache: caches.GetCache,
		key:   fileKey,
		get: func(ctx context.Context, p models.Params) (models.File, error) {
			return store.Get(ctx, models.Params{sqlstore.ParamContainer: p[ParamContainer], sqlstore.ParamPath: fileKey(p)})
		},
		list:     store.List,
		listNext: store.ListNext,
		remove: func(ctx context.Context, p models.Params) error {
			return store.Delete(ctx, p[ParamContainer], fileKey(p))
		},
	}, s.deps.Session.Poll())
}

// localFiles builds a resource over one local directory.
func (s *Services) localFiles(store *local.Store) *Resource[models.File] {
	cache := datacache.New[models.File](s.deps.Session.Registry(), datacache.Options{
		Name:         "local:" + store.Root(),
		MetricsLabel: "local-files",
		UniqueField:  models.FileUniqueField,
		MaxQuery:     s.opts.MaxQuery,
	})
	return newResource(source[models.File]{
		name:  "local-file",
		cache: func(models.Params) *datacache.DataCache[models.File] { return cache },
		key:   fileKey,
		get: func(ctx context.Context, p models.Params) (models.File, error) {
			return store.Get(ctx, models.Params{local.ParamPath: fileKey(p)})
		},
		list:     store.List,
		listNext: store.ListNext,
		remove: func(ctx context.Context, p models.Params) error {
			return store.Delete(ctx, fileKey(p))
		},
	}, s.deps.Session.Poll())
}

func (s *Services) navigator(r *Resource[models.File], params models.Params, basePath string) *filenav.Navigator {
	return filenav.New(filenav.Config{
		Getter:   r.Lister(),
		Params:   params,
		BasePath: basePath,
		Delete: func(ctx context.Context, path string) error {
			return r.Delete(ctx, params.With(models.FileUniqueField, path))
		},
		Wildcards:   s.opts.Wildcards,
		DeleteDelay: s.opts.DeleteDelay,
	})
}

// TaskNavigator browses the files of a task, below basePath (e.g. "wd").
func (s *Services) TaskNavigator(jobID, taskID, basePath string) *filenav.Navigator {
	return s.navigator(s.TaskFiles, models.Params{ParamJobID: jobID, ParamTaskID: taskID}, basePath)
}

// BlobNavigator browses a blob container.
func (s *Services) BlobNavigator(container, basePath string) (*filenav.Navigator, error) {
	if s.Blobs == nil {
		return nil, fmt.Errorf("blob container %q: %w", container, ErrNoBackend)
	}
	return s.navigator(s.Blobs, models.Params{ParamContainer: container}, basePath), nil
}

// IndexNavigator browses the SQL index of a container.
func (s *Services) IndexNavigator(container, basePath string) (*filenav.Navigator, error) {
	if s.Indexed == nil {
		return nil, fmt.Errorf("index of %q: %w", container, ErrNoBackend)
	}
	return s.navigator(s.Indexed, models.Params{ParamContainer: container}, basePath), nil
}

// LocalNavigator browses a local directory. The returned close function
// stops the watcher, which reloads changed folders already loaded in the
// tree.
func (s *Services) LocalNavigator(ctx context.Context, dir string, watch bool) (*filenav.Navigator, func(), error) {
	store, err := local.New(dir)
	if err != nil {
		return nil, nil, err
	}
	nav := s.navigator(s.localFiles(store), nil, "")
	if !watch {
		return nav, nav.Close, nil
	}

	w, err := local.NewWatcher(store, 0, func(changed string) {
		if !nav.Tree().IsPathLoaded(changed) {
			return
		}
		if err := nav.LoadPath(ctx, changed); err != nil {
			logging.Warn("reloading changed folder failed", logging.String("dir", changed), logging.Err(err))
		}
	})
	if err != nil {
		nav.Close()
		return nil, nil, err
	}
	sub := nav.Subscribe(func(uint64) {
		for _, n := range nav.Tree().Flatten("") {
			if n.IsDirectory && n.Status == filenav.Loaded {
				if err := w.Watch(n.Path); err != nil {
					logging.Debug("watch failed", logging.String("dir", n.Path), logging.Err(err))
				}
			}
		}
		if err := w.Watch(""); err != nil {
			logging.Debug("watch failed", logging.String("dir", ""), logging.Err(err))
		}
	})
	return nav, func() {
		sub.Unsubscribe()
		w.Close()
		nav.Close()
	}, nil
}

// IndexContainer copies the full listing of a blob container into the SQL
// index and returns the number of entries written.
func (s *Services) IndexContainer(ctx context.Context, container string) (int, error) {
	if s.Blobs == nil || s.deps.Index == nil {
		return 0, fmt.Errorf("index %q: %w", container, ErrNoBackend)
	}
	resp, err := s.Blobs.List(ctx, models.Params{ParamContainer: container}, models.ListOptions{Recursive: true})
	if err != nil {
		return 0, err
	}
	if err := s.deps.Index.Replace(ctx, container, resp.Items); err != nil {
		return 0, err
	}
	if s.Indexed != nil {
		s.Indexed.Cache(models.Params{ParamContainer: container}).Clear()
	}
	logging.Info("indexed container", logging.String("container", container), logging.Int("files", len(resp.Items)))
	return len(resp.Items), nil
}
