package batch

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/Azure/BatchExplorer-sub004/internal/client"
	"github.com/Azure/BatchExplorer-sub004/internal/datacache"
	"github.com/Azure/BatchExplorer-sub004/internal/getter"
	"github.com/Azure/BatchExplorer-sub004/internal/logging"
	"github.com/Azure/BatchExplorer-sub004/internal/session"
	"github.com/Azure/BatchExplorer-sub004/internal/storage/s3"
	"github.com/Azure/BatchExplorer-sub004/internal/storage/sqlstore"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
)

// Options tune the services.
type Options struct {
	// MaxQuery bounds every query cache.
	MaxQuery int
	// TargetedCapacity bounds the per-job and per-container caches.
	TargetedCapacity int
	// DeleteDelay paces bulk file deletes. Zero keeps the navigator default.
	DeleteDelay time.Duration
	// Wildcards filter file navigators.
	Wildcards string
}

// Deps are the collaborators. Blobs and Index are optional.
type Deps struct {
	Session *session.Session
	Client  *client.Client
	Blobs   *s3.Store
	Index   *sqlstore.Store
}

// Services bundles the resources of one session.
type Services struct {
	deps Deps
	opts Options

	Pools     *Resource[models.Pool]
	Jobs      *Resource[models.Job]
	Tasks     *Resource[models.Task]
	TaskFiles *Resource[models.File]
	Blobs     *Resource[models.File]
	Indexed   *Resource[models.File]
}

// New builds the services of deps.Session.
func New(deps Deps, opts Options) *Services {
	s := &Services{deps: deps, opts: opts}
	reg := deps.Session.Registry()
	poller := deps.Session.Poll()
	c := deps.Client

	pools := datacache.New[models.Pool](reg, datacache.Options{Name: "pools", MaxQuery: opts.MaxQuery})
	s.Pools = newResource(source[models.Pool]{
		name:  "pool",
		cache: func(models.Params) *datacache.DataCache[models.Pool] { return pools },
		get: func(ctx context.Context, p models.Params) (models.Pool, error) {
			return client.GetEntity[models.Pool](ctx, c, "pools/"+url.PathEscape(p[ParamID]), nil)
		},
		list: func(ctx context.Context, _ models.Params, o models.ListOptions) (getter.Page[models.Pool], error) {
			return client.ListPage[models.Pool](ctx, c, "pools", o)
		},
		listNext: func(ctx context.Context, next string) (getter.Page[models.Pool], error) {
			return client.ListNext[models.Pool](ctx, c, next)
		},
		remove: func(ctx context.Context, p models.Params) error {
			return c.Delete(ctx, "pools/"+url.PathEscape(p[ParamID]))
		},
	}, poller)

	jobs := datacache.New[models.Job](reg, datacache.Options{Name: "jobs", MaxQuery: opts.MaxQuery})
	s.Jobs = newResource(source[models.Job]{
		name:  "job",
		cache: func(models.Params) *datacache.DataCache[models.Job] { return jobs },
		get: func(ctx context.Context, p models.Params) (models.Job, error) {
			return client.GetEntity[models.Job](ctx, c, jobPath(p), nil)
		},
		list: func(ctx context.Context, _ models.Params, o models.ListOptions) (getter.Page[models.Job], error) {
			return client.ListPage[models.Job](ctx, c, "jobs", o)
		},
		listNext: func(ctx context.Context, next string) (getter.Page[models.Job], error) {
			return client.ListNext[models.Job](ctx, c, next)
		},
		remove: func(ctx context.Context, p models.Params) error {
			return c.Delete(ctx, jobPath(p))
		},
	}, poller)

	tasks := datacache.NewTargeted[models.Task](reg, datacache.TargetedOptions{
		Key:      func(p models.Params) string { return p[ParamJobID] },
		Capacity: opts.TargetedCapacity,
		Cache:    datacache.Options{Name: "tasks", MaxQuery: opts.MaxQuery},
	})
	s.Tasks = newResource(source[models.Task]{
		name:  "task",
		cache: tasks.GetCache,
		get: func(ctx context.Context, p models.Params) (models.Task, error) {
			return client.GetEntity[models.Task](ctx, c, taskPath(p), nil)
		},
		list: func(ctx context.Context, p models.Params, o models.ListOptions) (getter.Page[models.Task], error) {
			return client.ListPage[models.Task](ctx, c, jobPath(models.Params{ParamID: p[ParamJobID]})+"/tasks", o)
		},
		listNext: func(ctx context.Context, next string) (getter.Page[models.Task], error) {
			return client.ListNext[models.Task](ctx, c, next)
		},
		remove: func(ctx context.Context, p models.Params) error {
			return c.Delete(ctx, taskPath(p))
		},
	}, poller)

	s.TaskFiles = s.newTaskFiles()
	if deps.Blobs != nil {
		s.Blobs = s.newBlobFiles(deps.Blobs)
	}
	if deps.Index != nil {
		s.Indexed = s.newIndexedFiles(deps.Index)
	}
	return s
}

func jobPath(p models.Params) string {
	return "jobs/" + url.PathEscape(p[ParamID])
}

func taskPath(p models.Params) string {
	return "jobs/" + url.PathEscape(p[ParamJobID]) + "/tasks/" + url.PathEscape(p[ParamID])
}

// ApplyFeed consumes change events until the channel closes or ctx is
// done: deletions evict records, updates refetch them.
func (s *Services) ApplyFeed(ctx context.Context, feed <-chan client.FeedEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			s.applyEvent(ctx, ev)
		}
	}
}

func (s *Services) applyEvent(ctx context.Context, ev client.FeedEvent) {
	params := models.Params(ev.Params).With(ParamID, ev.ID)
	var err error
	switch ev.Kind {
	case "pool":
		err = apply(ctx, s.Pools, ev.Type, params, ev.ID)
	case "job":
		err = apply(ctx, s.Jobs, ev.Type, params, ev.ID)
	case "task":
		err = apply(ctx, s.Tasks, ev.Type, params, ev.ID)
	case "file":
		if ev.Type == client.EventDeleted {
			s.TaskFiles.Cache(params).DeleteItemByKey(ev.ID)
		}
	default:
		logging.Debug("ignoring change event", logging.String("kind", ev.Kind))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Warn("applying change event failed",
			logging.String("kind", ev.Kind),
			logging.String("id", ev.ID),
			logging.Err(err))
	}
}

func apply[T models.Mergeable[T]](ctx context.Context, r *Resource[T], eventType string, params models.Params, key string) error {
	if eventType == client.EventDeleted {
		r.Cache(params).DeleteItemByKey(key)
		return nil
	}
	_, err := r.Get(ctx, params, getter.FetchOptions{})
	if getter.IsNotFound(err) {
		return nil
	}
	return err
}
