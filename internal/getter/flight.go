package getter

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/Azure/BatchExplorer-sub004/internal/metrics"
)

// flightGroup shares one call per key among concurrent callers. The shared
// call runs on a context detached from any single caller and is cancelled
// once every caller waiting on it has gone away.
type flightGroup struct {
	name  string
	group singleflight.Group

	mu      sync.Mutex
	waiters map[string]int
	cancels map[string]*context.CancelFunc
}

func newFlightGroup(name string) *flightGroup {
	return &flightGroup{
		name:    name,
		waiters: make(map[string]int),
		cancels: make(map[string]*context.CancelFunc),
	}
}

func (g *flightGroup) do(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	g.mu.Lock()
	g.waiters[key]++
	g.mu.Unlock()

	ch := g.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		g.mu.Lock()
		g.cancels[key] = &cancel
		if g.waiters[key] == 0 {
			cancel()
		}
		g.mu.Unlock()
		defer func() {
			g.mu.Lock()
			if g.cancels[key] == &cancel {
				delete(g.cancels, key)
			}
			g.mu.Unlock()
			cancel()
		}()
		return fn(callCtx)
	})

	select {
	case res := <-ch:
		g.leave(key, false)
		if res.Shared {
			metrics.RecordSharedFetch(g.name)
		}
		return res.Val, res.Err
	case <-ctx.Done():
		g.leave(key, true)
		return nil, ctx.Err()
	}
}

func (g *flightGroup) leave(key string, abandoned bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.waiters[key]--
	if g.waiters[key] > 0 {
		return
	}
	delete(g.waiters, key)
	if abandoned {
		if cancel, ok := g.cancels[key]; ok {
			(*cancel)()
			delete(g.cancels, key)
		}
		g.group.Forget(key)
	}
}
