// Package view keeps the state of one entity or one paged list on screen:
// which records are shown, whether a load is running, the last error, and
// the polling that keeps it fresh.
package view

import (
	"context"
)

// Status is the loading state of a view.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// call is a fetch shared by every caller that arrives while it runs.
type call[R any] struct {
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	prev   Status
	gen    uint64
	val    R
	err    error
}

func newCall[R any](parent context.Context, prev Status, gen uint64) *call[R] {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &call[R]{
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		prev:   prev,
		gen:    gen,
	}
}

func (c *call[R]) finish(val R, err error) {
	c.val, c.err = val, err
	c.cancel()
	close(c.done)
}

func (c *call[R]) wait(ctx context.Context) (R, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}
