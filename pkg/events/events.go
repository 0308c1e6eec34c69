// Package events provides in-process publish/subscribe streams used by the
// data caches, views and the file navigator.
//
// Subscribers run synchronously on the publishing goroutine, in publish
// order. A subscriber must not publish to or subscribe on the stream that
// is calling it.
package events

import (
	"sync"
)

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe stops delivery. Safe to call more than once and on nil.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

type subscribers[T any] struct {
	nextID uint64
	order  []uint64
	fns    map[uint64]func(T)
}

func (s *subscribers[T]) add(fn func(T)) uint64 {
	if s.fns == nil {
		s.fns = make(map[uint64]func(T))
	}
	s.nextID++
	s.fns[s.nextID] = fn
	s.order = append(s.order, s.nextID)
	return s.nextID
}

func (s *subscribers[T]) remove(id uint64) {
	if _, ok := s.fns[id]; !ok {
		return
	}
	delete(s.fns, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *subscribers[T]) snapshot() []func(T) {
	out := make([]func(T), 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.fns[id])
	}
	return out
}

// Broadcaster delivers each published value to the subscribers present at
// publish time. Late subscribers see nothing from the past.
type Broadcaster[T any] struct {
	emit sync.Mutex
	mu   sync.Mutex
	subs subscribers[T]
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{}
}

// Subscribe registers fn for future values.
func (b *Broadcaster[T]) Subscribe(fn func(T)) *Subscription {
	b.mu.Lock()
	id := b.subs.add(fn)
	b.mu.Unlock()
	return &Subscription{cancel: func() {
		b.mu.Lock()
		b.subs.remove(id)
		b.mu.Unlock()
	}}
}

// Publish sends v to every current subscriber.
func (b *Broadcaster[T]) Publish(v T) {
	b.emit.Lock()
	defer b.emit.Unlock()
	b.mu.Lock()
	fns := b.subs.snapshot()
	b.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Count returns the current number of subscribers.
func (b *Broadcaster[T]) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs.order)
}

// Latest keeps the last published value and replays it to every new
// subscriber before any later value.
type Latest[T any] struct {
	emit  sync.Mutex
	mu    sync.Mutex
	value T
	subs  subscribers[T]
}

// NewLatest creates a stream holding initial.
func NewLatest[T any](initial T) *Latest[T] {
	return &Latest[T]{value: initial}
}

// Value returns the current value.
func (l *Latest[T]) Value() T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}

// Subscribe registers fn and calls it with the current value.
func (l *Latest[T]) Subscribe(fn func(T)) *Subscription {
	l.emit.Lock()
	l.mu.Lock()
	id := l.subs.add(fn)
	v := l.value
	l.mu.Unlock()
	fn(v)
	l.emit.Unlock()
	return &Subscription{cancel: func() {
		l.mu.Lock()
		l.subs.remove(id)
		l.mu.Unlock()
	}}
}

// Publish stores v and sends it to every subscriber.
func (l *Latest[T]) Publish(v T) {
	l.emit.Lock()
	defer l.emit.Unlock()
	l.mu.Lock()
	l.value = v
	fns := l.subs.snapshot()
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Count returns the current number of subscribers.
func (l *Latest[T]) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs.order)
}
