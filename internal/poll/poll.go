// Package poll runs periodic refresh callbacks. Trackers registered under
// the same key are coalesced: only the one with the shortest interval runs.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/Azure/BatchExplorer-sub004/internal/logging"
	"github.com/Azure/BatchExplorer-sub004/internal/metrics"
)

// Callback is invoked on every tick of an active tracker.
type Callback func(ctx context.Context)

// Tracker is one registered poll request.
type Tracker struct {
	id       string
	interval time.Duration
	callback Callback
	svc      *Service

	// guarded by svc.mu
	key     string
	seq     uint64
	stop    chan struct{}
	removed bool
}

// ID returns the tracker identifier.
func (t *Tracker) ID() string { return t.id }

// Interval returns the requested polling interval.
func (t *Tracker) Interval() time.Duration { return t.interval }

// Key returns the key the tracker is registered under.
func (t *Tracker) Key() string {
	t.svc.mu.Lock()
	defer t.svc.mu.Unlock()
	return t.key
}

// Destroy unregisters the tracker. Safe to call more than once.
func (t *Tracker) Destroy() {
	t.svc.remove(t)
}

// UpdateKey moves the tracker to another key, re-electing the active
// tracker of both keys.
func (t *Tracker) UpdateKey(key string) {
	t.svc.move(t, key)
}

// Service owns every tracker of a session.
type Service struct {
	clock  clock.WithTicker
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	seq      uint64
	trackers map[string][]*Tracker
	active   map[string]*Tracker
	running  sync.WaitGroup
}

// NewService creates a poll service. A nil clock means the real clock.
func NewService(clk clock.WithTicker) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		clock:    clk,
		ctx:      ctx,
		cancel:   cancel,
		trackers: make(map[string][]*Tracker),
		active:   make(map[string]*Tracker),
	}
}

// StartPoll registers callback to run every interval under key and
// returns its tracker.
func (s *Service) StartPoll(key string, interval time.Duration, callback Callback) *Tracker {
	t := &Tracker{
		id:       uuid.NewString(),
		interval: interval,
		callback: callback,
		svc:      s,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t.seq = s.seq
	t.key = key
	s.trackers[key] = append(s.trackers[key], t)
	s.electLocked(key)
	return t
}

// Active returns the running tracker for key.
func (s *Service) Active(key string) (*Tracker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.active[key]
	return t, ok
}

// Registered returns the number of trackers registered under key.
func (s *Service) Registered(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trackers[key])
}

// Close stops every tracker and waits for running loops to exit.
func (s *Service) Close() {
	s.mu.Lock()
	for key, t := range s.active {
		close(t.stop)
		t.stop = nil
		delete(s.active, key)
	}
	s.trackers = make(map[string][]*Tracker)
	s.mu.Unlock()
	s.cancel()
	s.running.Wait()
	metrics.SetPollTrackersActive(0)
}

func (s *Service) remove(t *Tracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.removed {
		return
	}
	t.removed = true
	s.detachLocked(t)
	s.electLocked(t.key)
}

func (s *Service) move(t *Tracker, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.removed || t.key == key {
		return
	}
	old := t.key
	s.detachLocked(t)
	t.key = key
	s.trackers[key] = append(s.trackers[key], t)
	s.electLocked(old)
	s.electLocked(key)
}

func (s *Service) detachLocked(t *Tracker) {
	list := s.trackers[t.key]
	for i, o := range list {
		if o == t {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.trackers, t.key)
	} else {
		s.trackers[t.key] = list
	}
	if s.active[t.key] == t {
		close(t.stop)
		t.stop = nil
		delete(s.active, t.key)
	}
}

// electLocked makes the minimum-interval tracker of key the only running
// one. Ties go to the earliest registration.
func (s *Service) electLocked(key string) {
	var best *Tracker
	for _, t := range s.trackers[key] {
		if best == nil || t.interval < best.interval || (t.interval == best.interval && t.seq < best.seq) {
			best = t
		}
	}

	current := s.active[key]
	if current == best {
		return
	}
	if current != nil {
		close(current.stop)
		current.stop = nil
		delete(s.active, key)
	}
	if best != nil {
		best.stop = make(chan struct{})
		s.active[key] = best
		s.running.Add(1)
		go s.run(best, best.stop)
		logging.Debug("poll tracker active",
			logging.String("key", key),
			logging.Duration("interval", best.interval))
	}
	metrics.SetPollTrackersActive(len(s.active))
}

func (s *Service) run(t *Tracker, stop <-chan struct{}) {
	defer s.running.Done()
	ticker := s.clock.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C():
			select {
			case <-stop:
				return
			default:
			}
			metrics.RecordPollTick()
			t.callback(s.ctx)
		}
	}
}
