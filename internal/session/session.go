// Package session owns the state shared by every service of one signed
// in account: the cache registry and the poll service.
package session

import (
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/Azure/BatchExplorer-sub004/internal/datacache"
	"github.com/Azure/BatchExplorer-sub004/internal/logging"
	"github.com/Azure/BatchExplorer-sub004/internal/poll"
	"github.com/Azure/BatchExplorer-sub004/pkg/events"
)

// Account identifies the account the session is browsing.
type Account struct {
	Name    string
	BaseURL string
}

// Switch describes an account change.
type Switch struct {
	From, To Account
	// Cleared is the number of caches emptied.
	Cleared int
}

// Session is the root object services hang off.
type Session struct {
	registry *datacache.Registry
	poller   *poll.Service

	mu      sync.RWMutex
	id      string
	account Account

	switches *events.Broadcaster[Switch]
}

// New creates a session for account. A nil clock means the real clock.
func New(account Account, clk clock.WithTicker) *Session {
	return &Session{
		registry: datacache.NewRegistry(),
		poller:   poll.NewService(clk),
		id:       uuid.NewString(),
		account:  account,
		switches: events.NewBroadcaster[Switch](),
	}
}

// ID changes on every account switch.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Account returns the current account.
func (s *Session) Account() Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

// Registry returns the cache registry.
func (s *Session) Registry() *datacache.Registry { return s.registry }

// Poll returns the poll service.
func (s *Session) Poll() *poll.Service { return s.poller }

// OnSwitch calls fn after every account switch.
func (s *Session) OnSwitch(fn func(Switch)) *events.Subscription {
	return s.switches.Subscribe(fn)
}

// SwitchAccount moves the session to account and clears every registered
// cache except those whose id is in keep.
func (s *Session) SwitchAccount(account Account, keep ...string) Switch {
	s.mu.Lock()
	from := s.account
	s.account = account
	s.id = uuid.NewString()
	s.mu.Unlock()

	cleared := s.registry.ClearAll(keep...)
	sw := Switch{From: from, To: account, Cleared: cleared}
	logging.Info("switched account",
		logging.String("from", from.Name),
		logging.String("to", account.Name),
		logging.Int("caches_cleared", cleared))
	s.switches.Publish(sw)
	return sw
}

// Close stops polling.
func (s *Session) Close() {
	s.poller.Close()
}
