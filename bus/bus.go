package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
)

// Handler receives every signal satisfying a subscription's match. It is
// called from the bus dispatch goroutine and must not block.
type Handler func(signal *dbus.Signal)

// ObjectOwners maps a service name to the interfaces it implements on an
// object, as returned by the object mapper.
type ObjectOwners map[string][]string

// SubTree maps object paths below a root to their owners.
type SubTree map[dbus.ObjectPath]ObjectOwners

// Bus is the part of the system bus the daemon relies on.
type Bus interface {
	Subscribe(match Match, handler Handler) (*Subscription, error)
	GetObject(ctx context.Context, path string, interfaces []string) (ObjectOwners, error)
	GetSubTree(ctx context.Context, path string, depth int32, interfaces []string) (SubTree, error)
	GetProperty(ctx context.Context, service, path, iface, property string) (dbus.Variant, error)
	GetAllProperties(ctx context.Context, service, path, iface string) (map[string]dbus.Variant, error)
	SetProperty(ctx context.Context, service, path, iface, property string, value interface{}) error
	Call(ctx context.Context, service, path, method string, args ...interface{}) error
	Close() error
}

// Subscription is a live registration for a match. Closing it is the only way
// to stop deliveries; once Close returns the handler is never called again.
type Subscription struct {
	match   Match
	handler Handler

	mu     sync.RWMutex
	closed atomic.Bool
	remove func(*Subscription) error
}

func newSubscription(match Match, handler Handler, remove func(*Subscription) error) *Subscription {
	return &Subscription{
		match:   match,
		handler: handler,
		remove:  remove,
	}
}

// Match returns the rule this subscription was registered with.
func (s *Subscription) Match() Match {
	return s.match
}

// Closed reports whether Close has been called.
func (s *Subscription) Closed() bool {
	return s.closed.Load()
}

// Close drops the subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed.Swap(true) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.remove == nil {
		return nil
	}

	return s.remove(s)
}

// deliver hands the signal to the handler unless the subscription is closed.
// Holding the read lock while calling out keeps Close from returning while a
// delivery is in flight.
func (s *Subscription) deliver(signal *dbus.Signal) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed.Load() || !s.match.Matches(signal) {
		return
	}

	s.handler(signal)
}
