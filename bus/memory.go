package bus

import (
	"context"
	"strings"
	"sync"

	"github.com/go-errors/errors"
	"github.com/godbus/dbus/v5"
)

// check MemoryBus compliance to its interface during compile time
var _ Bus = (*MemoryBus)(nil)

// ErrUnknownObject is returned by the memory bus for paths nobody owns.
var ErrUnknownObject = errors.New("unknown object")

// PropertyWrite records a SetProperty call on the memory bus.
type PropertyWrite struct {
	Service  string
	Path     string
	Iface    string
	Property string
	Value    interface{}
}

// MethodCall records a Call on the memory bus.
type MethodCall struct {
	Service string
	Path    string
	Method  string
	Args    []interface{}
}

// MemoryBus is an in-process Bus. Signals are delivered synchronously on the
// goroutine calling Emit.
type MemoryBus struct {
	// OnGetObject replaces the owner lookup when set.
	OnGetObject func(ctx context.Context, path string, interfaces []string) (ObjectOwners, error)
	// OnSetProperty is consulted before a property write is stored.
	OnSetProperty func(write PropertyWrite) error
	// OnCall is consulted for every method call.
	OnCall func(call MethodCall) error

	mu         sync.Mutex
	subs       map[*Subscription]struct{}
	objects    map[string]ObjectOwners
	properties map[string]dbus.Variant
	writes     []PropertyWrite
	calls      []MethodCall
	matches    []string
	closed     bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:       make(map[*Subscription]struct{}),
		objects:    make(map[string]ObjectOwners),
		properties: make(map[string]dbus.Variant),
	}
}

func propertyKey(service, path, iface, property string) string {
	return strings.Join([]string{service, path, iface, property}, "|")
}

func (b *MemoryBus) Subscribe(match Match, handler Handler) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New("bus is closed")
	}

	sub := newSubscription(match, handler, b.unsubscribe)
	b.subs[sub] = struct{}{}
	b.matches = append(b.matches, match.String())

	return sub, nil
}

func (b *MemoryBus) unsubscribe(sub *Subscription) error {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()

	return nil
}

// Emit delivers the signal to every live subscription it matches.
func (b *MemoryBus) Emit(signal *dbus.Signal) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(signal)
	}
}

// Subscriptions returns the number of live subscriptions.
func (b *MemoryBus) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}

// Matches returns every match string ever subscribed, in order.
func (b *MemoryBus) Matches() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.matches...)
}

// AddObject makes path resolvable through GetObject and GetSubTree.
func (b *MemoryBus) AddObject(path string, owners ObjectOwners) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.objects[path] = owners
}

// SetPropertyValue stores a property without recording a write.
func (b *MemoryBus) SetPropertyValue(service, path, iface, property string, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.properties[propertyKey(service, path, iface, property)] = dbus.MakeVariant(value)
}

// Writes returns every property write seen so far.
func (b *MemoryBus) Writes() []PropertyWrite {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]PropertyWrite(nil), b.writes...)
}

// Calls returns every method call seen so far.
func (b *MemoryBus) Calls() []MethodCall {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]MethodCall(nil), b.calls...)
}

func (b *MemoryBus) GetObject(ctx context.Context, path string, interfaces []string) (ObjectOwners, error) {
	if b.OnGetObject != nil {
		return b.OnGetObject(ctx, path, interfaces)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	owners, ok := b.objects[path]
	if !ok {
		return nil, errors.Errorf("could not get object %v: %w", path, ErrUnknownObject)
	}

	return filterOwners(owners, interfaces), nil
}

func (b *MemoryBus) GetSubTree(ctx context.Context, path string, depth int32, interfaces []string) (SubTree, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prefix := strings.TrimSuffix(path, "/") + "/"
	tree := SubTree{}

	for p, owners := range b.objects {
		if !strings.HasPrefix(p, prefix) {
			continue
		}

		if depth > 0 && int32(strings.Count(strings.TrimPrefix(p, prefix), "/")) >= depth {
			continue
		}

		filtered := filterOwners(owners, interfaces)
		if len(filtered) == 0 {
			continue
		}

		tree[dbus.ObjectPath(p)] = filtered
	}

	return tree, nil
}

func filterOwners(owners ObjectOwners, interfaces []string) ObjectOwners {
	if len(interfaces) == 0 {
		return owners
	}

	filtered := ObjectOwners{}
	for service, ifaces := range owners {
		for _, iface := range ifaces {
			if contains(interfaces, iface) {
				filtered[service] = ifaces
				break
			}
		}
	}

	return filtered
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func (b *MemoryBus) GetProperty(ctx context.Context, service, path, iface, property string) (dbus.Variant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.properties[propertyKey(service, path, iface, property)]
	if !ok {
		return dbus.Variant{}, errors.Errorf("could not get %v.%v of %v: %w", iface, property, path, ErrUnknownObject)
	}

	return v, nil
}

func (b *MemoryBus) GetAllProperties(ctx context.Context, service, path, iface string) (map[string]dbus.Variant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prefix := propertyKey(service, path, iface, "")
	props := map[string]dbus.Variant{}

	for key, v := range b.properties {
		if strings.HasPrefix(key, prefix) {
			props[strings.TrimPrefix(key, prefix)] = v
		}
	}

	if len(props) == 0 {
		return nil, errors.Errorf("could not get all properties of %v on %v: %w", iface, path, ErrUnknownObject)
	}

	return props, nil
}

func (b *MemoryBus) SetProperty(ctx context.Context, service, path, iface, property string, value interface{}) error {
	write := PropertyWrite{
		Service:  service,
		Path:     path,
		Iface:    iface,
		Property: property,
		Value:    value,
	}

	if b.OnSetProperty != nil {
		if err := b.OnSetProperty(write); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.writes = append(b.writes, write)
	b.properties[propertyKey(service, path, iface, property)] = dbus.MakeVariant(value)

	return nil
}

func (b *MemoryBus) Call(ctx context.Context, service, path, method string, args ...interface{}) error {
	call := MethodCall{
		Service: service,
		Path:    path,
		Method:  method,
		Args:    args,
	}

	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()

	if b.OnCall != nil {
		return b.OnCall(call)
	}

	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}

	return nil
}
