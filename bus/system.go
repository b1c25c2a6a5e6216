package bus

import (
	"context"
	"sync"

	"github.com/go-errors/errors"
	"github.com/godbus/dbus/v5"
)

// check SystemBus compliance to its interface during compile time
var _ Bus = (*SystemBus)(nil)

type Kind string

const (
	KindSystem  Kind = "system"
	KindSession Kind = "session"
)

type Config struct {
	Kind   Kind
	Logger Logger
}

// SystemBus is a Bus backed by a godbus connection.
type SystemBus struct {
	log     Logger
	conn    *dbus.Conn
	signals chan *dbus.Signal
	done    chan struct{}
	wg      sync.WaitGroup

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Connect opens a private connection to the configured bus and starts
// dispatching signals.
func Connect(config *Config) (*SystemBus, error) {
	var (
		conn *dbus.Conn
		err  error
	)

	switch config.Kind {
	case KindSession:
		conn, err = dbus.ConnectSessionBus()
	case KindSystem, "":
		conn, err = dbus.ConnectSystemBus()
	default:
		return nil, errors.Errorf("unknown bus kind %v", config.Kind)
	}
	if err != nil {
		return nil, errors.Errorf("could not connect to %v bus: %v", config.Kind, err)
	}

	return newSystemBus(conn, config.Logger), nil
}

func newSystemBus(conn *dbus.Conn, logger Logger) *SystemBus {
	b := &SystemBus{
		conn:    conn,
		signals: make(chan *dbus.Signal, 64),
		done:    make(chan struct{}),
		subs:    make(map[*Subscription]struct{}),
	}

	if logger != nil {
		b.log = logger
	} else {
		b.log = noopLogger{}
	}

	conn.Signal(b.signals)

	b.wg.Add(1)
	go b.dispatch()

	return b
}

func (b *SystemBus) dispatch() {
	defer b.wg.Done()

	for {
		select {
		case signal, ok := <-b.signals:
			if !ok {
				return
			}

			b.mu.Lock()
			subs := make([]*Subscription, 0, len(b.subs))
			for sub := range b.subs {
				subs = append(subs, sub)
			}
			b.mu.Unlock()

			for _, sub := range subs {
				sub.deliver(signal)
			}
		case <-b.done:
			return
		}
	}
}

// Subscribe installs the match rule on the bus daemon and registers the handler.
func (b *SystemBus) Subscribe(match Match, handler Handler) (*Subscription, error) {
	call := b.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, match.String())
	if call.Err != nil {
		return nil, errors.Errorf("could not add match %v: %v", match, call.Err)
	}

	sub := newSubscription(match, handler, b.unsubscribe)

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.log.Debugf("Subscribed to %v", match)

	return sub, nil
}

func (b *SystemBus) unsubscribe(sub *Subscription) error {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()

	call := b.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, sub.match.String())
	if call.Err != nil {
		return errors.Errorf("could not remove match %v: %v", sub.match, call.Err)
	}

	b.log.Debugf("Unsubscribed from %v", sub.match)

	return nil
}

func (b *SystemBus) GetObject(ctx context.Context, path string, interfaces []string) (ObjectOwners, error) {
	if interfaces == nil {
		interfaces = []string{}
	}

	var owners map[string][]string

	err := b.conn.Object(MapperService, MapperPath).
		CallWithContext(ctx, MapperInterface+".GetObject", 0, path, interfaces).
		Store(&owners)
	if err != nil {
		return nil, errors.Errorf("could not get object %v: %v", path, err)
	}

	return owners, nil
}

func (b *SystemBus) GetSubTree(ctx context.Context, path string, depth int32, interfaces []string) (SubTree, error) {
	if interfaces == nil {
		interfaces = []string{}
	}

	var tree map[dbus.ObjectPath]map[string][]string

	err := b.conn.Object(MapperService, MapperPath).
		CallWithContext(ctx, MapperInterface+".GetSubTree", 0, path, depth, interfaces).
		Store(&tree)
	if err != nil {
		return nil, errors.Errorf("could not get subtree %v: %v", path, err)
	}

	out := make(SubTree, len(tree))
	for p, owners := range tree {
		out[p] = owners
	}

	return out, nil
}

func (b *SystemBus) GetProperty(ctx context.Context, service, path, iface, property string) (dbus.Variant, error) {
	var v dbus.Variant

	err := b.conn.Object(service, dbus.ObjectPath(path)).
		CallWithContext(ctx, PropertiesInterface+".Get", 0, iface, property).
		Store(&v)
	if err != nil {
		return dbus.Variant{}, errors.Errorf("could not get %v.%v of %v: %v", iface, property, path, err)
	}

	return v, nil
}

func (b *SystemBus) GetAllProperties(ctx context.Context, service, path, iface string) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant

	err := b.conn.Object(service, dbus.ObjectPath(path)).
		CallWithContext(ctx, PropertiesInterface+".GetAll", 0, iface).
		Store(&props)
	if err != nil {
		return nil, errors.Errorf("could not get all properties of %v on %v: %v", iface, path, err)
	}

	return props, nil
}

func (b *SystemBus) SetProperty(ctx context.Context, service, path, iface, property string, value interface{}) error {
	call := b.conn.Object(service, dbus.ObjectPath(path)).
		CallWithContext(ctx, PropertiesInterface+".Set", 0, iface, property, dbus.MakeVariant(value))
	if call.Err != nil {
		return errors.Errorf("could not set %v.%v of %v: %v", iface, property, path, call.Err)
	}

	return nil
}

func (b *SystemBus) Call(ctx context.Context, service, path, method string, args ...interface{}) error {
	call := b.conn.Object(service, dbus.ObjectPath(path)).CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		return errors.Errorf("could not call %v on %v: %v", method, path, call.Err)
	}

	return nil
}

// Close drops all subscriptions and the connection.
func (b *SystemBus) Close() error {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			b.log.Warnf("Could not close subscription: %v", err)
		}
	}

	b.conn.RemoveSignal(b.signals)
	close(b.done)
	b.wg.Wait()

	err := b.conn.Close()
	if err != nil {
		return errors.Errorf("could not close bus connection: %v", err)
	}

	return nil
}
