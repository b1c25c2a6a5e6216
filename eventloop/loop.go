// Package eventloop runs all orchestration handlers on one goroutine.
//
// Handlers posted to a Loop never run concurrently with each other, so the
// state they touch needs no locking as long as it is only reached from
// handlers. Code running elsewhere uses Call to get onto the loop.
package eventloop

import (
	"context"
	"sync"

	"github.com/go-errors/errors"
	"github.com/juju/clock"
	"gopkg.in/tomb.v2"
)

// ErrStopped is returned by Call once the loop is shutting down.
var ErrStopped = errors.New("event loop stopped")

type Config struct {
	Clock clock.Clock
}

type Loop struct {
	t     tomb.Tomb
	clock clock.Clock

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
}

func New(config *Config) *Loop {
	l := &Loop{
		clock: config.Clock,
		wake:  make(chan struct{}, 1),
	}

	if l.clock == nil {
		l.clock = clock.WallClock
	}

	return l
}

// Start launches the dispatch goroutine.
func (l *Loop) Start() {
	l.t.Go(l.run)
}

// Stop terminates the loop and waits for the handler in flight to return.
// Queued handlers are dropped.
func (l *Loop) Stop() error {
	l.t.Kill(nil)

	err := l.t.Wait()
	if err != nil {
		return errors.Errorf("event loop failed: %v", err)
	}

	return nil
}

func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// Dying is closed when the loop starts shutting down.
func (l *Loop) Dying() <-chan struct{} {
	return l.t.Dying()
}

// Post queues fn for execution on the loop. It never blocks and reports
// false when the loop is no longer accepting work.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	return true
}

// Call runs fn on the loop and waits for it to return. It must not be used
// from a handler running on the loop. When ctx ends first fn may still run
// later.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})

	if !l.Post(func() {
		fn()
		close(done)
	}) {
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.t.Dying():
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

func (l *Loop) run() error {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
	}()

	for {
		select {
		case <-l.wake:
		case <-l.t.Dying():
			return nil
		}

		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			fn()

			select {
			case <-l.t.Dying():
				return nil
			default:
			}
		}
	}
}
