package eventloop

import (
	"sync"
	"time"

	"github.com/go-errors/errors"
	"github.com/juju/clock"
)

// ErrAborted is handed to a timer callback when the timer was stopped before
// it expired.
var ErrAborted = errors.New("operation aborted")

// Timer is a one-shot deadline whose callback runs on the loop. Every timer
// delivers exactly one callback: nil on expiry or ErrAborted after Stop.
type Timer struct {
	loop  *Loop
	fn    func(err error)
	timer clock.Timer

	mu   sync.Mutex
	done bool
}

// AfterFunc arms a timer firing after d.
func (l *Loop) AfterFunc(d time.Duration, fn func(err error)) *Timer {
	t := &Timer{
		loop: l,
		fn:   fn,
	}

	t.timer = l.clock.AfterFunc(d, func() {
		l.Post(t.expire)
	})

	return t
}

func (t *Timer) finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true

	return true
}

func (t *Timer) expire() {
	if t.finish() {
		t.fn(nil)
	}
}

// Stop cancels the timer. It reports false when the timer already expired or
// was stopped before, in which case stopping has no effect.
func (t *Timer) Stop() bool {
	if !t.finish() {
		return false
	}

	t.timer.Stop()
	t.loop.Post(func() {
		t.fn(ErrAborted)
	})

	return true
}
