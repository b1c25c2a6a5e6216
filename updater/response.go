package updater

import (
	"context"
	"sync"

	"github.com/lijl44/stdOpneBMCWeb/task"
)

// Outcome is the single result of an update request: the task created for
// it, or the error that ended the session.
type Outcome struct {
	Task *task.Snapshot
	Err  error
}

// Response is the handle an HTTP request waits on. It accepts exactly one
// outcome; later ones are dropped.
type Response struct {
	once sync.Once
	ch   chan Outcome
}

func NewResponse() *Response {
	return &Response{
		ch: make(chan Outcome, 1),
	}
}

// resolve delivers o unless an outcome was already delivered. It is safe to
// call on a nil response.
func (r *Response) resolve(o Outcome) bool {
	if r == nil {
		return false
	}

	resolved := false
	r.once.Do(func() {
		r.ch <- o
		resolved = true
	})

	return resolved
}

// Wait blocks until the outcome is known or ctx ends.
func (r *Response) Wait(ctx context.Context) (Outcome, error) {
	select {
	case o := <-r.ch:
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
