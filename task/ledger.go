// Package task keeps track of long running operations and their outcome.
package task

import (
	"context"
	"sort"
	"time"

	"github.com/go-errors/errors"
	"github.com/godbus/dbus/v5"
	"github.com/lijl44/stdOpneBMCWeb/bus"
	"github.com/lijl44/stdOpneBMCWeb/eventloop"
	"github.com/lijl44/stdOpneBMCWeb/messages"
)

// DefaultMaxTasks is the number of tasks kept when no limit is configured.
const DefaultMaxTasks = 100

var ErrNotFound = errors.New("task not found")

// Store persists task snapshots across restarts.
type Store interface {
	SaveTask(s *Snapshot) error
	DeleteTask(id uint64) error
	Tasks() ([]*Snapshot, error)
}

type Config struct {
	Loop     *eventloop.Loop
	Bus      bus.Bus
	Store    Store
	MaxTasks int
	Logger   Logger
}

// Ledger owns all tasks. Create and the Task methods run on the loop, every
// other method may be called from any goroutine.
type Ledger struct {
	loop     *eventloop.Loop
	bus      bus.Bus
	store    Store
	maxTasks int
	log      Logger

	// fields below are only touched on the loop
	tasks        []*Task
	byID         map[uint64]*Task
	nextID       uint64
	clients      map[uint32]*Client
	nextClientID uint32
}

func NewLedger(config *Config) *Ledger {
	l := &Ledger{
		loop:     config.Loop,
		bus:      config.Bus,
		store:    config.Store,
		maxTasks: config.MaxTasks,
		byID:     make(map[uint64]*Task),
		clients:  make(map[uint32]*Client),
	}

	if l.maxTasks <= 0 {
		l.maxTasks = DefaultMaxTasks
	}

	if config.Logger != nil {
		l.log = config.Logger
	} else {
		l.log = noopLogger{}
	}

	return l
}

// Restore loads persisted tasks. Tasks that were still active when the
// service went down are recorded as aborted. It must be called before the
// ledger is used.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	snapshots, err := l.store.Tasks()
	if err != nil {
		return errors.Errorf("could not load tasks: %v", err)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].ID < snapshots[j].ID
	})

	return l.loop.Call(ctx, func() {
		for _, s := range snapshots {
			t := &Task{
				ledger:    l,
				id:        s.ID,
				machine:   newMachine(s.State),
				status:    s.Status,
				percent:   s.PercentComplete,
				messages:  s.Messages,
				payload:   s.Payload,
				startTime: s.StartTime,
				endTime:   s.EndTime,
			}

			if s.Match != "" {
				match, err := bus.ParseMatch(s.Match)
				if err != nil {
					l.log.Warnf("Task %v has an unreadable match: %v", s.ID, err)
				} else {
					t.match = match
				}
			}

			if !IsTerminal(s.State) {
				l.log.Warnf("Task %v was interrupted in state %v", s.ID, s.State)

				t.machine = newMachine(StateException)
				t.status = StatusWarning
				t.endTime = l.loop.Clock().Now()
				t.AddMessage(messages.TaskAborted(t.Index()))

				l.save(t)
			}

			l.tasks = append(l.tasks, t)
			l.byID[t.id] = t

			if t.id >= l.nextID {
				l.nextID = t.id + 1
			}
		}

		l.evict()

		l.log.Infof("Restored %v tasks", len(l.tasks))
	})
}

// Create starts a task whose progress is driven by signals satisfying match.
// It must be called on the loop.
func (l *Ledger) Create(match bus.Match, matcher Matcher, payload *Payload, watchdog time.Duration) (*Task, error) {
	t := &Task{
		ledger:    l,
		id:        l.nextID,
		machine:   newMachine(StateRunning),
		status:    StatusOK,
		payload:   payload,
		startTime: l.loop.Clock().Now(),
		match:     match,
		matcher:   matcher,
	}

	sub, err := l.bus.Subscribe(match, func(signal *dbus.Signal) {
		l.loop.Post(func() {
			t.handle(signal)
		})
	})
	if err != nil {
		return nil, errors.Errorf("could not subscribe task to %v: %v", match, err)
	}

	l.nextID++

	t.sub = sub
	t.AddMessage(messages.TaskStarted(t.Index()))
	t.ExtendWatchdog(watchdog)

	l.tasks = append(l.tasks, t)
	l.byID[t.id] = t
	l.evict()

	tasksCreated.Inc()
	activeTasks.Inc()

	l.log.Infof("Created task %v bound to %v", t.id, match)

	l.save(t)

	return t, nil
}

// evict drops tasks beyond the limit, preferring the oldest finished ones.
// When every task is active the oldest is cancelled.
func (l *Ledger) evict() {
	for len(l.tasks) > l.maxTasks {
		victim := 0
		for i, t := range l.tasks {
			if t.Terminal() {
				victim = i
				break
			}
		}

		t := l.tasks[victim]
		if !t.Terminal() {
			l.log.Warnf("Task limit of %v reached, cancelling task %v", l.maxTasks, t.id)
			l.cancelTask(t)
		}

		l.tasks = append(l.tasks[:victim], l.tasks[victim+1:]...)
		delete(l.byID, t.id)

		if l.store != nil {
			if err := l.store.DeleteTask(t.id); err != nil {
				l.log.Warnf("Could not delete task %v: %v", t.id, err)
			}
		}

		l.log.Debugf("Evicted task %v", t.id)
	}
}

func (l *Ledger) cancelTask(t *Task) {
	if t.Terminal() {
		return
	}

	if err := t.cancel(StatusWarning); err != nil {
		l.log.Errorf("Could not cancel task: %v", err)
		return
	}
	t.AddMessage(messages.TaskCancelled(t.Index()))

	t.finish()
}

func (l *Ledger) save(t *Task) {
	if l.store == nil {
		return
	}

	if err := l.store.SaveTask(t.Snapshot()); err != nil {
		l.log.Warnf("Could not persist task %v: %v", t.id, err)
	}
}

// finished is called once by a task reaching its outcome.
func (l *Ledger) finished(t *Task) {
	activeTasks.Dec()
	tasksFinished.WithLabelValues(t.State()).Inc()

	l.log.Infof("Task %v finished in state %v", t.id, t.State())

	l.save(t)

	s := t.Snapshot()
	for _, c := range l.clients {
		if c.taskID == t.id {
			c.send(s)
			c.close()
			delete(l.clients, c.Id)
		}
	}
}

func (l *Ledger) publish(t *Task) {
	s := t.Snapshot()
	for _, c := range l.clients {
		if c.taskID == t.id {
			c.send(s)
		}
	}
}

func (l *Ledger) Snapshot(ctx context.Context, id uint64) (*Snapshot, error) {
	var s *Snapshot

	err := l.loop.Call(ctx, func() {
		if t, ok := l.byID[id]; ok {
			s = t.Snapshot()
		}
	})
	if err != nil {
		return nil, err
	}

	if s == nil {
		return nil, ErrNotFound
	}

	return s, nil
}

// Snapshots returns all known tasks ordered by id.
func (l *Ledger) Snapshots(ctx context.Context) ([]*Snapshot, error) {
	var snapshots []*Snapshot

	err := l.loop.Call(ctx, func() {
		snapshots = make([]*Snapshot, 0, len(l.tasks))
		for _, t := range l.tasks {
			snapshots = append(snapshots, t.Snapshot())
		}
	})
	if err != nil {
		return nil, err
	}

	return snapshots, nil
}

// Cancel ends an active task as Cancelled. Finished tasks are left alone.
func (l *Ledger) Cancel(ctx context.Context, id uint64) (*Snapshot, error) {
	var s *Snapshot

	err := l.loop.Call(ctx, func() {
		t, ok := l.byID[id]
		if !ok {
			return
		}

		if !t.Terminal() {
			l.log.Infof("Cancelling task %v", id)
			l.cancelTask(t)
		}

		s = t.Snapshot()
	})
	if err != nil {
		return nil, err
	}

	if s == nil {
		return nil, ErrNotFound
	}

	return s, nil
}

// Monitor reports the task for its monitor URI. Once a finished task was
// reported through Monitor it is no longer found there.
func (l *Ledger) Monitor(ctx context.Context, id uint64) (*Snapshot, error) {
	var s *Snapshot

	err := l.loop.Call(ctx, func() {
		t, ok := l.byID[id]
		if !ok || t.gave204 {
			return
		}

		if t.Terminal() {
			t.gave204 = true
		}

		s = t.Snapshot()
	})
	if err != nil {
		return nil, err
	}

	if s == nil {
		return nil, ErrNotFound
	}

	return s, nil
}

// Subscribe returns a client receiving every state change of the task. The
// current state is delivered right away.
func (l *Ledger) Subscribe(ctx context.Context, id uint64) (*Client, error) {
	var client *Client

	err := l.loop.Call(ctx, func() {
		t, ok := l.byID[id]
		if !ok {
			return
		}

		client = &Client{
			Updates: make(chan *Snapshot, 1),
			Id:      l.nextClientID,
			taskID:  id,
			ledger:  l,
		}
		l.nextClientID++

		client.send(t.Snapshot())

		if t.Terminal() {
			client.close()
			return
		}

		l.clients[client.Id] = client
	})
	if err != nil {
		return nil, err
	}

	if client == nil {
		return nil, ErrNotFound
	}

	return client, nil
}

func (l *Ledger) unsubscribe(c *Client) {
	l.loop.Post(func() {
		delete(l.clients, c.Id)
		c.close()
	})
}
