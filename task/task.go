package task

import (
	"context"
	"strconv"
	"time"

	"github.com/go-errors/errors"
	"github.com/godbus/dbus/v5"
	"github.com/lijl44/stdOpneBMCWeb/bus"
	"github.com/lijl44/stdOpneBMCWeb/eventloop"
	"github.com/lijl44/stdOpneBMCWeb/messages"
	"github.com/looplab/fsm"
)

type State = string

const StateRunning State = "Running"
const StateStopping State = "Stopping"
const StateCompleted State = "Completed"
const StateException State = "Exception"
const StateCancelled State = "Cancelled"

type Status = string

const StatusOK Status = "OK"
const StatusWarning Status = "Warning"
const StatusCritical Status = "Critical"

const (
	eventPause    = "pause"
	eventComplete = "complete"
	eventFail     = "fail"
	eventCancel   = "cancel"
)

// IsTerminal reports whether no further transition can leave state.
func IsTerminal(state State) bool {
	switch state {
	case StateCompleted, StateException, StateCancelled:
		return true
	default:
		return false
	}
}

// Matcher is called on the loop for every signal the task is subscribed to.
// It mutates the task and reports whether the task has reached its outcome.
type Matcher func(t *Task, signal *dbus.Signal) bool

// Snapshot is a copy of a task's externally visible state.
type Snapshot struct {
	ID              uint64             `json:"id"`
	State           State              `json:"state"`
	Status          Status             `json:"status"`
	PercentComplete uint8              `json:"percentComplete"`
	Messages        []messages.Message `json:"messages"`
	StartTime       time.Time          `json:"startTime"`
	EndTime         time.Time          `json:"endTime,omitempty"`
	Payload         *Payload           `json:"payload,omitempty"`
	Match           string             `json:"match,omitempty"`
}

// Terminal reports whether the snapshot was taken of a finished task.
func (s *Snapshot) Terminal() bool {
	return IsTerminal(s.State)
}

// Task is a long running operation tracked by the ledger. Its methods must
// only be called on the loop.
type Task struct {
	ledger *Ledger

	id        uint64
	machine   *fsm.FSM
	status    Status
	percent   uint8
	messages  []messages.Message
	payload   *Payload
	startTime time.Time
	endTime   time.Time
	match     bus.Match

	matcher  Matcher
	sub      *bus.Subscription
	watchdog *eventloop.Timer
	gave204  bool
}

func newMachine(initial State) *fsm.FSM {
	active := []string{StateRunning, StateStopping}

	return fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: eventPause, Src: active, Dst: StateStopping},
			{Name: eventComplete, Src: active, Dst: StateCompleted},
			{Name: eventFail, Src: active, Dst: StateException},
			{Name: eventCancel, Src: active, Dst: StateCancelled},
		},
		fsm.Callbacks{},
	)
}

func (t *Task) ID() uint64 {
	return t.id
}

// Index is the id as used in task messages and URIs.
func (t *Task) Index() string {
	return strconv.FormatUint(t.id, 10)
}

func (t *Task) State() State {
	return t.machine.Current()
}

func (t *Task) Status() Status {
	return t.status
}

func (t *Task) PercentComplete() uint8 {
	return t.percent
}

func (t *Task) Terminal() bool {
	return IsTerminal(t.machine.Current())
}

func (t *Task) Payload() *Payload {
	return t.payload
}

func (t *Task) AddMessage(msg messages.Message) {
	t.messages = append(t.messages, msg)
}

func (t *Task) SetPercentComplete(percent uint8) {
	if percent > 100 {
		percent = 100
	}
	t.percent = percent
}

func (t *Task) transition(event string) error {
	err := t.machine.Event(context.Background(), event)

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}

	if err != nil {
		return errors.Errorf("could not %v task %v in state %v: %v", event, t.id, t.State(), err)
	}

	return nil
}

// Pause moves the task to Stopping, which waits for an outcome that may
// take a platform reset to arrive.
func (t *Task) Pause() error {
	return t.transition(eventPause)
}

// Complete moves the task to Completed.
func (t *Task) Complete() error {
	if err := t.transition(eventComplete); err != nil {
		return err
	}
	t.status = StatusOK
	return nil
}

// Fail moves the task to Exception with the given health.
func (t *Task) Fail(status Status) error {
	if err := t.transition(eventFail); err != nil {
		return err
	}
	t.status = status
	return nil
}

func (t *Task) cancel(status Status) error {
	if err := t.transition(eventCancel); err != nil {
		return err
	}
	t.status = status
	return nil
}

// ExtendWatchdog restarts the watchdog so that it expires d from now.
func (t *Task) ExtendWatchdog(d time.Duration) {
	if t.Terminal() {
		return
	}

	if t.watchdog != nil {
		t.watchdog.Stop()
	}

	t.watchdog = t.ledger.loop.AfterFunc(d, func(err error) {
		if err != nil {
			return
		}
		t.expire()
	})
}

func (t *Task) expire() {
	if t.Terminal() {
		return
	}

	t.ledger.log.Warnf("Task %v timed out in state %v", t.id, t.State())

	if err := t.Fail(StatusWarning); err != nil {
		t.ledger.log.Errorf("Could not abort task: %v", err)
	}
	t.AddMessage(messages.TaskAborted(t.Index()))

	t.finish()
}

func (t *Task) handle(signal *dbus.Signal) {
	if t.Terminal() || t.sub == nil || t.sub.Closed() {
		return
	}

	done := t.matcher(t, signal)

	if done || t.Terminal() {
		t.finish()
		return
	}

	t.ledger.publish(t)
}

// finish releases the subscription and the watchdog of a task that reached
// its outcome. A task reported done without a terminal transition is failed.
func (t *Task) finish() {
	if !t.Terminal() {
		if err := t.Fail(StatusCritical); err != nil {
			t.ledger.log.Errorf("Could not fail task: %v", err)
		}
	}

	if t.sub != nil {
		if err := t.sub.Close(); err != nil {
			t.ledger.log.Warnf("Could not close subscription of task %v: %v", t.id, err)
		}
		t.sub = nil
	}

	if t.watchdog != nil {
		t.watchdog.Stop()
		t.watchdog = nil
	}

	t.endTime = t.ledger.loop.Clock().Now()

	t.ledger.finished(t)
}

func (t *Task) Snapshot() *Snapshot {
	return &Snapshot{
		ID:              t.id,
		State:           t.State(),
		Status:          t.status,
		PercentComplete: t.percent,
		Messages:        append([]messages.Message{}, t.messages...),
		StartTime:       t.startTime,
		EndTime:         t.endTime,
		Payload:         t.payload,
		Match:           t.match.String(),
	}
}
