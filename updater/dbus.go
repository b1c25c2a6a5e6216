package updater

import (
	"context"
	"sync"
	"time"

	"github.com/go-errors/errors"
	"github.com/godbus/dbus/v5"
	"github.com/lijl44/stdOpneBMCWeb/bus"
	"github.com/lijl44/stdOpneBMCWeb/eventloop"
	"github.com/lijl44/stdOpneBMCWeb/task"
)

// timeout of a single bus round trip made on behalf of a session
const busCallTimeout = 30 * time.Second

const requestActivationActive = bus.ActivationInterface + ".RequestedActivations.Active"

// check BusUpdater compliance to its interface during compile time
var _ Updater = (*BusUpdater)(nil)

type Config struct {
	Loop   *eventloop.Loop
	Bus    bus.Bus
	Ledger *task.Ledger
	Images ImageStore

	UploadTimeout   time.Duration
	TaskTimeout     time.Duration
	StagedTimeout   time.Duration
	ProgressTimeout time.Duration
	TransferTimeout time.Duration

	Logger Logger
}

// BusUpdater drives firmware updates through the platform's software
// manager on the system bus.
type BusUpdater struct {
	loop   *eventloop.Loop
	bus    bus.Bus
	ledger *task.Ledger
	images ImageStore
	log    Logger

	uploadTimeout   time.Duration
	taskTimeout     time.Duration
	stagedTimeout   time.Duration
	progressTimeout time.Duration
	transferTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// only touched on the loop
	session       *session
	nextSessionID uint64
}

func NewBusUpdater(config *Config) *BusUpdater {
	u := &BusUpdater{
		loop:            config.Loop,
		bus:             config.Bus,
		ledger:          config.Ledger,
		images:          config.Images,
		uploadTimeout:   config.UploadTimeout,
		taskTimeout:     config.TaskTimeout,
		stagedTimeout:   config.StagedTimeout,
		progressTimeout: config.ProgressTimeout,
		transferTimeout: config.TransferTimeout,
	}

	if config.Logger != nil {
		u.log = config.Logger
	} else {
		u.log = noopLogger{}
	}

	if u.uploadTimeout == 0 {
		u.uploadTimeout = DefaultUploadTimeout
	}
	if u.taskTimeout == 0 {
		u.taskTimeout = DefaultTaskTimeout
	}
	if u.stagedTimeout == 0 {
		u.stagedTimeout = DefaultStagedTimeout
	}
	if u.progressTimeout == 0 {
		u.progressTimeout = DefaultProgressTimeout
	}
	if u.transferTimeout == 0 {
		u.transferTimeout = DefaultTransferTimeout
	}

	u.ctx, u.cancel = context.WithCancel(context.Background())

	return u
}

// Close aborts bus calls in flight and waits for them to return.
func (u *BusUpdater) Close() error {
	u.cancel()
	u.wg.Wait()
	return nil
}

// goBus runs fn in a tracked goroutine with a bounded context.
func (u *BusUpdater) goBus(fn func(ctx context.Context)) {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()

		ctx, cancel := context.WithTimeout(u.ctx, busCallTimeout)
		defer cancel()

		fn(ctx)
	}()
}

func (u *BusUpdater) BeginUpdate(ctx context.Context, req *Request) error {
	s, err := u.begin(ctx, req)
	if err != nil {
		return err
	}

	if req.Image == nil {
		return nil
	}

	if req.ApplyTime != "" {
		err = u.SetApplyTime(ctx, req.ApplyTime)
		if err != nil {
			u.log.Errorf("Could not set apply time of session %v: %v", s.id, err)
		}
	}

	if err == nil && u.images == nil {
		err = errors.New("no image store configured")
	}

	if err == nil {
		var path string
		path, err = u.images.Store(req.Image, req.ImageSize)
		if err == nil {
			u.log.Infof("Staged image of session %v at %v", s.id, path)
			u.armTimer(s)
			return nil
		}

		u.log.Errorf("Could not stage image of session %v: %v", s.id, err)
	}

	// the session must be gone before the caller learns about the failure
	callErr := u.loop.Call(context.Background(), func() {
		u.fail(s, err)
	})
	if callErr != nil {
		u.log.Warnf("Could not tear down session %v: %v", s.id, callErr)
		req.Response.resolve(Outcome{Err: err})
	}

	return err
}

// begin opens a session unless one is already open. Subscriptions are armed
// before begin returns. The availability timer is armed as well unless the
// request still has an image to stage.
func (u *BusUpdater) begin(ctx context.Context, req *Request) (*session, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err := errors.Errorf("could not open update session: %w", ctxErr)
		req.Response.resolve(Outcome{Err: err})
		return nil, err
	}

	var (
		s   *session
		err error
	)

	// open never blocks, so it runs regardless of the caller going away
	callErr := u.loop.Call(context.Background(), func() {
		if u.session != nil {
			u.log.Infof("Rejecting update, session %v is still open", u.session.id)
			sessions.WithLabelValues(outcomeBusy).Inc()
			err = ErrBusy
			return
		}

		s, err = u.open(req)
	})
	if callErr != nil {
		return nil, errors.Errorf("could not open update session: %v", callErr)
	}

	if err != nil {
		req.Response.resolve(Outcome{Err: err})
		return nil, err
	}

	return s, nil
}

// armTimer starts waiting for the platform once the image is staged. A
// session that already ended is left alone.
func (u *BusUpdater) armTimer(s *session) {
	err := u.loop.Call(context.Background(), func() {
		if u.session != s || s.timer != nil {
			return
		}

		u.startTimer(s)
	})
	if err != nil {
		u.log.Warnf("Could not arm timer of session %v: %v", s.id, err)
	}
}

// open runs on the loop.
func (u *BusUpdater) open(req *Request) (*session, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = u.uploadTimeout
	}

	targetURI := req.TargetURI
	if targetURI == "" {
		targetURI = UpdateServiceURI
	}

	s := &session{
		id:        u.nextSessionID,
		started:   u.loop.Clock().Now(),
		timeout:   timeout,
		targetURI: targetURI,
		payload:   req.Payload,
		response:  req.Response,
	}
	u.nextSessionID++

	u.session = s
	activeSession.Set(1)

	var err error

	s.interfacesAdded, err = u.bus.Subscribe(bus.InterfacesAddedMatch(bus.SoftwarePath), func(signal *dbus.Signal) {
		u.loop.Post(func() {
			u.onSoftwareAdded(s, signal)
		})
	})
	if err != nil {
		u.cleanup(s)
		return nil, &UpstreamError{Op: "subscribe to software objects", Err: err}
	}

	s.errorLog, err = u.bus.Subscribe(bus.InterfacesAddedMatch(bus.LoggingPath), func(signal *dbus.Signal) {
		u.loop.Post(func() {
			u.onErrorLogged(s, signal)
		})
	})
	if err != nil {
		u.cleanup(s)
		return nil, &UpstreamError{Op: "subscribe to error log", Err: err}
	}

	if req.Image == nil {
		u.startTimer(s)
	} else {
		u.log.Infof("Opened update session %v, staging image", s.id)
	}

	return s, nil
}

// startTimer runs on the loop.
func (u *BusUpdater) startTimer(s *session) {
	s.timer = u.loop.AfterFunc(s.timeout, func(err error) {
		u.onTimer(s, err)
	})

	u.log.Infof("Update session %v waiting %v for the firmware object", s.id, s.timeout)
}

// cleanup tears s down. It is idempotent and never touches a newer session.
func (u *BusUpdater) cleanup(s *session) {
	if u.session == s {
		u.session = nil
		activeSession.Set(0)
	}

	if s.interfacesAdded != nil {
		if err := s.interfacesAdded.Close(); err != nil {
			u.log.Warnf("Could not drop software subscription: %v", err)
		}
		s.interfacesAdded = nil
	}

	if s.errorLog != nil {
		if err := s.errorLog.Close(); err != nil {
			u.log.Warnf("Could not drop error log subscription: %v", err)
		}
		s.errorLog = nil
	}

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// fail ends s with err and reports it to the waiting request, if any.
func (u *BusUpdater) fail(s *session, err error) {
	open := u.session == s

	u.cleanup(s)

	if !open {
		return
	}

	sessions.WithLabelValues(outcomeLabel(err)).Inc()
	s.response.resolve(Outcome{Err: err})

	u.log.Infof("Update session %v ended: %v", s.id, err)
}

func (u *BusUpdater) onTimer(s *session, err error) {
	if errors.Is(err, eventloop.ErrAborted) || u.session != s {
		return
	}

	u.log.Errorf("Timed out waiting for firmware object being created")
	u.log.Errorf("Firmware image may have already been uploaded to server")

	u.fail(s, ErrTimeout)
}

func (u *BusUpdater) onSoftwareAdded(s *session, signal *dbus.Signal) {
	if u.session != s {
		return
	}

	added, err := bus.DecodeInterfacesAdded(signal)
	if err != nil {
		u.log.Errorf("Malformed software announcement: %v", err)
		u.fail(s, &UpstreamError{Op: "read software announcement", Err: err})
		return
	}

	u.log.Debugf("Software object %v added", added.Path)

	if !added.Has(bus.ActivationInterface) || s.resolving {
		return
	}

	s.resolving = true
	path := string(added.Path)

	u.goBus(func(ctx context.Context) {
		owners, err := u.bus.GetObject(ctx, path, []string{bus.ActivationInterface})

		u.loop.Post(func() {
			u.onOwnersResolved(s, path, owners, err)
		})
	})
}

func (u *BusUpdater) onOwnersResolved(s *session, path string, owners bus.ObjectOwners, err error) {
	if u.session != s {
		return
	}

	if err != nil {
		u.fail(s, &UpstreamError{Op: "resolve owner of " + path, Err: err})
		return
	}

	if len(owners) != 1 {
		u.log.Errorf("Invalid object size %v", len(owners))
		u.fail(s, &UpstreamError{Op: "resolve owner of " + path, Err: errors.Errorf("expected one owner, got %v", len(owners))})
		return
	}

	var service string
	for name := range owners {
		service = name
	}

	h := &handoff{
		objectPath: path,
		service:    service,
		payload:    s.payload,
		response:   s.response,
	}

	u.log.Infof("Update session %v resolved %v on %v after %v", s.id, path, service, u.loop.Clock().Now().Sub(s.started))

	// the platform answered, the session is over
	u.cleanup(s)

	u.handoff(h)
}

// handoff starts the task phase. It runs on the loop right after the session
// was torn down.
func (u *BusUpdater) handoff(h *handoff) {
	t, err := u.ledger.Create(bus.PropertiesChangedMatch(h.objectPath), u.matchActivation, h.payload, u.taskTimeout)
	if err != nil {
		u.log.Errorf("Could not create task for %v: %v", h.objectPath, err)
		sessions.WithLabelValues(outcomeError).Inc()
		h.response.resolve(Outcome{Err: &UpstreamError{Op: "create task", Err: err}})
		return
	}

	u.activate(h.objectPath, h.service)

	sessions.WithLabelValues(outcomeAccepted).Inc()
	h.response.resolve(Outcome{Task: t.Snapshot()})
}

// activate requests activation of the image. Failures are only logged, the
// task reports what happens next.
func (u *BusUpdater) activate(path, service string) {
	u.log.Debugf("Activate image for %v %v", path, service)

	u.goBus(func(ctx context.Context) {
		err := u.bus.SetProperty(ctx, service, path, bus.ActivationInterface, "RequestedActivation", requestActivationActive)
		if err != nil {
			u.log.Errorf("Could not request activation of %v: %v", path, err)
		}
	})
}

func (u *BusUpdater) onErrorLogged(s *session, signal *dbus.Signal) {
	if u.session != s {
		return
	}

	added, err := bus.DecodeInterfacesAdded(signal)
	if err != nil {
		u.log.Debugf("Ignoring malformed log announcement: %v", err)
		return
	}

	entry, ok := added.Interfaces[bus.LoggingEntryInterface]
	if !ok {
		return
	}

	value, ok := entry["Message"]
	if !ok {
		return
	}

	identifier, ok := value.Value().(string)
	if !ok {
		// if this was our message, the timeout covers it
		return
	}

	u.log.Warnf("Platform logged %v during update session %v", identifier, s.id)

	u.fail(s, newPlatformError(identifier, s.targetURI))
}
