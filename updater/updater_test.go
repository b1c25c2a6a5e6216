package updater

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-errors/errors"
	"github.com/godbus/dbus/v5"
	"github.com/juju/clock/testclock"
	"github.com/lijl44/stdOpneBMCWeb/bus"
	"github.com/lijl44/stdOpneBMCWeb/eventloop"
	"github.com/lijl44/stdOpneBMCWeb/task"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	firmwarePath = bus.SoftwarePath + "/1a2b3c4d"
	bmcUpdater   = "xyz.openbmc_project.Software.BMC.Updater"
)

type fixture struct {
	clock   *testclock.Clock
	loop    *eventloop.Loop
	bus     *bus.MemoryBus
	ledger  *task.Ledger
	updater *BusUpdater
	images  string
	hook    *test.Hook
}

func newFixture(t *testing.T) *fixture {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	loop := eventloop.New(&eventloop.Config{Clock: clk})
	loop.Start()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	b := bus.NewMemoryBus()
	dir := t.TempDir()

	ledger := task.NewLedger(&task.Config{
		Loop: loop,
		Bus:  b,
	})

	u := NewBusUpdater(&Config{
		Loop:   loop,
		Bus:    b,
		Ledger: ledger,
		Images: NewFileImageStore(&FileImageStoreConfig{Dir: dir}),
		Logger: logger.WithField("system", "updater"),
	})

	t.Cleanup(func() {
		require.NoError(t, u.Close())
		require.NoError(t, loop.Stop())
	})

	return &fixture{
		clock:   clk,
		loop:    loop,
		bus:     b,
		ledger:  ledger,
		updater: u,
		images:  dir,
		hook:    hook,
	}
}

func (f *fixture) flush(t *testing.T) {
	require.NoError(t, f.loop.Call(context.Background(), func() {}))
}

func (f *fixture) upload(t *testing.T) (*Response, error) {
	resp := NewResponse()

	err := f.updater.BeginUpdate(context.Background(), &Request{
		Image:     strings.NewReader("firmware image"),
		ImageSize: 14,
		TargetURI: UpdateServiceURI,
		Payload:   &task.Payload{TargetURI: "/redfish/v1/UpdateService/update", HTTPOperation: "POST"},
		Response:  resp,
	})

	return resp, err
}

func (f *fixture) mustUpload(t *testing.T) *Response {
	resp, err := f.upload(t)
	require.NoError(t, err)
	return resp
}

// announce publishes a firmware object the way the platform's image manager
// does once it unpacked an upload.
func (f *fixture) announce(path string, ifaces ...string) {
	props := map[string]map[string]dbus.Variant{}
	for _, iface := range ifaces {
		props[iface] = map[string]dbus.Variant{}
	}

	f.bus.Emit(bus.NewInterfacesAddedSignal(bus.SoftwarePath, path, props))
}

func (f *fixture) logError(identifier interface{}) {
	f.bus.Emit(bus.NewInterfacesAddedSignal(bus.LoggingPath, bus.LoggingPath+"/entry/7", map[string]map[string]dbus.Variant{
		bus.LoggingEntryInterface: {
			"Message":  dbus.MakeVariant(identifier),
			"Severity": dbus.MakeVariant("xyz.openbmc_project.Logging.Entry.Level.Error"),
		},
	}))
}

func (f *fixture) activation(t *testing.T, state string) {
	f.bus.Emit(bus.NewPropertiesChangedSignal(firmwarePath, bus.ActivationInterface, map[string]dbus.Variant{
		"Activation": dbus.MakeVariant(bus.ActivationInterface + ".Activations." + state),
	}))
	f.flush(t)
}

func (f *fixture) progress(t *testing.T, value interface{}) {
	f.bus.Emit(bus.NewPropertiesChangedSignal(firmwarePath, bus.ActivationProgressInterface, map[string]dbus.Variant{
		"Progress": dbus.MakeVariant(value),
	}))
	f.flush(t)
}

func wait(t *testing.T, resp *Response) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	o, err := resp.Wait(ctx)
	require.NoError(t, err)

	return o
}

func assertPending(t *testing.T, resp *Response) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := resp.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// handedOff runs an upload up to the created task.
func (f *fixture) handedOff(t *testing.T) *task.Snapshot {
	f.bus.AddObject(firmwarePath, bus.ObjectOwners{bmcUpdater: {bus.ActivationInterface, bus.VersionInterface}})

	resp := f.mustUpload(t)
	f.announce(firmwarePath, bus.ActivationInterface, bus.VersionInterface)

	o := wait(t, resp)
	require.NoError(t, o.Err)
	require.NotNil(t, o.Task)

	return o.Task
}

func (f *fixture) snapshot(t *testing.T, id uint64) *task.Snapshot {
	s, err := f.ledger.Snapshot(context.Background(), id)
	require.NoError(t, err)
	return s
}

func messageIDs(s *task.Snapshot) []string {
	var ids []string
	for _, msg := range s.Messages {
		ids = append(ids, msg.MessageID[strings.LastIndex(msg.MessageID, ".")+1:])
	}
	return ids
}

func countFiles(t *testing.T, dir string) int {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func TestUploadActivatesAndCompletes(t *testing.T) {
	f := newFixture(t)
	accepted := testutil.ToFloat64(sessions.WithLabelValues(outcomeAccepted))

	f.bus.AddObject(firmwarePath, bus.ObjectOwners{bmcUpdater: {bus.ActivationInterface}})

	resp := f.mustUpload(t)

	assert.Equal(t, []string{
		"interface='org.freedesktop.DBus.ObjectManager',type='signal',member='InterfacesAdded',path='/xyz/openbmc_project/software'",
		"interface='org.freedesktop.DBus.ObjectManager',type='signal',member='InterfacesAdded',path='/xyz/openbmc_project/logging'",
	}, f.bus.Matches())
	assert.Equal(t, 1, countFiles(t, f.images))
	assertPending(t, resp)

	f.announce(firmwarePath, bus.ActivationInterface)

	o := wait(t, resp)
	require.NoError(t, o.Err)
	assert.Equal(t, task.StateRunning, o.Task.State)
	assert.Equal(t, "/redfish/v1/UpdateService/update", o.Task.Payload.TargetURI)
	assert.Equal(t, accepted+1, testutil.ToFloat64(sessions.WithLabelValues(outcomeAccepted)))

	require.Eventually(t, func() bool {
		return len(f.bus.Writes()) == 1
	}, time.Second, time.Millisecond)

	write := f.bus.Writes()[0]
	assert.Equal(t, bmcUpdater, write.Service)
	assert.Equal(t, firmwarePath, write.Path)
	assert.Equal(t, bus.ActivationInterface, write.Iface)
	assert.Equal(t, "RequestedActivation", write.Property)
	assert.Equal(t, "xyz.openbmc_project.Software.Activation.RequestedActivations.Active", write.Value)

	// only the task subscription is left
	f.flush(t)
	assert.Equal(t, 1, f.bus.Subscriptions())
	assert.Equal(t,
		"type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',path='/xyz/openbmc_project/software/1a2b3c4d'",
		f.bus.Matches()[2])

	f.activation(t, "Activating")
	assert.Equal(t, task.StateRunning, f.snapshot(t, o.Task.ID).State)

	f.activation(t, "Active")

	s := f.snapshot(t, o.Task.ID)
	assert.Equal(t, task.StateCompleted, s.State)
	assert.Equal(t, []string{"TaskStarted", "TaskCompletedOK"}, messageIDs(s))
	assert.Equal(t, 0, f.bus.Subscriptions())

	// terminal tasks ignore stale events
	f.activation(t, "Failed")
	assert.Equal(t, s, f.snapshot(t, o.Task.ID))
}

func TestSecondUploadIsBusyUntilHandoff(t *testing.T) {
	f := newFixture(t)
	busy := testutil.ToFloat64(sessions.WithLabelValues(outcomeBusy))

	f.bus.AddObject(firmwarePath, bus.ObjectOwners{bmcUpdater: {bus.ActivationInterface}})

	first := f.mustUpload(t)

	second, err := f.upload(t)
	assert.ErrorIs(t, err, ErrBusy)

	o := wait(t, second)
	assert.ErrorIs(t, o.Err, ErrBusy)

	msgs := Messages(o.Err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Base.1.13.0.ServiceTemporarilyUnavailable", msgs[0].MessageID)
	assert.Equal(t, []string{"30"}, msgs[0].MessageArgs)
	assert.Equal(t, busy+1, testutil.ToFloat64(sessions.WithLabelValues(outcomeBusy)))

	// the rejected request neither staged an image nor touched the session
	assert.Equal(t, 1, countFiles(t, f.images))
	assert.Equal(t, 2, f.bus.Subscriptions())

	f.announce(firmwarePath, bus.ActivationInterface)
	require.NoError(t, wait(t, first).Err)

	// activation still runs, but the session is over
	third := f.mustUpload(t)
	assertPending(t, third)
}

func TestUploadTimesOut(t *testing.T) {
	f := newFixture(t)

	resp := f.mustUpload(t)

	require.NoError(t, f.clock.WaitAdvance(24*time.Second, time.Second, 1))
	f.flush(t)
	assertPending(t, resp)

	f.clock.Advance(time.Second)

	o := wait(t, resp)
	assert.ErrorIs(t, o.Err, ErrTimeout)
	assert.Equal(t, "Base.1.13.0.InternalError", Messages(o.Err)[0].MessageID)

	f.flush(t)
	assert.Equal(t, 0, f.bus.Subscriptions())

	tasks, err := f.ledger.Snapshots(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)

	var logged bool
	for _, entry := range f.hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel && strings.Contains(entry.Message, "Timed out waiting for firmware object") {
			logged = true
		}
	}
	assert.True(t, logged)

	// late announcements are ignored
	f.announce(firmwarePath, bus.ActivationInterface)
	f.flush(t)

	f.mustUpload(t)
}

// slowImage stalls the upload for longer than the availability timeout
// before its data arrives.
type slowImage struct {
	clock *testclock.Clock
	data  io.Reader
	slept bool
}

func (r *slowImage) Read(p []byte) (int, error) {
	if !r.slept {
		r.slept = true
		r.clock.Advance(26 * time.Second)
	}
	return r.data.Read(p)
}

func TestSlowUploadDoesNotCountTowardsTimeout(t *testing.T) {
	f := newFixture(t)

	f.bus.AddObject(firmwarePath, bus.ObjectOwners{bmcUpdater: {bus.ActivationInterface}})

	resp := NewResponse()
	err := f.updater.BeginUpdate(context.Background(), &Request{
		Image:     &slowImage{clock: f.clock, data: strings.NewReader("firmware image")},
		ImageSize: 14,
		Response:  resp,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countFiles(t, f.images))

	f.flush(t)
	assertPending(t, resp)
	assert.Equal(t, 2, f.bus.Subscriptions())

	// the wait for the platform starts once the image is staged
	require.NoError(t, f.clock.WaitAdvance(24*time.Second, time.Second, 1))
	f.flush(t)
	assertPending(t, resp)

	f.announce(firmwarePath, bus.ActivationInterface)

	o := wait(t, resp)
	require.NoError(t, o.Err)
	assert.Equal(t, task.StateRunning, o.Task.State)
}

func TestAnnouncementWhileStagingIsHandedOff(t *testing.T) {
	f := newFixture(t)

	f.bus.AddObject(firmwarePath, bus.ObjectOwners{bmcUpdater: {bus.ActivationInterface}})

	resp := NewResponse()
	image := io.MultiReader(strings.NewReader("firmware "), readerFunc(func(p []byte) (int, error) {
		f.announce(firmwarePath, bus.ActivationInterface)
		return 0, io.EOF
	}))

	require.NoError(t, f.updater.BeginUpdate(context.Background(), &Request{
		Image:    image,
		Response: resp,
	}))

	o := wait(t, resp)
	require.NoError(t, o.Err)
	require.NotNil(t, o.Task)

	// the handed off session never armed a timer
	f.clock.Advance(time.Minute)
	f.flush(t)
	assert.Equal(t, task.StateRunning, f.snapshot(t, o.Task.ID).State)
}

type readerFunc func(p []byte) (int, error)

func (fn readerFunc) Read(p []byte) (int, error) {
	return fn(p)
}

func TestGoneCallerOpensNoSession(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := NewResponse()
	err := f.updater.BeginUpdate(ctx, &Request{
		Image:    strings.NewReader("firmware image"),
		Response: resp,
	})
	require.ErrorIs(t, err, context.Canceled)

	f.flush(t)
	assert.Equal(t, 0, f.bus.Subscriptions())
	assert.Equal(t, 0, countFiles(t, f.images))

	// the next upload is not blocked
	f.mustUpload(t)
}

func TestApplyTimeIsWrittenOnceSessionOpens(t *testing.T) {
	f := newFixture(t)

	first := f.mustUpload(t)

	busy := NewResponse()
	err := f.updater.BeginUpdate(context.Background(), &Request{
		Image:     strings.NewReader("firmware image"),
		ApplyTime: ApplyTimeImmediate,
		Response:  busy,
	})
	require.ErrorIs(t, err, ErrBusy)
	assert.Empty(t, f.bus.Writes())

	require.NoError(t, f.clock.WaitAdvance(25*time.Second, time.Second, 1))
	assert.ErrorIs(t, wait(t, first).Err, ErrTimeout)

	resp := NewResponse()
	require.NoError(t, f.updater.BeginUpdate(context.Background(), &Request{
		Image:     strings.NewReader("firmware image"),
		ApplyTime: ApplyTimeImmediate,
		Response:  resp,
	}))

	writes := f.bus.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, bus.ApplyTimePath, writes[0].Path)
	assert.Equal(t, "xyz.openbmc_project.Software.ApplyTime.RequestedApplyTimes.Immediate", writes[0].Value)
	assertPending(t, resp)
}

func TestPlatformRejectsDuplicateVersion(t *testing.T) {
	f := newFixture(t)

	resp := f.mustUpload(t)

	f.logError("xyz.openbmc_project.Software.Version.Error.AlreadyExists")

	o := wait(t, resp)

	var platform *PlatformError
	require.True(t, errors.As(o.Err, &platform))

	msgs := Messages(o.Err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Base.1.13.0.InvalidUpload", msgs[0].MessageID)
	assert.Equal(t, []string{UpdateServiceURI, "Image version already exists"}, msgs[0].MessageArgs)
	assert.Equal(t, "Base.1.13.0.ResourceAlreadyExists", msgs[1].MessageID)
	assert.Equal(t, []string{"UpdateService", "Version", "uploaded version"}, msgs[1].MessageArgs)

	f.flush(t)
	assert.Equal(t, 0, f.bus.Subscriptions())

	tasks, err := f.ledger.Snapshots(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// the guard is cleared right away
	f.clock.Advance(10 * time.Second)
	next := f.mustUpload(t)

	// the first session's timer is gone and cannot end the second session
	f.clock.Advance(20 * time.Second)
	f.flush(t)
	assertPending(t, next)

	_, err = f.upload(t)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestPlatformErrorMapping(t *testing.T) {
	for _, tc := range []struct {
		identifier string
		ids        []string
		args       []string
	}{
		{"xyz.openbmc_project.Software.Image.Error.UnTarFailure", []string{"InvalidUpload"}, []string{UpdateServiceURI, "Invalid archive"}},
		{"xyz.openbmc_project.Software.Image.Error.ManifestFileFailure", []string{"InvalidUpload"}, []string{UpdateServiceURI, "Invalid manifest"}},
		{"xyz.openbmc_project.Software.Image.Error.ImageFailure", []string{"InvalidUpload"}, []string{UpdateServiceURI, "Invalid image format"}},
		{"xyz.openbmc_project.Software.Version.Error.AlreadyExists", []string{"InvalidUpload", "ResourceAlreadyExists"}, []string{UpdateServiceURI, "Image version already exists"}},
		{"xyz.openbmc_project.Software.Image.Error.BusyFailure", []string{"ResourceExhaustion"}, []string{UpdateServiceURI}},
		{"xyz.openbmc_project.Common.Error.InternalFailure", []string{"InternalError"}, []string{}},
	} {
		t.Run(tc.identifier, func(t *testing.T) {
			msgs := Messages(newPlatformError(tc.identifier, UpdateServiceURI))

			var ids []string
			for _, msg := range msgs {
				ids = append(ids, msg.MessageID[strings.LastIndex(msg.MessageID, ".")+1:])
			}

			assert.Equal(t, tc.ids, ids)
			assert.Equal(t, tc.args, msgs[0].MessageArgs)
		})
	}
}

func TestErrorLogWithoutMessageIsIgnored(t *testing.T) {
	f := newFixture(t)

	resp := f.mustUpload(t)

	f.logError(uint32(7))
	f.bus.Emit(bus.NewInterfacesAddedSignal(bus.LoggingPath, bus.LoggingPath+"/entry/8", map[string]map[string]dbus.Variant{
		"xyz.openbmc_project.Association.Definitions": {},
	}))
	f.flush(t)

	assertPending(t, resp)
	assert.Equal(t, 2, f.bus.Subscriptions())
}

func TestObjectWithoutActivationIsIgnored(t *testing.T) {
	f := newFixture(t)

	resp := f.mustUpload(t)

	f.announce(firmwarePath, bus.VersionInterface)
	f.flush(t)

	assertPending(t, resp)

	_, err := f.upload(t)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestMalformedAnnouncementEndsSession(t *testing.T) {
	f := newFixture(t)

	resp := f.mustUpload(t)

	f.bus.Emit(&dbus.Signal{
		Path: bus.SoftwarePath,
		Name: bus.ObjectManagerInterface + ".InterfacesAdded",
		Body: []interface{}{"no object path"},
	})

	o := wait(t, resp)

	var upstream *UpstreamError
	assert.True(t, errors.As(o.Err, &upstream))

	f.mustUpload(t)
}

func TestOwnerResolution(t *testing.T) {
	for name, owners := range map[string]bus.ObjectOwners{
		"none": nil,
		"two": {
			bmcUpdater: {bus.ActivationInterface},
			"xyz.openbmc_project.Software.Host.Updater": {bus.ActivationInterface},
		},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)

			if owners != nil {
				f.bus.AddObject(firmwarePath, owners)
			}

			resp := f.mustUpload(t)
			f.announce(firmwarePath, bus.ActivationInterface)

			o := wait(t, resp)
			var upstream *UpstreamError
			require.True(t, errors.As(o.Err, &upstream))
			assert.Equal(t, "Base.1.13.0.InternalError", Messages(o.Err)[0].MessageID)

			f.flush(t)
			assert.Equal(t, 0, f.bus.Subscriptions())
			assert.Empty(t, f.bus.Writes())

			f.mustUpload(t)
		})
	}
}

func TestStaleOwnerResolutionIsIgnored(t *testing.T) {
	f := newFixture(t)

	release := make(chan struct{})
	f.bus.OnGetObject = func(ctx context.Context, path string, interfaces []string) (bus.ObjectOwners, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return bus.ObjectOwners{bmcUpdater: {bus.ActivationInterface}}, nil
	}

	first := f.mustUpload(t)
	f.announce(firmwarePath, bus.ActivationInterface)
	f.flush(t)

	require.NoError(t, f.clock.WaitAdvance(25*time.Second, time.Second, 1))
	assert.ErrorIs(t, wait(t, first).Err, ErrTimeout)

	second := f.mustUpload(t)

	close(release)

	// give the stale lookup time to report back
	time.Sleep(20 * time.Millisecond)
	f.flush(t)

	assertPending(t, second)

	tasks, err := f.ledger.Snapshots(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Empty(t, f.bus.Writes())
}

func TestCleanupIsIdempotent(t *testing.T) {
	f := newFixture(t)

	resp := f.mustUpload(t)

	require.NoError(t, f.loop.Call(context.Background(), func() {
		s := f.updater.session
		require.NotNil(t, s)

		f.updater.fail(s, ErrTimeout)
		f.updater.cleanup(s)
		f.updater.fail(s, errors.New("second trigger"))

		assert.Nil(t, f.updater.session)
	}))

	assert.ErrorIs(t, wait(t, resp).Err, ErrTimeout)
	assertPending(t, resp)
	assert.Equal(t, 0, f.bus.Subscriptions())

	// the aborted timer callback does nothing
	f.clock.Advance(time.Minute)
	f.flush(t)
}

type failingStore struct {
	err error
}

func (s *failingStore) Store(image io.Reader, size int64) (string, error) {
	return "", s.err
}

func TestStoreFailureOpensNoSession(t *testing.T) {
	f := newFixture(t)
	f.updater.images = &failingStore{err: errors.Errorf("disk gone: %w", ErrInsufficientSpace)}

	resp, err := f.upload(t)
	require.ErrorIs(t, err, ErrInsufficientSpace)

	// torn down before BeginUpdate returned
	assert.Equal(t, 0, f.bus.Subscriptions())

	o := wait(t, resp)
	assert.ErrorIs(t, o.Err, ErrInsufficientSpace)
	assert.Equal(t, "Base.1.13.0.ResourceExhaustion", Messages(o.Err)[0].MessageID)

	f.updater.images = NewFileImageStore(&FileImageStoreConfig{Dir: f.images})
	f.mustUpload(t)
}

func TestStagedTaskSurvivesLongActivation(t *testing.T) {
	f := newFixture(t)
	created := f.handedOff(t)

	f.activation(t, "Staged")

	s := f.snapshot(t, created.ID)
	assert.Equal(t, task.StateStopping, s.State)
	assert.Equal(t, []string{"TaskStarted", "TaskPaused"}, messageIDs(s))

	f.clock.Advance(4 * time.Hour)
	time.Sleep(10 * time.Millisecond)
	f.flush(t)
	assert.Equal(t, task.StateStopping, f.snapshot(t, created.ID).State)

	f.clock.Advance(2 * time.Hour)

	require.Eventually(t, func() bool {
		return f.snapshot(t, created.ID).State == task.StateException
	}, time.Second, time.Millisecond)

	s = f.snapshot(t, created.ID)
	assert.Equal(t, task.StatusWarning, s.Status)
	assert.Equal(t, []string{"TaskStarted", "TaskPaused", "TaskAborted"}, messageIDs(s))
}

func TestProgressExtendsWatchdog(t *testing.T) {
	f := newFixture(t)
	created := f.handedOff(t)

	for _, p := range []uint8{10, 40, 70, 90} {
		f.clock.Advance(4 * time.Minute)
		f.progress(t, p)
	}

	s := f.snapshot(t, created.ID)
	assert.Equal(t, task.StateRunning, s.State)
	assert.Equal(t, uint8(90), s.PercentComplete)
	assert.Equal(t, []string{"TaskStarted", "TaskProgressChanged", "TaskProgressChanged", "TaskProgressChanged", "TaskProgressChanged"}, messageIDs(s))
	assert.Equal(t, "The task with Id '0' has changed to progress 90 percent complete.", s.Messages[4].Message)

	f.clock.Advance(5 * time.Minute)

	require.Eventually(t, func() bool {
		return f.snapshot(t, created.ID).Terminal()
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint8(90), f.snapshot(t, created.ID).PercentComplete)
}

func TestActivationFailureAbortsTask(t *testing.T) {
	for _, state := range []string{"Failed", "Invalid"} {
		t.Run(state, func(t *testing.T) {
			f := newFixture(t)
			created := f.handedOff(t)

			f.activation(t, state)

			s := f.snapshot(t, created.ID)
			assert.Equal(t, task.StateException, s.State)
			assert.Equal(t, task.StatusWarning, s.Status)
			assert.Equal(t, []string{"TaskStarted", "TaskAborted"}, messageIDs(s))
			assert.Equal(t, 0, f.bus.Subscriptions())
		})
	}
}

func TestUnexpectedPropertyTypeFailsTask(t *testing.T) {
	f := newFixture(t)
	created := f.handedOff(t)

	f.progress(t, "half")

	s := f.snapshot(t, created.ID)
	assert.Equal(t, task.StateException, s.State)
	assert.Equal(t, task.StatusCritical, s.Status)
	assert.Equal(t, []string{"TaskStarted", "InternalError"}, messageIDs(s))
}

func TestUnrelatedPropertiesKeepWaiting(t *testing.T) {
	f := newFixture(t)
	created := f.handedOff(t)

	f.bus.Emit(bus.NewPropertiesChangedSignal(firmwarePath, bus.VersionInterface, map[string]dbus.Variant{
		"Version": dbus.MakeVariant("2.14.0"),
	}))
	f.bus.Emit(bus.NewPropertiesChangedSignal(firmwarePath, bus.ActivationInterface, map[string]dbus.Variant{
		"RequestedActivation": dbus.MakeVariant(requestActivationActive),
	}))
	f.flush(t)

	s := f.snapshot(t, created.ID)
	assert.Equal(t, task.StateRunning, s.State)
	assert.Equal(t, []string{"TaskStarted"}, messageIDs(s))
}

func TestSimpleUpdate(t *testing.T) {
	f := newFixture(t)
	f.bus.AddObject(firmwarePath, bus.ObjectOwners{bmcUpdater: {bus.ActivationInterface}})

	err := f.updater.SimpleUpdate(context.Background(), &TransferRequest{
		ImageURI: "tftp://10.0.0.1/obmc-phosphor-image.static.mtd.tar",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.bus.Calls()) == 1
	}, time.Second, time.Millisecond)

	call := f.bus.Calls()[0]
	assert.Equal(t, bus.DownloadService, call.Service)
	assert.Equal(t, bus.SoftwarePath, call.Path)
	assert.Equal(t, "xyz.openbmc_project.Common.TFTP.DownloadViaTFTP", call.Method)
	assert.Equal(t, []interface{}{"obmc-phosphor-image.static.mtd.tar", "10.0.0.1"}, call.Args)

	// the transfer window is much longer than the upload window
	f.clock.Advance(time.Minute)
	f.flush(t)
	_, err = f.upload(t)
	assert.ErrorIs(t, err, ErrBusy)

	// nobody waits for the outcome, the task is created anyway
	f.announce(firmwarePath, bus.ActivationInterface)

	require.Eventually(t, func() bool {
		tasks, err := f.ledger.Snapshots(context.Background())
		return err == nil && len(tasks) == 1
	}, time.Second, time.Millisecond)
}

func TestSimpleUpdateTransferFailureEndsSession(t *testing.T) {
	f := newFixture(t)
	f.bus.OnCall = func(call bus.MethodCall) error {
		return errors.New("org.freedesktop.DBus.Error.ServiceUnknown")
	}

	err := f.updater.SimpleUpdate(context.Background(), &TransferRequest{
		ImageURI:         "10.0.0.1/image.tar",
		TransferProtocol: TransferProtocolTFTP,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var open bool
		_ = f.loop.Call(context.Background(), func() {
			open = f.updater.session != nil
		})
		return !open
	}, time.Second, time.Millisecond)

	assert.Equal(t, 0, f.bus.Subscriptions())
}

func TestSimpleUpdateRejectsBadURIs(t *testing.T) {
	f := newFixture(t)

	err := f.updater.SimpleUpdate(context.Background(), &TransferRequest{ImageURI: "http://10.0.0.1/image.tar"})

	var validation *ValidationError
	require.True(t, errors.As(err, &validation))
	assert.Equal(t, "Base.1.13.0.ActionParameterNotSupported", validation.Message.MessageID)

	// nothing was opened
	f.mustUpload(t)
}

func TestParseImageURI(t *testing.T) {
	for _, tc := range []struct {
		uri, protocol  string
		server, file   string
		expectedReason string
	}{
		{uri: "tftp://1.1.1.1/myfile.bin", server: "1.1.1.1", file: "myfile.bin"},
		{uri: "TFTP://host.example/dir/image.tar", server: "host.example", file: "dir/image.tar"},
		{uri: "1.1.1.1/myfile.bin", protocol: "TFTP", server: "1.1.1.1", file: "myfile.bin"},
		{uri: "1.1.1.1/myfile.bin", expectedReason: "ActionParameterValueTypeError"},
		{uri: "scp://1.1.1.1/myfile.bin", expectedReason: "ActionParameterNotSupported"},
		{uri: "1.1.1.1/myfile.bin", protocol: "HTTP", expectedReason: "ActionParameterNotSupported"},
		{uri: "tftp://1.1.1.1", expectedReason: "ActionParameterValueTypeError"},
		{uri: "tftp://1.1.1.1/", expectedReason: "ActionParameterValueTypeError"},
	} {
		t.Run(tc.uri+"/"+tc.protocol, func(t *testing.T) {
			server, file, err := ParseImageURI(tc.uri, tc.protocol)

			if tc.expectedReason == "" {
				require.NoError(t, err)
				assert.Equal(t, tc.server, server)
				assert.Equal(t, tc.file, file)
				return
			}

			var validation *ValidationError
			require.True(t, errors.As(err, &validation))
			assert.True(t, strings.HasSuffix(validation.Message.MessageID, tc.expectedReason))
		})
	}
}

func TestApplyTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bus.SetPropertyValue(bus.SettingsService, bus.ApplyTimePath, bus.ApplyTimeInterface, "RequestedApplyTime",
		"xyz.openbmc_project.Software.ApplyTime.RequestedApplyTimes.OnReset")

	applyTime, err := f.updater.ApplyTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, ApplyTimeOnReset, applyTime)

	require.NoError(t, f.updater.SetApplyTime(ctx, ApplyTimeImmediate))

	applyTime, err = f.updater.ApplyTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, ApplyTimeImmediate, applyTime)

	err = f.updater.SetApplyTime(ctx, "Later")
	var validation *ValidationError
	require.True(t, errors.As(err, &validation))
	assert.Equal(t, []string{"Later", "ApplyTime"}, validation.Message.MessageArgs)
	assert.Len(t, f.bus.Writes(), 1)
}

func TestResponseAcceptsOneOutcome(t *testing.T) {
	resp := NewResponse()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp.resolve(Outcome{Err: ErrTimeout})
		}()
	}
	wg.Wait()

	assert.ErrorIs(t, wait(t, resp).Err, ErrTimeout)
	assertPending(t, resp)

	var detached *Response
	assert.False(t, detached.resolve(Outcome{}))
}
