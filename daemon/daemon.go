// Package daemon wires the update service together and runs it until it is
// shut down.
package daemon

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/go-errors/errors"
	"github.com/juju/clock"
	"github.com/lijl44/stdOpneBMCWeb/api"
	"github.com/lijl44/stdOpneBMCWeb/bus"
	"github.com/lijl44/stdOpneBMCWeb/eventloop"
	"github.com/lijl44/stdOpneBMCWeb/inventory"
	"github.com/lijl44/stdOpneBMCWeb/task"
	"github.com/lijl44/stdOpneBMCWeb/updater"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

const (
	UpdaterBus  = "dbus"
	UpdaterNone = "none"
)

// time granted to open requests when shutting down
const shutdownTimeout = 5 * time.Second

type Timeouts struct {
	Upload   time.Duration
	Transfer time.Duration
	Task     time.Duration
	Staged   time.Duration
	Progress time.Duration
}

type Config struct {
	Bus   bus.Bus
	Store task.Store
	Clock clock.Clock

	Listen         []string
	MaxConnections int

	Updater      string
	ImageDir     string
	MaxImageSize int64
	SimpleUpdate bool
	MaxTasks     int
	Timeouts     Timeouts

	Logger logrus.FieldLogger
}

type Daemon struct {
	loop      *eventloop.Loop
	ledger    *task.Ledger
	updater   updater.Updater
	closer    func() error
	api       *api.Api
	log       logrus.FieldLogger
	listen    []string
	maxConns  int
	listeners []net.Listener

	ready    chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func New(config *Config) (*Daemon, error) {
	if config.Bus == nil {
		return nil, errors.New("no bus given")
	}

	d := &Daemon{
		listen:   config.Listen,
		maxConns: config.MaxConnections,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}

	if config.Logger != nil {
		d.log = config.Logger
	} else {
		logger := logrus.New()
		logger.SetLevel(logrus.PanicLevel)
		d.log = logger
	}

	d.loop = eventloop.New(&eventloop.Config{
		Clock: config.Clock,
	})

	d.ledger = task.NewLedger(&task.Config{
		Loop:     d.loop,
		Bus:      config.Bus,
		Store:    config.Store,
		MaxTasks: config.MaxTasks,
		Logger:   d.log.WithField("system", "task"),
	})

	switch config.Updater {
	case UpdaterNone:
		d.updater = updater.NewNoopUpdater()

		d.log.Info("Created noop updater.")
	case UpdaterBus, "":
		u := updater.NewBusUpdater(&updater.Config{
			Loop:   d.loop,
			Bus:    config.Bus,
			Ledger: d.ledger,
			Images: updater.NewFileImageStore(&updater.FileImageStoreConfig{
				Dir:    config.ImageDir,
				Logger: d.log.WithField("system", "images"),
			}),
			TaskTimeout:     config.Timeouts.Task,
			StagedTimeout:   config.Timeouts.Staged,
			ProgressTimeout: config.Timeouts.Progress,
			TransferTimeout: config.Timeouts.Transfer,
			UploadTimeout:   config.Timeouts.Upload,
			Logger:          d.log.WithField("system", "updater"),
		})
		d.updater = u
		d.closer = u.Close

		d.log.Info("Created bus updater.")
	default:
		return nil, errors.Errorf("Unknown updater type %v", config.Updater)
	}

	d.api = api.New(&api.Config{
		Updater: d.updater,
		Ledger:  d.ledger,
		Inventory: inventory.New(&inventory.Config{
			Bus:    config.Bus,
			Logger: d.log.WithField("system", "inventory"),
		}),
		MaxImageSize: config.MaxImageSize,
		SimpleUpdate: config.SimpleUpdate,
		Log:          d.log.WithField("system", "api"),
	})

	return d, nil
}

// Ready is closed once the daemon accepts requests.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Addrs returns the addresses the daemon listens on. Only valid after Ready.
func (d *Daemon) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(d.listeners))
	for _, l := range d.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Run serves requests until Shutdown is called or a listener fails.
func (d *Daemon) Run() error {
	d.log.Infof("Starting daemon...")

	d.loop.Start()

	defer func() {
		if err := d.loop.Stop(); err != nil {
			d.log.Errorf("Could not stop event loop: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := d.ledger.Restore(ctx)
	cancel()
	if err != nil {
		d.log.Errorf("Could not restore tasks: %v", err)
	}

	for _, addr := range d.listen {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			d.closeListeners()
			return errors.Errorf("Redfish server unable to listen on %v: %v", addr, err)
		}

		if d.maxConns > 0 {
			lis = netutil.LimitListener(lis, d.maxConns)
		}

		d.log.Infof("Listening on %v", lis.Addr())

		d.listeners = append(d.listeners, lis)
	}

	errs := make(chan error, len(d.listeners))

	var wg sync.WaitGroup
	for _, lis := range d.listeners {
		wg.Add(1)
		go func(lis net.Listener) {
			defer wg.Done()

			if err := d.api.Serve(lis); err != nil {
				errs <- err
			}
		}(lis)
	}

	close(d.ready)

	var runErr error

	select {
	case <-d.done:
	case runErr = <-errs:
		d.log.Errorf("Could not serve api: %v", runErr)
	}

	d.log.Infof("Stopping daemon...")

	ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
	if err := d.api.Shutdown(ctx); err != nil {
		d.log.Warnf("Could not shut down api: %v", err)
	}
	cancel()

	// servers that never started still own their listener
	d.closeListeners()
	wg.Wait()

	if d.closer != nil {
		if err := d.closer(); err != nil {
			d.log.Errorf("Could not close updater: %v", err)
		}
	}

	return runErr
}

func (d *Daemon) closeListeners() {
	for _, lis := range d.listeners {
		// already closed by a server that was shut down
		_ = lis.Close()
	}
}

// Shutdown makes Run return. It is safe to call more than once.
func (d *Daemon) Shutdown() {
	d.doneOnce.Do(func() {
		close(d.done)
	})
}
