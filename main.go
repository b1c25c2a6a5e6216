package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/lijl44/stdOpneBMCWeb/bus"
	"github.com/lijl44/stdOpneBMCWeb/daemon"
	"github.com/lijl44/stdOpneBMCWeb/taskdb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	// Blank import to set up profiling HTTP handlers.
	_ "net/http/pprof"
)

var (
	// commit stores the current commit hash of this build. This should be set using -ldflags during compilation.
	Commit string
	// version stores the version string of this build. This should be set using -ldflags during compilation.
	Version string
	// date stores the date of this build. This should be set using -ldflags during compilation.
	Date string
)

// bmcwebdMain is the true entry point for bmcwebd. This is required since defers
// created in the top-level scope of a main method aren't executed if os.Exit() is called.
func bmcwebdMain() error {
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)

	// Load CLI configuration and defaults
	cfg, err := loadConfig()
	if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		return nil
	} else if err != nil {
		return errors.Errorf("Failed parsing arguments: %v", err)
	}

	// Set logger into debug mode if called with --debug
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
		log.Info("Setting debug mode.")
	}

	log.Debug("Loaded config.")

	// Print version of the daemon
	log.Infof("Version %s (commit %s)", Version, Commit)
	log.Infof("Built on %s", Date)

	// Stop here if only version was requested
	if cfg.ShowVersion {
		return nil
	}

	if cfg.Profiling != nil {
		go func() {
			log.Infof("Starting profiling server on %v", cfg.Profiling.Listen)
			// Redirect the root path
			http.Handle("/", http.RedirectHandler("/debug/pprof", http.StatusSeeOther))
			// All other handlers are registered on DefaultServeMux through the import of pprof
			err := http.ListenAndServe(cfg.Profiling.Listen, nil)
			if err != nil {
				log.Errorf("Could not run profiler: %v", err)
			}
		}()
	}

	// tasks.db keeps the task history across restarts
	db, err := taskdb.Open(&taskdb.Config{
		DataDir: cfg.DataDir,
		Logger:  log.StandardLogger().WithField("system", "taskdb"),
	})
	if err != nil {
		return errors.Errorf("Could not open tasks.db: %v", err)
	}

	log.Infof("Opened tasks.db")

	defer func() {
		err := db.Close()
		if err != nil {
			log.Errorf("Could not close tasks.db: %v", err)
		} else {
			log.Info("Closed tasks.db.")
		}
	}()

	// The message bus the platform's software manager lives on
	b, err := bus.Connect(&bus.Config{
		Kind:   bus.Kind(cfg.Bus),
		Logger: log.StandardLogger().WithField("system", "bus"),
	})
	if err != nil {
		return errors.Errorf("Could not connect to %v bus: %v", cfg.Bus, err)
	}

	log.Infof("Connected to %v bus.", cfg.Bus)

	defer func() {
		err := b.Close()
		if err != nil {
			log.Errorf("Could not properly close bus connection: %v", err)
		} else {
			log.Info("Closed bus connection.")
		}
	}()

	// central controller for everything the service does
	d, err := daemon.New(&daemon.Config{
		Bus:            b,
		Store:          db,
		Listen:         cfg.Listen,
		MaxConnections: cfg.MaxConnections,
		Updater:        cfg.Updater,
		ImageDir:       cfg.ImageDir,
		MaxImageSize:   cfg.MaxImageSize,
		SimpleUpdate:   cfg.TFTP,
		MaxTasks:       cfg.MaxTasks,
		Timeouts: daemon.Timeouts{
			Upload:   cfg.Timeouts.Upload,
			Transfer: cfg.Timeouts.Transfer,
			Task:     cfg.Timeouts.Task,
			Staged:   cfg.Timeouts.Staged,
			Progress: cfg.Timeouts.Progress,
		},
		Logger: log.StandardLogger(),
	})
	if err != nil {
		return errors.Errorf("Could not create daemon: %v", err)
	}

	log.Infof("Created daemon.")

	// Handle interrupt signals correctly
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		sig := <-signals
		log.Info(sig)
		log.Info("Received an interrupt, stopping daemon...")
		d.Shutdown()
	}()

	// blocks until the daemon is shut down
	err = d.Run()
	if err != nil {
		return errors.Errorf("Failed running daemon: %v", err)
	}

	// finish with no error
	return nil
}

func main() {
	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	if err := bmcwebdMain(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		} else {
			log.WithError(err).Println("Failed running bmcwebd.")
		}
		os.Exit(1)
	}
}
