package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/lijl44/stdOpneBMCWeb/api"
	"github.com/lijl44/stdOpneBMCWeb/daemon"
	"github.com/lijl44/stdOpneBMCWeb/task"
	"github.com/lijl44/stdOpneBMCWeb/updater"
	"github.com/pkg/errors"
)

const (
	defaultConfigFilename = "bmcwebd.conf"
	defaultDataDir        = "/var/lib/bmcwebd"
	defaultListen         = ":8080"
	defaultMaxConnections = 64
)

type timeoutConfig struct {
	Upload   time.Duration `long:"upload" description:"How long to wait for the platform to pick up an uploaded image"`
	Transfer time.Duration `long:"transfer" description:"How long to wait for the platform to pick up an image fetched over TFTP"`
	Task     time.Duration `long:"task" description:"How long an update task may run without progress"`
	Staged   time.Duration `long:"staged" description:"How long a staged update task may wait for activation"`
	Progress time.Duration `long:"progress" description:"How long an update task may run after reporting progress"`
}

type profilingConfig struct {
	Listen string `long:"listen" description:"Add an interface/port to expose profiling"`
}

type config struct {
	ShowVersion    bool             `short:"v" long:"version" description:"Display version information and exit"`
	ConfigFile     string           `long:"configfile" description:"Path to an INI configuration file"`
	Debug          bool             `long:"debug" description:"Start the daemon in debug mode"`
	DataDir        string           `long:"datadir" description:"The directory to store the task history in"`
	Listen         []string         `long:"listen" description:"Add an interface/port to serve Redfish on"`
	MaxConnections int              `long:"maxconnections" description:"Maximum number of concurrent Redfish connections per listener"`
	Bus            string           `long:"bus" description:"The message bus to connect to" choice:"system" choice:"session"`
	Updater        string           `long:"updater" description:"The updater to use" choice:"dbus" choice:"none"`
	ImageDir       string           `long:"imagedir" description:"Where uploaded images are staged for the platform"`
	MaxImageSize   int64            `long:"maximagesize" description:"Largest accepted image in bytes"`
	TFTP           bool             `long:"tftp" description:"Enable SimpleUpdate over TFTP"`
	MaxTasks       int              `long:"maxtasks" description:"Number of tasks to remember"`
	Timeouts       *timeoutConfig   `group:"Timeouts" namespace:"timeout"`
	Profiling      *profilingConfig `group:"Profiling" namespace:"profiling"`
}

func defaultConfig() config {
	return config{
		DataDir:        defaultDataDir,
		MaxConnections: defaultMaxConnections,
		Bus:            "system",
		Updater:        daemon.UpdaterBus,
		ImageDir:       updater.DefaultImageDir,
		MaxImageSize:   api.DefaultMaxImageSize,
		MaxTasks:       task.DefaultMaxTasks,
		Timeouts: &timeoutConfig{
			Upload:   updater.DefaultUploadTimeout,
			Transfer: updater.DefaultTransferTimeout,
			Task:     updater.DefaultTaskTimeout,
			Staged:   updater.DefaultStagedTimeout,
			Progress: updater.DefaultProgressTimeout,
		},
	}
}

// loadConfig reads the command line, then the config file it names, then
// the command line again so that flags win over the file.
func loadConfig() (*config, error) {
	preCfg := defaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	cfg := defaultConfig()

	configFile := preCfg.ConfigFile
	if configFile == "" {
		configFile = filepath.Join(preCfg.DataDir, defaultConfigFilename)
	}

	parser := flags.NewParser(&cfg, flags.Default)

	err := flags.NewIniParser(parser).ParseFile(configFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok || preCfg.ConfigFile != "" {
			return nil, errors.Errorf("could not read config file %v: %v", configFile, err)
		}
	}

	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if len(cfg.Listen) == 0 {
		cfg.Listen = []string{defaultListen}
	}

	if cfg.Profiling != nil && cfg.Profiling.Listen == "" {
		cfg.Profiling = nil
	}

	if cfg.MaxImageSize <= 0 {
		return nil, errors.Errorf("maximagesize must be positive, got %v", cfg.MaxImageSize)
	}

	return &cfg, nil
}
