package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-errors/errors"
	"github.com/gorilla/mux"
	"github.com/lijl44/stdOpneBMCWeb/inventory"
	"github.com/lijl44/stdOpneBMCWeb/task"
	"github.com/lijl44/stdOpneBMCWeb/updater"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultMaxImageSize is the largest firmware image accepted by default.
const DefaultMaxImageSize = 30 * 1024 * 1024

const (
	updateServiceURI     = updater.UpdateServiceURI
	updateURI            = updateServiceURI + "/update"
	simpleUpdateURI      = updater.SimpleUpdateURI
	firmwareInventoryURI = updateServiceURI + "/FirmwareInventory"
	taskServiceURI       = "/redfish/v1/TaskService"
	tasksURI             = taskServiceURI + "/Tasks"
)

// Firmware lists the images installed on the platform.
type Firmware interface {
	IDs(ctx context.Context) ([]string, error)
	Get(ctx context.Context, id string) (*inventory.Item, error)
}

type Config struct {
	Updater   updater.Updater
	Ledger    *task.Ledger
	Inventory Firmware

	MaxImageSize int64
	// SimpleUpdate enables pulling images over TFTP.
	SimpleUpdate bool

	Log Logger
}

type Api struct {
	updater      updater.Updater
	ledger       *task.Ledger
	inventory    Firmware
	maxImageSize int64
	simpleUpdate bool

	router *mux.Router
	log    Logger

	mu      sync.Mutex
	servers []*http.Server

	// closed on Shutdown, ends event streams
	done     chan struct{}
	doneOnce sync.Once
}

func New(config *Config) *Api {
	api := &Api{
		updater:      config.Updater,
		ledger:       config.Ledger,
		inventory:    config.Inventory,
		maxImageSize: config.MaxImageSize,
		simpleUpdate: config.SimpleUpdate,
		router:       mux.NewRouter(),
		done:         make(chan struct{}),
	}

	if config.Log != nil {
		api.log = config.Log
	} else {
		api.log = noopLogger{}
	}

	if api.maxImageSize <= 0 {
		api.maxImageSize = DefaultMaxImageSize
	}

	api.router.StrictSlash(true)

	api.handle(updateServiceURI, "update_service", api.handleGetUpdateService()).Methods(http.MethodGet)
	api.handle(updateServiceURI, "update_service", api.handlePatchUpdateService()).Methods(http.MethodPatch)
	api.handle(updateURI, "update", api.handlePostUpdate()).Methods(http.MethodPost)

	if api.simpleUpdate {
		api.handle(simpleUpdateURI, "simple_update", api.handlePostSimpleUpdate()).Methods(http.MethodPost)
	}

	api.handle(firmwareInventoryURI, "firmware_inventory", api.handleGetFirmwareInventory()).Methods(http.MethodGet)
	api.handle(firmwareInventoryURI+"/{id}", "firmware_inventory_item", api.handleGetSoftwareInventory()).Methods(http.MethodGet)

	api.handle(taskServiceURI, "task_service", api.handleGetTaskService()).Methods(http.MethodGet)
	api.handle(tasksURI, "tasks", api.handleGetTasks()).Methods(http.MethodGet)
	api.handle(tasksURI+"/{id:[0-9]+}", "task", api.handleGetTask()).Methods(http.MethodGet)
	api.handle(tasksURI+"/{id:[0-9]+}", "task", api.handleDeleteTask()).Methods(http.MethodDelete)
	api.handle(tasksURI+"/{id:[0-9]+}/Monitor", "task_monitor", api.handleGetTaskMonitor()).Methods(http.MethodGet)
	api.handle(tasksURI+"/{id:[0-9]+}/Events", "task_events", api.handleGetTaskEvents()).Methods(http.MethodGet)

	api.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return api
}

// handle registers h and counts its responses by status code.
func (a *Api) handle(path string, name string, h http.Handler) *mux.Route {
	counter := requests.MustCurryWith(prometheus.Labels{"handler": name})
	return a.router.Handle(path, promhttp.InstrumentHandlerCounter(counter, h))
}

func (a *Api) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// Serve accepts connections on l until Shutdown is called.
func (a *Api) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.mu.Lock()
	select {
	case <-a.done:
		a.mu.Unlock()
		return nil
	default:
	}
	a.servers = append(a.servers, srv)
	a.mu.Unlock()

	err := srv.Serve(l)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Errorf("Unable to serve api: %v", err)
	}

	return nil
}

// Shutdown ends event streams and gracefully stops all servers.
func (a *Api) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.doneOnce.Do(func() {
		close(a.done)
	})
	servers := a.servers
	a.servers = nil
	a.mu.Unlock()

	var firstErr error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = errors.Errorf("could not shut down api: %v", err)
		}
	}

	return firstErr
}
