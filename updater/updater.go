// Package updater coordinates firmware updates with the platform's software
// manager: it stages images, waits for the platform to announce the new
// firmware object, requests activation and hands the rest over to a task.
package updater

import (
	"context"
	"io"
	"time"

	"github.com/lijl44/stdOpneBMCWeb/task"
)

const (
	DefaultUploadTimeout   = 25 * time.Second
	DefaultTransferTimeout = 600 * time.Second
	DefaultTaskTimeout     = 5 * time.Minute
	DefaultStagedTimeout   = 5 * time.Hour
	DefaultProgressTimeout = 5 * time.Minute
)

// URIs reported in rejection messages.
const (
	UpdateServiceURI = "/redfish/v1/UpdateService"
	SimpleUpdateURI  = "/redfish/v1/UpdateService/Actions/UpdateService.SimpleUpdate"
)

// Request describes one update attempt.
type Request struct {
	// Image is staged for the platform. It is nil when the platform fetches
	// the image itself.
	Image     io.Reader
	ImageSize int64
	// TargetURI names the resource in user facing rejection messages.
	TargetURI string
	Payload   *task.Payload
	// ApplyTime is written to the platform once the session is open. Empty
	// leaves the current setting alone.
	ApplyTime string
	// Timeout bounds the wait for the platform to announce the firmware
	// object, counted from the moment the image is staged. Zero means the
	// updater's upload timeout.
	Timeout time.Duration
	// Response receives the outcome. It may be nil.
	Response *Response
}

// TransferRequest asks the platform to fetch an image from a remote server.
type TransferRequest struct {
	ImageURI         string
	TransferProtocol string
	Payload          *task.Payload
}

type Updater interface {
	// BeginUpdate opens an update session. It fails with ErrBusy while
	// another session is open.
	BeginUpdate(ctx context.Context, req *Request) error
	// SimpleUpdate opens a session in the background and starts the remote
	// transfer.
	SimpleUpdate(ctx context.Context, req *TransferRequest) error
	ApplyTime(ctx context.Context) (string, error)
	SetApplyTime(ctx context.Context, applyTime string) error
}
