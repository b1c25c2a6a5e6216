package updater

import (
	"fmt"

	"github.com/go-errors/errors"
	"github.com/lijl44/stdOpneBMCWeb/messages"
)

// RetryAfter is the number of seconds a busy client is asked to wait.
const RetryAfter = "30"

var (
	ErrBusy              = errors.New("another update is in progress")
	ErrTimeout           = errors.New("timed out waiting for the firmware object")
	ErrInsufficientSpace = errors.New("insufficient space to stage the image")
	ErrNoUpdater         = errors.New("no updater available")
)

// Error identifiers the platform logs when it rejects an image.
const (
	untarFailure    = "xyz.openbmc_project.Software.Image.Error.UnTarFailure"
	manifestFailure = "xyz.openbmc_project.Software.Image.Error.ManifestFileFailure"
	imageFailure    = "xyz.openbmc_project.Software.Image.Error.ImageFailure"
	alreadyExists   = "xyz.openbmc_project.Software.Version.Error.AlreadyExists"
	busyFailure     = "xyz.openbmc_project.Software.Image.Error.BusyFailure"
)

// PlatformError is a rejection reported by the platform through its error
// log.
type PlatformError struct {
	Identifier string
	Messages   []messages.Message
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform rejected the image: %v", e.Identifier)
}

func newPlatformError(identifier string, uri string) *PlatformError {
	var msgs []messages.Message

	switch identifier {
	case untarFailure:
		msgs = append(msgs, messages.InvalidUpload(uri, "Invalid archive"))
	case manifestFailure:
		msgs = append(msgs, messages.InvalidUpload(uri, "Invalid manifest"))
	case imageFailure:
		msgs = append(msgs, messages.InvalidUpload(uri, "Invalid image format"))
	case alreadyExists:
		msgs = append(msgs,
			messages.InvalidUpload(uri, "Image version already exists"),
			messages.ResourceAlreadyExists("UpdateService", "Version", "uploaded version"),
		)
	case busyFailure:
		msgs = append(msgs, messages.ResourceExhaustion(uri))
	default:
		msgs = append(msgs, messages.InternalError())
	}

	return &PlatformError{
		Identifier: identifier,
		Messages:   msgs,
	}
}

// UpstreamError is a failed bus interaction or a bus reply of unexpected
// shape.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("could not %v: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ValidationError rejects a request before any session is opened.
type ValidationError struct {
	Message messages.Message
}

func (e *ValidationError) Error() string {
	return e.Message.Message
}

// Messages returns the Redfish messages reporting err to a client.
func Messages(err error) []messages.Message {
	var platform *PlatformError
	var validation *ValidationError

	switch {
	case errors.Is(err, ErrBusy):
		return []messages.Message{messages.ServiceTemporarilyUnavailable(RetryAfter)}
	case errors.Is(err, ErrInsufficientSpace):
		return []messages.Message{messages.ResourceExhaustion(UpdateServiceURI)}
	case errors.As(err, &platform):
		return platform.Messages
	case errors.As(err, &validation):
		return []messages.Message{validation.Message}
	default:
		return []messages.Message{messages.InternalError()}
	}
}
