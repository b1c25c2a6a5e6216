package updater

import (
	"time"

	"github.com/lijl44/stdOpneBMCWeb/bus"
	"github.com/lijl44/stdOpneBMCWeb/eventloop"
	"github.com/lijl44/stdOpneBMCWeb/task"
)

// session covers one update from "request accepted" until the platform
// announced the firmware object, rejected the image or timed out. At most one
// session is open; it is only touched on the loop.
type session struct {
	id        uint64
	started   time.Time
	timeout   time.Duration
	targetURI string
	payload   *task.Payload
	response  *Response

	interfacesAdded *bus.Subscription
	errorLog        *bus.Subscription
	timer           *eventloop.Timer

	// resolving is set while the owner of the announced object is looked up
	resolving bool
}

// handoff carries everything the task phase needs from a finished session.
type handoff struct {
	objectPath string
	service    string
	payload    *task.Payload
	response   *Response
}
