package updater

import (
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/lijl44/stdOpneBMCWeb/bus"
	"github.com/lijl44/stdOpneBMCWeb/messages"
	"github.com/lijl44/stdOpneBMCWeb/task"
)

// matchActivation advances an update task from the property changes of the
// firmware object. Updates often end in a reboot, so the task may never see
// an outcome other than its watchdog.
func (u *BusUpdater) matchActivation(t *task.Task, signal *dbus.Signal) bool {
	changed, err := bus.DecodePropertiesChanged(signal)
	if err != nil {
		u.log.Errorf("Could not read property change of task %v: %v", t.ID(), err)
		return u.taskInternalError(t)
	}

	switch changed.Interface {
	case bus.ActivationInterface:
		value, ok := changed.Changed["Activation"]
		if !ok {
			return false
		}

		state, ok := value.Value().(string)
		if !ok {
			u.log.Errorf("Unexpected activation type %v for task %v", value.Signature(), t.ID())
			return u.taskInternalError(t)
		}

		u.log.Debugf("Task %v activation is %v", t.ID(), state)

		switch {
		case strings.HasSuffix(state, "Invalid"), strings.HasSuffix(state, "Failed"):
			if err := t.Fail(task.StatusWarning); err != nil {
				u.log.Errorf("Could not abort task: %v", err)
			}
			t.AddMessage(messages.TaskAborted(t.Index()))
			return true

		case strings.HasSuffix(state, "Staged"):
			if err := t.Pause(); err != nil {
				u.log.Errorf("Could not pause task: %v", err)
			}
			t.AddMessage(messages.TaskPaused(t.Index()))

			// applying a staged image may need a platform reset cycle
			t.ExtendWatchdog(u.stagedTimeout)
			return false

		case strings.HasSuffix(state, "Active"):
			t.AddMessage(messages.TaskCompletedOK(t.Index()))
			if err := t.Complete(); err != nil {
				u.log.Errorf("Could not complete task: %v", err)
			}
			return true
		}

	case bus.ActivationProgressInterface:
		value, ok := changed.Changed["Progress"]
		if !ok {
			return false
		}

		progress, ok := value.Value().(uint8)
		if !ok {
			u.log.Errorf("Unexpected progress type %v for task %v", value.Signature(), t.ID())
			return u.taskInternalError(t)
		}

		t.SetPercentComplete(progress)
		t.AddMessage(messages.TaskProgressChanged(t.Index(), progress))

		// still alive
		t.ExtendWatchdog(u.progressTimeout)
	}

	return false
}

func (u *BusUpdater) taskInternalError(t *task.Task) bool {
	t.AddMessage(messages.InternalError())
	if err := t.Fail(task.StatusCritical); err != nil {
		u.log.Errorf("Could not fail task: %v", err)
	}
	return true
}
