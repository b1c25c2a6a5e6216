package updater

import (
	"context"

	"github.com/go-errors/errors"
	"github.com/lijl44/stdOpneBMCWeb/bus"
	"github.com/lijl44/stdOpneBMCWeb/messages"
)

const (
	ApplyTimeImmediate = "Immediate"
	ApplyTimeOnReset   = "OnReset"
)

const requestedApplyTimes = bus.ApplyTimeInterface + ".RequestedApplyTimes."

// ApplyTimeValue translates a Redfish apply time into its bus value.
func ApplyTimeValue(applyTime string) (string, error) {
	switch applyTime {
	case ApplyTimeImmediate, ApplyTimeOnReset:
		return requestedApplyTimes + applyTime, nil
	default:
		return "", &ValidationError{Message: messages.PropertyValueNotInList(applyTime, "ApplyTime")}
	}
}

// ApplyTime returns the configured apply time, or an empty string when the
// platform reports a value without a Redfish equivalent.
func (u *BusUpdater) ApplyTime(ctx context.Context) (string, error) {
	v, err := u.bus.GetProperty(ctx, bus.SettingsService, bus.ApplyTimePath, bus.ApplyTimeInterface, "RequestedApplyTime")
	if err != nil {
		return "", &UpstreamError{Op: "read apply time", Err: err}
	}

	value, ok := v.Value().(string)
	if !ok {
		return "", &UpstreamError{Op: "read apply time", Err: errors.Errorf("unexpected type %v", v.Signature())}
	}

	switch value {
	case requestedApplyTimes + ApplyTimeImmediate:
		return ApplyTimeImmediate, nil
	case requestedApplyTimes + ApplyTimeOnReset:
		return ApplyTimeOnReset, nil
	default:
		u.log.Debugf("Unknown apply time %v", value)
		return "", nil
	}
}

func (u *BusUpdater) SetApplyTime(ctx context.Context, applyTime string) error {
	value, err := ApplyTimeValue(applyTime)
	if err != nil {
		u.log.Infof("ApplyTime value %v is not in the list of acceptable values", applyTime)
		return err
	}

	err = u.bus.SetProperty(ctx, bus.SettingsService, bus.ApplyTimePath, bus.ApplyTimeInterface, "RequestedApplyTime", value)
	if err != nil {
		return &UpstreamError{Op: "set apply time", Err: err}
	}

	u.log.Infof("Set apply time to %v", applyTime)

	return nil
}
