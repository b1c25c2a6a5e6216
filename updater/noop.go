package updater

import (
	"context"
)

// NoopUpdater rejects every update, for platforms without a software
// manager.
type NoopUpdater struct {
}

// Compile time check for protocol compatibility
var _ Updater = (*NoopUpdater)(nil)

func NewNoopUpdater() *NoopUpdater {
	return &NoopUpdater{}
}

func (n *NoopUpdater) BeginUpdate(ctx context.Context, req *Request) error {
	req.Response.resolve(Outcome{Err: ErrNoUpdater})
	return ErrNoUpdater
}

func (n *NoopUpdater) SimpleUpdate(ctx context.Context, req *TransferRequest) error {
	return ErrNoUpdater
}

func (n *NoopUpdater) ApplyTime(ctx context.Context) (string, error) {
	return "", ErrNoUpdater
}

func (n *NoopUpdater) SetApplyTime(ctx context.Context, applyTime string) error {
	return ErrNoUpdater
}
