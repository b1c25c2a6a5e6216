package updater

import (
	"github.com/go-errors/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeAccepted = "accepted"
	outcomeBusy     = "busy"
	outcomeRejected = "rejected"
	outcomeTimeout  = "timeout"
	outcomeError    = "error"
)

var (
	sessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bmcwebd",
		Subsystem: "update",
		Name:      "sessions_total",
		Help:      "Number of update requests, by how their session ended.",
	}, []string{"outcome"})

	activeSession = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bmcwebd",
		Subsystem: "update",
		Name:      "session_active",
		Help:      "1 while an update session waits for the platform.",
	})
)

func outcomeLabel(err error) string {
	var platform *PlatformError

	switch {
	case err == nil:
		return outcomeAccepted
	case errors.Is(err, ErrBusy):
		return outcomeBusy
	case errors.Is(err, ErrTimeout):
		return outcomeTimeout
	case errors.As(err, &platform):
		return outcomeRejected
	default:
		return outcomeError
	}
}
