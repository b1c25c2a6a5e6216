package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bmcwebd",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "Number of answered Redfish requests.",
}, []string{"handler", "code", "method"})
