package task

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bmcwebd",
		Subsystem: "tasks",
		Name:      "created_total",
		Help:      "Number of tasks created.",
	})

	tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bmcwebd",
		Subsystem: "tasks",
		Name:      "finished_total",
		Help:      "Number of tasks that reached an outcome, by final state.",
	}, []string{"state"})

	activeTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bmcwebd",
		Subsystem: "tasks",
		Name:      "active",
		Help:      "Number of tasks that have not reached an outcome yet.",
	})
)
