package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	itemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drove",
		Subsystem: "worker",
		Name:      "items_processed_total",
		Help:      "Input items processed by the handler.",
	}, []string{"job"})
	tasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drove",
		Subsystem: "worker",
		Name:      "tasks_completed_total",
		Help:      "Tasks that reached SUCCESS.",
	}, []string{"job"})
	tasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drove",
		Subsystem: "worker",
		Name:      "tasks_failed_total",
		Help:      "Tasks that failed, by error class.",
	}, []string{"job", "class"})
)
