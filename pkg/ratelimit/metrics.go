package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokensGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drove",
		Subsystem: "ratelimit",
		Name:      "tokens_granted_total",
		Help:      "Rate-limit tokens granted to workers.",
	}, []string{"job"})
	swapConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drove",
		Subsystem: "ratelimit",
		Name:      "swap_conflicts_total",
		Help:      "Conflicting concurrent bucket writes that forced a retry.",
	}, []string{"job"})
)
