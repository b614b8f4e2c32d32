// Package metrics holds the host's Prometheus collectors. They register with
// the default registry and are served by the admin /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeStale   = "stale"
)

var (
	CallbackOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scripthost_callbacks_total",
		Help: "Script callbacks by name and outcome",
	}, []string{"callback", "outcome"})

	CallbackDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scripthost_callback_duration_ms",
		Help:    "Time the dispatcher waited for a script callback",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 14),
	}, []string{"callback"})

	SlotTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scripthost_slot_transitions_total",
		Help: "Client slot state transitions",
	}, []string{"from", "to"})

	AbandonedWorkers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scripthost_abandoned_workers_total",
		Help: "Slot workers abandoned after a shutdown timeout",
	})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scripthost_events_dropped_total",
		Help: "Events discarded before reaching a script",
	}, []string{"reason"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scripthost_queue_depth",
		Help: "Events waiting in the dispatcher queues",
	}, []string{"queue"})

	ReloadCarried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scripthost_reload_pending_carried_total",
		Help: "Pending callbacks re-armed after a reload",
	})

	ReloadDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scripthost_reload_pending_dropped_total",
		Help: "Pending callbacks lost across a reload",
	}, []string{"reason"})

	ReportsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scripthost_reports_suppressed_total",
		Help: "Script error reports dropped by the rate limiter",
	})
)
