package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DependencyCallsTotal tracks orchestrated calls per dependency and outcome
	DependencyCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_dependency_calls_total",
			Help: "Total number of orchestrated dependency calls",
		},
		[]string{"dependency", "operation", "outcome"},
	)

	// DependencyErrorsTotal tracks classified dependency errors
	DependencyErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_dependency_errors_total",
			Help: "Total number of classified dependency errors",
		},
		[]string{"dependency", "operation", "kind"},
	)

	// DependencyLatency tracks end-to-end invocation latency, retries included
	DependencyLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intake_dependency_latency_seconds",
			Help:    "Dependency invocation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dependency", "operation"},
	)

	// RetryAttemptsTotal tracks failed attempts seen by the retry executor
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_retry_attempts_total",
			Help: "Total number of failed attempts seen by the retry executor",
		},
		[]string{"dependency", "kind", "final"},
	)

	// CircuitState tracks breaker state (0 closed, 1 half_open, 2 open)
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "intake_circuit_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 half_open, 2 open)",
		},
		[]string{"dependency"},
	)

	// FallbacksTotal tracks degraded responses served by a fallback
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_fallbacks_total",
			Help: "Total number of calls served by a registered fallback",
		},
		[]string{"dependency", "operation"},
	)

	// ConversationTurnsTotal tracks processed turns per step reached
	ConversationTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_conversation_turns_total",
			Help: "Total number of processed conversation turns",
		},
		[]string{"step"},
	)

	// ActiveSessions tracks live conversation sessions
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intake_active_sessions",
			Help: "Number of live conversation sessions",
		},
	)

	// BookingsTotal tracks booking lifecycle events
	BookingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_bookings_total",
			Help: "Total number of booking lifecycle events",
		},
		[]string{"source", "status"},
	)

	// DeferredQueueDepth tracks pending deferred side effects
	DeferredQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intake_deferred_queue_depth",
			Help: "Number of side effects waiting for replay",
		},
	)
)
