// Package metrics exposes prometheus counters for the dispatch core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksDispatched counts queue entries created, by executor type.
	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "momentum",
		Subsystem: "dispatch",
		Name:      "tasks_dispatched_total",
		Help:      "Queue entries created by the dispatcher.",
	}, []string{"executor_type"})

	// TasksSkipped counts dispatch candidates skipped, by reason.
	TasksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "momentum",
		Subsystem: "dispatch",
		Name:      "tasks_skipped_total",
		Help:      "Dispatch candidates skipped.",
	}, []string{"reason"})

	// BreakerTrips counts circuit breaker trips.
	BreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "momentum",
		Subsystem: "dispatch",
		Name:      "circuit_breaker_trips_total",
		Help:      "Tasks cancelled by the circuit breaker.",
	})

	// ExecutionsStarted counts executor invocations, by path.
	ExecutionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "momentum",
		Subsystem: "executor",
		Name:      "executions_started_total",
		Help:      "Executor service invocations.",
	}, []string{"path"})

	// ClaimsReverted counts claims returned to queued after timeout.
	ClaimsReverted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "momentum",
		Subsystem: "executor",
		Name:      "claims_reverted_total",
		Help:      "Stale claims reverted to queued.",
	})

	// CallbacksProcessed counts reconciled callbacks, by outcome.
	CallbacksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "momentum",
		Subsystem: "reconciler",
		Name:      "callbacks_processed_total",
		Help:      "Executor callbacks reconciled.",
	}, []string{"outcome"})

	// SemanticDowngrades counts success reports downgraded to failure.
	SemanticDowngrades = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "momentum",
		Subsystem: "reconciler",
		Name:      "semantic_downgrades_total",
		Help:      "Success callbacks downgraded by validation.",
	}, []string{"reason"})

	// TasksPromoted counts dependency promotions.
	TasksPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "momentum",
		Subsystem: "dispatch",
		Name:      "tasks_promoted_total",
		Help:      "Blocked tasks promoted to next.",
	})
)
