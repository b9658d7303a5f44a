// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "attendflow"

var (
	// ConditionMatches counts rule conditions that matched a student.
	// Labels: condition (upper-cased type tag)
	ConditionMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "condition_matches_total",
		Help:      "Rule conditions that matched a student",
	}, []string{"condition"})

	// ConditionSkips counts conditions skipped as unknown or malformed.
	// Labels: reason (unknown_type, malformed, runtime_error)
	ConditionSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "condition_skips_total",
		Help:      "Rule conditions skipped during evaluation",
	}, []string{"reason"})

	// InstanceTransitions counts stage ladder transitions.
	// Labels: to (target status)
	InstanceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ladder",
		Name:      "transitions_total",
		Help:      "Intervention instance transitions by target status",
	}, []string{"to"})

	// LockAcquisitions counts lock attempts.
	// Labels: lock, result (acquired, contended, error)
	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lock",
		Name:      "acquisitions_total",
		Help:      "Distributed lock acquisition attempts",
	}, []string{"lock", "result"})

	// RunnerTicks counts runner ticks.
	// Labels: result (completed, contended, error)
	RunnerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "ticks_total",
		Help:      "Playbook runner ticks",
	}, []string{"result"})

	// RunnerTickDuration measures tick latency.
	RunnerTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "tick_duration_seconds",
		Help:      "Playbook runner tick duration in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// RunOutcomes counts per-run processing outcomes.
	// Labels: outcome (created, duplicate, scheduled, skipped, deduplicated, stopped, escalated,
	// completed, conflict, lease_lost, failed)
	RunOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "run_outcomes_total",
		Help:      "Playbook run processing outcomes",
	}, []string{"outcome"})

	// OutboxResults counts dispatcher results.
	// Labels: channel, result (completed, retried, dead_lettered)
	OutboxResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "results_total",
		Help:      "Outbox delivery results",
	}, []string{"channel", "result"})

	// OutboxEnqueued counts new outbox entries. Duplicate keys are not counted.
	OutboxEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "enqueued_total",
		Help:      "Outbox entries created",
	})

	// BreakerState reports circuit breaker state per channel (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per delivery channel",
	}, []string{"channel"})

	// IntakeRuns counts scheduled intake job executions.
	// Labels: result (completed, failed, skipped)
	IntakeRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "intake_runs_total",
		Help:      "Scheduled intake job executions",
	}, []string{"result"})
)
