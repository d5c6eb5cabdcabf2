// Package metrics defines the Prometheus collectors of the engine. They are
// registered on the default registry and served by the webhook server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ratchet"

var (
	// TransitionsTotal counts applied transitions.
	// Labels: kind (approve, rollback, reopen)
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Total number of applied stage transitions",
		},
		[]string{"kind"},
	)

	// TransitionsRejected counts refused transitions.
	// Labels: reason (invalid, stale, missing, other)
	TransitionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_rejected_total",
			Help:      "Total number of rejected stage transitions",
		},
		[]string{"reason"},
	)

	// RatchetDenials counts writes refused by a lock.
	RatchetDenials = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratchet",
			Name:      "denials_total",
			Help:      "Total number of writes denied by the ratchet",
		},
	)

	// ActionRuns counts automated action executions.
	// Labels: action, result (completed, failed, skipped)
	ActionRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "action_runs_total",
			Help:      "Total number of automated action runs by result",
		},
		[]string{"action", "result"},
	)

	// ActionDuration tracks how long actions take.
	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "action_duration_seconds",
			Help:      "Duration of automated actions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		},
		[]string{"action"},
	)

	// InboundEvents counts board events received.
	// Labels: kind (move, create, unknown, duplicate)
	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "inbound_events_total",
			Help:      "Total number of inbound board events",
		},
		[]string{"kind"},
	)

	// FanOutChildren counts children handled by fan-out.
	// Labels: outcome (created, skipped, orphan)
	FanOutChildren = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "children_total",
			Help:      "Total number of fan-out children by outcome",
		},
		[]string{"outcome"},
	)

	// FloodRejections counts plans rejected by the child cap.
	FloodRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "flood_rejections_total",
			Help:      "Total number of plans rejected for exceeding the child cap",
		},
	)

	// StaleArtifacts is the number of stale artifacts seen at the last refresh.
	// Labels: work_item
	StaleArtifacts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "integrity",
			Name:      "stale_artifacts",
			Help:      "Stale artifacts per work item at the last refresh",
		},
		[]string{"work_item"},
	)
)
