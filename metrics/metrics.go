// Package metrics provides Prometheus metrics for pagewatch.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChecksTotal counts per-target check outcomes.
	ChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pagewatch",
			Name:      "checks_total",
			Help:      "Total number of target checks by outcome",
		},
		[]string{"source", "outcome"},
	)

	// CycleDuration measures full check cycle duration.
	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pagewatch",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of check cycles in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"source"},
	)

	// SkippedTicksTotal counts ticks dropped because a cycle was already running.
	SkippedTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pagewatch",
			Name:      "skipped_ticks_total",
			Help:      "Total number of scheduled checks skipped by the single-flight gate",
		},
		[]string{"source"},
	)

	// NotificationsTotal counts delivered notification emails.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pagewatch",
			Name:      "notifications_total",
			Help:      "Total number of notification emails delivered",
		},
		[]string{"source"},
	)

	// DeliveryFailuresTotal counts emails abandoned after all retries.
	DeliveryFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pagewatch",
			Name:      "delivery_failures_total",
			Help:      "Total number of emails that failed after all retries",
		},
		[]string{"source"},
	)

	// SubscriptionsTotal counts API subscribe and unsubscribe requests by result.
	SubscriptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pagewatch",
			Name:      "subscriptions_total",
			Help:      "Total number of subscription changes by action and status",
		},
		[]string{"source", "action", "status"},
	)
)

// Check outcomes.
const (
	OutcomeUnchanged = "unchanged"
	OutcomeChanged   = "changed"
	OutcomeNotified  = "notified"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)
