// Package metrics exposes Prometheus collectors for quota checks, usage
// recording, lifecycle transitions and billing webhooks.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aiquota"

var (
	// Gate decisions
	ChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "checks_total",
			Help:      "Access checks by outcome and reason",
		},
		[]string{"allowed", "reason"},
	)

	CheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "check_duration_seconds",
			Help:      "Access check latency including store and catalog reads",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2},
		},
	)

	OverridesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "admin_overrides_total",
			Help:      "Checks allowed by an admin access override",
		},
	)

	FairUseExceededTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "fair_use_exceeded_total",
			Help:      "Unlimited-plan checks above the fair-use ceiling",
		},
	)

	// Usage recording
	UsageRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "recorded_total",
			Help:      "Usage record attempts by result",
		},
		[]string{"result"}, // recorded, duplicate, failed, queued
	)

	UsageConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "version_conflicts_total",
			Help:      "Optimistic-concurrency retries while recording usage",
		},
	)

	UsagePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "pending",
			Help:      "Usage records waiting for the store to recover",
		},
	)

	// Lifecycle
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Subscription status transitions",
		},
		[]string{"from", "to"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one expiry and rollover sweep",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// Billing webhooks
	WebhookRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_requests_total",
			Help:      "Stripe webhook requests by event type and HTTP status",
		},
		[]string{"event_type", "status"},
	)

	WebhookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_duration_seconds",
			Help:      "Stripe webhook processing duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	// Realtime
	WatchersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "listeners_active",
			Help:      "Shared per-account store listeners currently open",
		},
	)
)

// RecordCheck records the outcome of one access check.
func RecordCheck(allowed bool, reason string, elapsed time.Duration) {
	label := "false"
	if allowed {
		label = "true"
	}
	if reason == "" {
		reason = "none"
	}
	ChecksTotal.WithLabelValues(label, reason).Inc()
	CheckDuration.Observe(elapsed.Seconds())
}

// RecordUsage counts one usage record attempt.
func RecordUsage(result string) {
	UsageRecordedTotal.WithLabelValues(result).Inc()
}

// RecordTransition counts a status change.
func RecordTransition(from, to string) {
	if from == "" {
		from = "none"
	}
	TransitionsTotal.WithLabelValues(from, to).Inc()
}
