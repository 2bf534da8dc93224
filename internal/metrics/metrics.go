package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsTotal counts Stripe webhook events by type and reconciliation outcome.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coach",
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Total Stripe webhook events by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coach",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// IdentityResolutionsTotal counts which branch of identity resolution selected the account.
	IdentityResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coach",
		Subsystem: "identity",
		Name:      "resolutions_total",
		Help:      "Identity resolutions by selected source.",
	}, []string{"source"})

	// UsageLimitHitsTotal counts messages rejected by the daily limit.
	UsageLimitHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coach",
		Subsystem: "usage",
		Name:      "limit_hits_total",
		Help:      "Messages rejected because the daily limit was reached.",
	}, []string{"plan"})

	// CompletionsTotal counts completion calls by outcome.
	CompletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coach",
		Subsystem: "chat",
		Name:      "completions_total",
		Help:      "Completion requests by outcome.",
	}, []string{"outcome"})
)
