// Package metrics carries the engine's Prometheus instrumentation:
// orders claimed, charges by classification outcome, webhook deliveries
// by status, dunning retries issued, and queue depth — grounded in the
// reference control-plane's pkg/metrics promauto usage, retargeted at
// the billing domain's scheduler, queue, and webhook delivery paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_orders_claimed_total",
			Help: "Orders claimed off the due/retry queue by ClaimDueOrders or GetDueRetries",
		},
		[]string{"source"}, // "due" | "retry"
	)

	ChargesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_charges_total",
			Help: "Provider charge attempts by outcome",
		},
		[]string{"outcome"}, // "success" | "terminal" | "retryable_payment" | "upstream_transient" | "other"
	)

	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_deliveries_total",
			Help: "Webhook delivery attempts by status",
		},
		[]string{"status"}, // "delivered" | "retrying" | "dead_lettered"
	)

	DunningRetriesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_dunning_retries_issued_total",
			Help: "Retry deadlines scheduled by the dunning coordinator",
		},
	)

	ChargeQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billing_charge_queue_depth",
			Help: "Approximate number of messages pending on the charge queue",
		},
	)

	WebhookQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billing_webhook_queue_depth",
			Help: "Approximate number of messages pending on the webhook queue",
		},
	)

	SchedulerTimersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billing_scheduler_timers_active",
			Help: "Number of live per-order timer records held by the scheduler",
		},
	)

	ProviderBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billing_provider_breaker_state",
			Help: "Provider circuit breaker state: 0=closed, 1=half-open, 2=open",
		},
	)

	ReconciliationRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_reconciliation_recovered_total",
			Help: "Orders reset from stale Processing back to Pending by the reconciliation sweep",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_http_requests_total",
			Help: "Total HTTP requests to the billing API by route and status",
		},
		[]string{"method", "path", "status"},
	)
)
