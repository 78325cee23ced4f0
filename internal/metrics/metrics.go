// Package metrics registers the Prometheus instruments for the
// control plane. One Metrics value is created at startup and handed to
// the layers that record into it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the control plane.
type Metrics struct {
	// Gate
	GateDecisions *prometheus.CounterVec
	GateLatency   *prometheus.HistogramVec

	// Ledger
	LedgerOps *prometheus.CounterVec

	// Meter pipeline
	MeterEventsEmitted prometheus.Counter
	MeterFlushFailures prometheus.Counter
	AggregatePasses    prometheus.Counter

	// Fleet, sampled from the registry
	NodesByStatus     *prometheus.GaugeVec
	RecoveryItemState *prometheus.GaugeVec

	// Deletion
	DeletionSteps *prometheus.CounterVec

	// Webhook ingress
	WebhookEvents *prometheus.CounterVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		GateDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_gate_decisions_total",
				Help: "Credit gate pre-check decisions",
			},
			[]string{"outcome"}, // permit, permit_grace, insufficient_credits, credits_exhausted
		),
		GateLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_gate_latency_seconds",
				Help:    "Credit gate pre-check latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"}, // precheck, settle
		),

		LedgerOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_ledger_operations_total",
				Help: "Ledger credit and debit operations through the API",
			},
			[]string{"type", "result"}, // result: ok, duplicate, invalid, error
		),

		MeterEventsEmitted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "metering_events_emitted_total",
				Help: "Meter events appended to the WAL",
			},
		),
		MeterFlushFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "metering_flush_failures_total",
				Help: "Flush passes that failed and scheduled retries",
			},
		),
		AggregatePasses: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "metering_aggregate_passes_total",
				Help: "Aggregator passes completed",
			},
		),

		NodesByStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleet_nodes",
				Help: "Nodes by status",
			},
			[]string{"status"},
		),
		RecoveryItemState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleet_recovery_items",
				Help: "Recovery items by state",
			},
			[]string{"status"}, // recovered, failed, waiting, pending
		),

		DeletionSteps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deletion_steps_total",
				Help: "Tenant deletion step outcomes",
			},
			[]string{"result"}, // ok, error
		),

		WebhookEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_webhook_events_total",
				Help: "Payment webhook events by outcome",
			},
			[]string{"outcome"}, // applied, ignored, rejected, failed
		),
	}
}
