// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_http_requests_total",
		Help: "Total HTTP requests processed, labeled by route and status code",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rental_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "route"})

	LedgerSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_ledger_submissions_total",
		Help: "Ledger transactions submitted, labeled by operation and outcome",
	}, []string{"op", "outcome"})

	LedgerSubmitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rental_ledger_submit_duration_seconds",
		Help:    "Latency of ledger submissions",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	AgreementTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_agreement_transitions_total",
		Help: "Agreement state transitions, labeled by target status",
	}, []string{"status"})

	ReconciliationResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_reconciliation_resolved_total",
		Help: "Reconciliation records resolved by the sweep, labeled by outcome",
	}, []string{"outcome"})

	ReconciliationPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rental_reconciliation_pending",
		Help: "Unconfirmed ledger operations left after the last sweep",
	})

	OTPEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_otp_events_total",
		Help: "Completion code events, labeled by kind",
	}, []string{"event"})

	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_notifications_total",
		Help: "Notification deliveries, labeled by provider and outcome",
	}, []string{"provider", "outcome"})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_job_runs_total",
		Help: "Scheduled job executions, labeled by job and outcome",
	}, []string{"job", "outcome"})
)

// Outcome labels shared across collectors.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
	OutcomeTimeout  = "timeout"
	OutcomeFailed   = "failed"
	OutcomeSuccess  = "success"
)
