package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offers_created_total",
		Help: "Total number of offers created",
	})

	OffersAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offers_accepted_total",
		Help: "Total number of offers accepted",
	})

	OffersDeclinedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offers_declined_total",
		Help: "Total number of offers declined, including accept fan-out",
	})

	OffersExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offers_expired_total",
		Help: "Total number of offers expired by the sweep",
	})

	OffersRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offers_rejected_total",
		Help: "Total number of offer operations rejected",
	}, []string{"reason"})

	TransactionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transactions_created_total",
		Help: "Total number of transactions created",
	})

	TransactionsClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transactions_closed_total",
		Help: "Total number of transactions closed",
	})

	TransactionsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transactions_failed_total",
		Help: "Total number of transactions cancelled or failed",
	}, []string{"reason"})

	SettlementComputeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_compute_latency_seconds",
		Help:    "Latency of settlement computation including fee lookup",
		Buckets: prometheus.DefBuckets,
	})

	IdempotencyReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idempotency_replays_total",
		Help: "Total number of requests answered from a stored idempotency record",
	})

	IdempotencyConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idempotency_conflicts_total",
		Help: "Total number of idempotency key reuses with a different request",
	})

	FeeLookupFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fee_lookup_fallbacks_total",
		Help: "Total number of fee lookups that fell back to platform defaults",
	})

	EventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_events_processed_total",
		Help: "Reconciliation events by kind and outcome",
	}, []string{"kind", "outcome"})

	EventsDeadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_events_dead_lettered_total",
		Help: "Reconciliation events routed to the dead-letter topic",
	}, []string{"kind"})

	DriftCorrectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_drift_corrections_total",
		Help: "Records repaired by the periodic drift sweep",
	}, []string{"target"})

	NotificationsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifications_failed_total",
		Help: "Total number of best-effort notifications that failed to publish",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
