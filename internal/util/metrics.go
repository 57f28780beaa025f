package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TradeInsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeins_submitted_total",
		Help: "Total number of trade-ins submitted",
	})

	TradeInTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradein_transitions_total",
		Help: "Trade-in status transitions by target status",
	}, []string{"status"})

	AssessmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assessments_total",
		Help: "Assessment attempts by provider and outcome",
	}, []string{"provider", "outcome"})

	AssessmentLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "assessment_latency_seconds",
		Help:    "Latency of assessment provider calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	AssessmentRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assessment_retries_total",
		Help: "Total number of scheduled assessment retries",
	})

	AssessmentCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assessment_cache_hits_total",
		Help: "Assessments served from the result cache",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assessment_queue_depth",
		Help: "Number of trade-ins waiting in the assessment queue",
	})

	CreditNotesIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_notes_issued_total",
		Help: "Total number of credit notes issued",
	})

	CreditLockAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_lock_attempts_total",
		Help: "Credit note lock attempts by outcome",
	}, []string{"outcome"})

	CreditConsumedAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_consumed_amount_total",
		Help: "Total credit amount consumed by orders",
	})

	SweepExpiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_expired_total",
		Help: "Records expired or reset by background sweeps",
	}, []string{"kind"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Webhook events by type and resulting status",
	}, []string{"type", "status"})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "Domain events written to the broker by type and result",
	}, []string{"type", "result"})

	ConsumerDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_dropped_messages_total",
		Help: "Broker messages dropped after repeated handler failures",
	}, []string{"topic"})

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
