package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fluxwatch_payments_enqueued_total",
		Help: "Total number of payments placed on an ingestion lane.",
	})

	PaymentsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxwatch_payments_rejected_total",
		Help: "Total number of payments rejected before entering the pipeline, labelled by reason.",
	}, []string{"reason"})

	PaymentsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fluxwatch_payments_processed_total",
		Help: "Total number of payments folded into an account window.",
	})

	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxwatch_bus_published_total",
		Help: "Total number of events published on the bus, labelled by kind.",
	}, []string{"kind"})

	BusHandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxwatch_bus_handler_errors_total",
		Help: "Total number of handler failures during dispatch, labelled by kind.",
	}, []string{"kind"})

	TrackedAccounts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fluxwatch_tracked_accounts",
		Help: "Number of accounts with window state.",
	})

	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxwatch_alerts_raised_total",
		Help: "Total number of alerts raised, labelled by rule and rationale status.",
	}, []string{"rule", "rationale_status"})

	OracleCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxwatch_oracle_calls_total",
		Help: "Total number of risk oracle calls, labelled by outcome.",
	}, []string{"outcome"})

	OracleBreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxwatch_oracle_breaker_transitions_total",
		Help: "Oracle circuit breaker state transitions.",
	}, []string{"from_state", "to_state"})

	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxwatch_sink_errors_total",
		Help: "Total number of alert delivery failures, labelled by sink.",
	}, []string{"sink"})

	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fluxwatch_websocket_clients",
		Help: "Currently connected alert stream clients.",
	})

	PaymentProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fluxwatch_payment_processing_duration_ms",
		Help:    "End-to-end synchronous payment processing latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fluxwatch_queue_utilization_ratio",
		Help: "Current ingestion queue utilization (0–1).",
	})

	MaxLaneUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fluxwatch_max_lane_utilization_ratio",
		Help: "Utilization of the fullest ingestion lane (0–1).",
	})
)
