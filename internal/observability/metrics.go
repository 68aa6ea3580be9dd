package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tro_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	SeatOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_seat_operations_total",
			Help: "Seat lock operations by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	QueueAdmissions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tro_queue_admissions_total",
			Help: "Queue entries moved from WAITING to PROCESSING",
		},
	)

	SweepTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_sweep_transitions_total",
			Help: "State transitions performed by periodic sweeps",
		},
		[]string{"job"},
	)

	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tro_sweep_seconds",
			Help:    "Duration of one sweep run",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	PaymentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_payment_transitions_total",
			Help: "Payment state transitions by target status",
		},
		[]string{"status"},
	)

	InvariantViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_invariant_violations_total",
			Help: "Fatal errors signalling a broken seat/lock invariant",
		},
		[]string{"op"},
	)

	ConsumerDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_consumer_deliveries_total",
			Help: "Broker deliveries by routing key and outcome",
		},
		[]string{"topic", "outcome"},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tro_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tro_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tro_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
