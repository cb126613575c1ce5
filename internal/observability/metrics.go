package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trs_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trs_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	TxRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trs_db_tx_retries_total",
			Help: "Serializable transactions retried after a 40001",
		},
	)

	ReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trs_reservations_total",
			Help: "Inventory reservation attempts by outcome",
		},
		[]string{"outcome"},
	)

	TicketsSold = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trs_tickets_sold_total",
			Help: "Tickets sold by market",
		},
		[]string{"market"},
	)

	SettledAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trs_settled_amount_total",
			Help: "Currency credited to the settlement ledger by entry kind",
		},
		[]string{"kind"},
	)

	WithdrawalTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trs_withdrawal_transitions_total",
			Help: "Withdrawal state transitions by target status",
		},
		[]string{"status"},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trs_outbox_lag_seconds",
			Help: "Age of the oldest message published in the last outbox pass",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trs_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trs_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
