package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketeria_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "code", "method"},
	)

	OrdersCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketeria_orders_created_total",
			Help: "Orders created in PENDING state",
		},
	)

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketeria_settlements_total",
			Help: "Settlement transitions by outcome",
		},
		[]string{"outcome"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ticketeria_provider_call_seconds",
			Help:    "Duration of payment provider calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ticketeria_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ticketeria_outbox_lag_seconds",
			Help: "Age of the oldest unpublished outbox row",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketeria_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
