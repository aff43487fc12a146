package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders placed with stock reserved",
	})

	OrdersConfirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_confirmed_total",
		Help: "Total number of orders confirmed by payment settlement",
	})

	OrdersShippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_shipped_total",
		Help: "Total number of orders marked as shipped",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of rejected checkout attempts",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	}, []string{"reason"})

	InventoryReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of the checkout unit of work",
		Buckets: prometheus.DefBuckets,
	})

	InventoryReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_failed_total",
		Help: "Total number of failed inventory reservations",
	}, []string{"reason"})

	InventoryUnitsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_units_released_total",
		Help: "Total number of stock units returned to the ledger",
	})

	PaymentInitiationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_initiations_total",
		Help: "Total number of gateway payment initiations",
	}, []string{"outcome"})

	PaymentNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_notifications_total",
		Help: "Total number of gateway notifications by status and outcome",
	}, []string{"status", "outcome"})

	PaymentRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_retries_total",
		Help: "Total number of failed payments reset for retry",
	})

	LateSettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_late_settlements_total",
		Help: "Approved payments whose order had already left pending",
	})

	GatewayLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_gateway_latency_seconds",
		Help:    "Latency of payment gateway initiation calls",
		Buckets: prometheus.DefBuckets,
	})

	SweeperRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expiry_sweeper_runs_total",
		Help: "Total number of expiry sweeps by outcome",
	}, []string{"outcome"})

	SweeperExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "expiry_sweeper_expired_orders_total",
		Help: "Total number of orders cancelled by the expiry sweeper",
	})

	ConsumerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kafka_consumer_retries_total",
		Help: "Total number of in-place retries of a consumed message",
	}, []string{"topic"})

	EventsPublishFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domain_events_publish_failed_total",
		Help: "Total number of domain events that could not be published",
	}, []string{"event_type"})

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
