package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders confirmed by the saga",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed orders",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	OrderSagaLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_saga_latency_seconds",
		Help:    "Latency of the order creation saga",
		Buckets: prometheus.DefBuckets,
	})

	InventoryReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of inventory reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	InventoryReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_failed_total",
		Help: "Total number of failed inventory reservations",
	}, []string{"reason"})

	LeaseAcquireRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_lease_acquire_retries_total",
		Help: "Lease acquisition attempts that found the key already held",
	})

	LeaseUnavailableTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_lease_unavailable_total",
		Help: "Operations that exhausted lease acquisition retries",
	})

	StockMovementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_stock_movements_total",
		Help: "Stock ledger rows appended, by movement type",
	}, []string{"type"})

	LowStockNotificationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_low_stock_notifications_total",
		Help: "Low-stock events published on a crossing into low stock",
	})

	CompensationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saga_compensation_failures_total",
		Help: "Compensating releases that failed and were queued for retry",
	})

	CompensationBacklogSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "saga_compensation_backlog",
		Help: "Failed compensations waiting in the retry queue",
	})

	LedgerDriftRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inventory_ledger_drift_records",
		Help: "Inventory records whose quantity disagrees with the ledger in the last audit",
	})

	LoyaltyPointsAwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_points_awarded_total",
		Help: "Loyalty points credited from confirmed orders",
	})

	ConsumerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kafka_consumer_retries_total",
		Help: "Handler failures retried on the same message",
	}, []string{"topic"})

	ConsumerDeadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kafka_consumer_dead_lettered_total",
		Help: "Messages forwarded to a dead-letter topic after exhausting retries",
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
