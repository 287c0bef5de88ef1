package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CartsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carts_created_total",
		Help: "Total number of active carts created",
	})

	CartsMergedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carts_merged_total",
		Help: "Total number of guest carts merged into customer carts",
	})

	CartsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carts_expired_total",
		Help: "Total number of carts expired by the sweeper",
	})

	CartsAbandonedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carts_abandoned_total",
		Help: "Total number of carts abandoned by their owners",
	})

	CheckoutsInitiatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkouts_initiated_total",
		Help: "Total number of pending orders created",
	})

	CheckoutsConfirmedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkouts_confirmed_total",
		Help: "Total number of orders confirmed",
	}, []string{"method"})

	CheckoutsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkouts_failed_total",
		Help: "Total number of failed checkout attempts",
	}, []string{"reason"})

	OrderNumberConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_number_conflicts_total",
		Help: "Total number of order number allocation retries",
	})

	FinalizeRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_finalize_retries_total",
		Help: "Total number of retried post-payment finalization attempts",
	})

	DiscountRedemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "discount_redemptions_total",
		Help: "Discount redemptions and releases",
	}, []string{"outcome"})

	CustomerWriteConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "customer_write_conflicts_total",
		Help: "Total number of optimistic customer writes that lost a race",
	})

	PaymentAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of payment authorizations",
	}, []string{"method", "outcome"})

	PaymentProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_processing_latency_seconds",
		Help:    "Latency of payment authorization",
		Buckets: prometheus.DefBuckets,
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
