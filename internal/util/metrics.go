package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_accepted_total",
		Help: "Total number of orders accepted by drivers",
	})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	OrderTransitionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_failed_total",
		Help: "Total number of rejected order lifecycle transitions",
	}, []string{"reason"})

	PaymentEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_events_total",
		Help: "Total number of payment events applied by the reconciliation engine",
	}, []string{"gateway", "outcome"})

	DuplicatePaymentEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duplicate_payment_events_total",
		Help: "Total number of duplicate gateway notifications ignored",
	})

	AmountMismatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_amount_mismatch_total",
		Help: "Total number of payment events rejected by the amount guard",
	})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refunds_total",
		Help: "Total number of refund records by final status",
	}, []string{"status"})

	ReconcileLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconcile_latency_seconds",
		Help:    "Latency of payment reconciliation operations",
		Buckets: prometheus.DefBuckets,
	})

	GatewayVerifyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_verify_latency_seconds",
		Help:    "Latency of outbound gateway verification calls",
		Buckets: prometheus.DefBuckets,
	})

	TrackingConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_connections",
		Help: "Current number of live tracking connections",
	})

	TrackingSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_subscriptions",
		Help: "Current number of topic subscriptions in the tracking hub",
	})

	TrackingEventsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracking_events_sent_total",
		Help: "Total number of events delivered to tracking connections",
	})

	TrackingSubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracking_subscribers_dropped_total",
		Help: "Total number of subscribers dropped for slow or dead connections",
	})

	BusEventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_events_published_total",
		Help: "Total number of events published on the in-process bus",
	}, []string{"type"})

	BusSubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_subscribers_dropped_total",
		Help: "Total number of bus subscribers dropped on queue overflow",
	})

	DriverLocationUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driver_location_updates_total",
		Help: "Total number of driver location updates received",
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
