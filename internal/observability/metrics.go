// Package observability provides Prometheus metrics, health checks, and logging.
//
// Uses github.com/prometheus/client_golang - the official Prometheus client.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the webhook service.
//
// Key metrics for monitoring:
//   - deliveries_total{outcome}: per-webhook delivery results
//   - delivery_duration_seconds: latency distribution of outbound requests
//   - outbox_events_total{status}: relay throughput and dead letters
//   - circuit_breaker_state: destination health (0=ok, 2=failing)
type Metrics struct {
	EventsReceived      prometheus.Counter
	EventsDispatched    prometheus.Counter
	Deliveries          *prometheus.CounterVec
	DeliveryDuration    prometheus.Histogram
	Retries             *prometheus.CounterVec
	TestDeliveries      *prometheus.CounterVec
	OutboxEvents        *prometheus.CounterVec
	ConsumedEvents      *prometheus.CounterVec
	LogsPurged          prometheus.Counter
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CircuitBreakerState   *prometheus.GaugeVec
	CircuitBreakerTrips   *prometheus.CounterVec
	RateLimiterRejections *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
// A nil reg uses the default Prometheus registerer.
// The namespace prefixes all metric names (e.g., "cmshooks_deliveries_total").
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		EventsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Total number of content events accepted for dispatch",
		}),
		EventsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Total number of content events fanned out to subscribers",
		}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of webhook deliveries by outcome",
		}, []string{"outcome"}),
		DeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of webhook delivery requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retry requests by result",
		}, []string{"result"}),
		TestDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "test_deliveries_total",
			Help:      "Total number of test deliveries by outcome",
		}, []string{"outcome"}),
		OutboxEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_total",
			Help:      "Total number of outbox entries handled by the relay, by resulting status",
		}, []string{"status"}),
		ConsumedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_consumed_events_total",
			Help:      "Total number of content events consumed from Kafka, by result",
		}, []string{"status"}),
		LogsPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_logs_purged_total",
			Help:      "Total number of delivery log entries removed by retention cleanup",
		}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		CircuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"webhook_id"}),
		CircuitBreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of times circuit breaker tripped to open state",
		}, []string{"webhook_id"}),
		RateLimiterRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_rejections_total",
			Help:      "Total number of requests rejected by rate limiter",
		}, []string{"key"}),
	}
}
