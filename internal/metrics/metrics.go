// Package metrics holds the Prometheus collectors exported by the services.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "acme"

var (
	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Proxied requests by logical service, upstream and response code.",
	}, []string{"service", "upstream", "code"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "upstream_duration_seconds",
		Help:      "Upstream round trip latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service"})

	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "created_total",
		Help:      "Order creation requests by result (created, replayed).",
	}, []string{"result"})

	SagaOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "saga_outcomes_total",
		Help:      "Outcome events applied to orders by routing key and result.",
	}, []string{"routing_key", "result"})

	Reservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inventory",
		Name:      "reservations_total",
		Help:      "Reservation attempts by status and whether the outcome was replayed.",
	}, []string{"status", "replayed"})

	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "messages_consumed_total",
		Help:      "Consumed messages by queue, routing key and result.",
	}, []string{"queue", "routing_key", "result"})

	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "messages_published_total",
		Help:      "Published messages by exchange, routing key and result.",
	}, []string{"exchange", "routing_key", "result"})

	OutboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "pending_events",
		Help:      "Outbox events waiting for delivery.",
	})

	OutboxDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "dispatched_total",
		Help:      "Outbox delivery attempts by result.",
	}, []string{"result"})
)

// Handler serves the default registry in Prometheus text format.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
