package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "movex"
)

var (
	// StoreOpsTotal counts store operations by op, resource type and outcome
	StoreOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_ops_total",
			Help:      "Total number of resource store operations",
		},
		[]string{"op", "resource_type", "status"}, // status: ok/error
	)

	// StoreOpDuration measures time spent inside a shard per op
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_op_duration_seconds",
			Help:      "Resource store operation latency in seconds",
			Buckets:   []float64{.00005, .0001, .0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"op"},
	)

	// ResourcesLive tracks resources currently held by this master
	ResourcesLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resources_live",
			Help:      "Number of resources held by the store",
		},
	)

	// FanoutMessagesTotal counts per-subscriber pushes
	FanoutMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_messages_total",
			Help:      "Total number of per-subscriber push messages",
		},
		[]string{"event", "status"}, // status: sent/dropped
	)

	// GatewayConnections tracks open websocket connections
	GatewayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_connections",
			Help:      "Number of open websocket connections",
		},
	)

	// GatewayRequestsTotal counts inbound requests by verb and outcome
	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Total number of inbound requests",
		},
		[]string{"verb", "status"},
	)

	// BroadcastsRelayedTotal counts out-of-band broadcasts relayed to clients
	BroadcastsRelayedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_relayed_total",
			Help:      "Total number of broadcasts relayed from NATS",
		},
	)
)

// ObserveStoreOp records one store operation.
func ObserveStoreOp(op, resourceType string, err error, started time.Time) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StoreOpsTotal.WithLabelValues(op, resourceType, status).Inc()
	StoreOpDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}
