package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agentctl"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	poolEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "events_total",
			Help:      "Connection pool events by kind (connect, connect_failed, send, send_failed, evict).",
		},
		[]string{"event"},
	)
	poolConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connections",
			Help:      "Cached outbound secure links.",
		},
	)
	peerConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "connections_total",
			Help:      "Inbound peer connections by outcome.",
		},
		[]string{"outcome"},
	)
	peerMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "messages_total",
			Help:      "Inbound peer messages by type and outcome.",
		},
		[]string{"type", "outcome"},
	)
	hostedAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "hosted_agents",
			Help:      "Agents currently hosted by the controller.",
		},
	)
	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "rpc_calls_total",
			Help:      "Agent capability calls by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "rpc_duration_seconds",
			Help:      "Agent capability call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			poolEvents, poolConnections,
			peerConnections, peerMessages,
			hostedAgents, rpcCalls, rpcDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordPoolEvent(event string) {
	RegisterMetrics()
	poolEvents.WithLabelValues(event).Inc()
}

func SetPoolConnections(n int) {
	RegisterMetrics()
	poolConnections.Set(float64(n))
}

func RecordPeerConnection(outcome string) {
	RegisterMetrics()
	peerConnections.WithLabelValues(outcome).Inc()
}

func RecordPeerMessage(messageType, outcome string) {
	RegisterMetrics()
	peerMessages.WithLabelValues(messageType, outcome).Inc()
}

func SetHostedAgents(n int) {
	RegisterMetrics()
	hostedAgents.Set(float64(n))
}

func RecordRPCCall(method, outcome string, duration time.Duration) {
	RegisterMetrics()
	rpcCalls.WithLabelValues(method, outcome).Inc()
	rpcDuration.WithLabelValues(method).Observe(duration.Seconds())
}
