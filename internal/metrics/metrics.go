// ABOUTME: Prometheus collectors for routing, approvals, tools, forwarding and spawns.
// ABOUTME: Collectors register on the default registry and are served at /metrics.

// Package metrics holds the router's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "codebolt_router"

var (
	connections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Live connections by role.",
	}, []string{"role"})

	messagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_routed_total",
		Help:      "Envelopes routed, by origin role and outcome.",
	}, []string{"origin", "outcome"})

	deliveryTier = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_delivery_total",
		Help:      "Responses delivered to agents, by fallback tier.",
	}, []string{"tier"})

	approvals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "approvals_total",
		Help:      "Approval-gated requests, by operation and outcome.",
	}, []string{"operation", "outcome"})

	pendingApprovals = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "approvals_pending",
		Help:      "Approval requests awaiting a decision.",
	}, []string{"operation"})

	toolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_executions_total",
		Help:      "Tool executions by tool and status.",
	}, []string{"tool", "status"})

	toolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_execution_seconds",
		Help:      "Tool execution latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tool"})

	forwards = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "remote_forwards_total",
		Help:      "Messages offered to the remote proxy, by direction and result.",
	}, []string{"direction", "result"})

	spawns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_spawns_total",
		Help:      "Agent process starts by agent type and result.",
	}, []string{"agent_type", "result"})
)

// SetConnections records the number of live connections for a role.
func SetConnections(role string, n int) {
	connections.WithLabelValues(role).Set(float64(n))
}

// MessageRouted counts one routed envelope.
func MessageRouted(origin, outcome string) {
	messagesRouted.WithLabelValues(origin, outcome).Inc()
}

// DeliveredVia counts a response delivery by fallback tier.
func DeliveredVia(tier string) {
	deliveryTier.WithLabelValues(tier).Inc()
}

// ApprovalOutcome counts one approval-gated request outcome.
func ApprovalOutcome(operation, outcome string) {
	approvals.WithLabelValues(operation, outcome).Inc()
}

// SetPending records the number of pending approvals for an operation.
func SetPending(operation string, n int) {
	pendingApprovals.WithLabelValues(operation).Set(float64(n))
}

// ToolExecuted records one tool execution.
func ToolExecuted(tool, status string, elapsed time.Duration) {
	toolExecutions.WithLabelValues(tool, status).Inc()
	toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// Forwarded counts one remote forwarding attempt.
func Forwarded(direction, result string) {
	forwards.WithLabelValues(direction, result).Inc()
}

// Spawned counts one agent start attempt.
func Spawned(agentType, result string) {
	spawns.WithLabelValues(agentType, result).Inc()
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
