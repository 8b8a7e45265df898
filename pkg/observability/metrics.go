// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the mcpbridge gateway.
package observability

import "github.com/prometheus/client_golang/prometheus"

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// ToolBuckets covers tool call latencies from 10ms to 60s.
var ToolBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60}

var (
	// RequestsTotal counts all HTTP requests by method and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status"},
	)

	// RequestDuration records HTTP request duration in seconds by method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpbridge_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method"},
	)

	// StreamingConnections tracks the number of active SSE streaming connections.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpbridge_streaming_connections_active",
			Help: "Active streaming connections",
		},
	)

	// ProviderRequestsTotal counts requests sent to the upstream provider.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_provider_requests_total",
			Help: "Provider requests",
		},
		[]string{"provider", "model", "status"},
	)

	// ProviderRetriesTotal counts retried upstream calls.
	ProviderRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_provider_retries_total",
			Help: "Provider call retries",
		},
		[]string{"provider"},
	)

	// ProviderLatency records upstream provider latency in seconds.
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpbridge_provider_latency_seconds",
			Help:    "Provider latency",
			Buckets: LLMBuckets,
		},
		[]string{"provider", "model"},
	)

	// ProviderTokensTotal counts tokens processed by direction (input/output).
	ProviderTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_provider_tokens_total",
			Help: "Token count",
		},
		[]string{"provider", "model", "direction"},
	)

	// ToolExecutionsTotal counts tool executions by owning server and outcome.
	ToolExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_tool_executions_total",
			Help: "Tool executions",
		},
		[]string{"server", "status"},
	)

	// ToolDuration records tool call latency in seconds.
	ToolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpbridge_tool_duration_seconds",
			Help:    "Tool call duration",
			Buckets: ToolBuckets,
		},
		[]string{"server"},
	)

	// RunsTotal counts finished completion runs by finish reason.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_runs_total",
			Help: "Completion runs",
		},
		[]string{"finish_reason"},
	)

	// RunTurns records how many tool rounds each run took.
	RunTurns = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mcpbridge_run_turns",
			Help:    "Tool rounds per run",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
	)

	// SessionState is 1 for the current state of each MCP session, 0 otherwise.
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcpbridge_session_state",
			Help: "MCP session state",
		},
		[]string{"server", "state"},
	)

	// SessionReconnectsTotal counts reconnect attempts by outcome.
	SessionReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_session_reconnects_total",
			Help: "MCP session reconnect attempts",
		},
		[]string{"server", "outcome"},
	)

	// ContainerRestartsTotal counts container restarts after unexpected exits.
	ContainerRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_container_restarts_total",
			Help: "Managed container restarts",
		},
		[]string{"server"},
	)

	// ContainersRunning tracks the containers owned by this process.
	ContainersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpbridge_containers_running",
			Help: "Managed containers owned by this process",
		},
	)

	// PanicsRecoveredTotal counts panics caught in the completion path.
	PanicsRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcpbridge_panics_recovered_total",
			Help: "Panics recovered while serving completions",
		},
	)

	// RegistryTools tracks the number of routable tools.
	RegistryTools = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpbridge_registry_tools",
			Help: "Routable tools in the merged catalog",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		ProviderRequestsTotal,
		ProviderRetriesTotal,
		ProviderLatency,
		ProviderTokensTotal,
		ToolExecutionsTotal,
		ToolDuration,
		RunsTotal,
		RunTurns,
		SessionState,
		SessionReconnectsTotal,
		ContainerRestartsTotal,
		ContainersRunning,
		PanicsRecoveredTotal,
		RegistryTools,
	)
}

// SetSessionState marks state as the current state of server among all
// possible states.
func SetSessionState(server, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(server, s).Set(v)
	}
}
