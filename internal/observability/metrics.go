package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the node's Prometheus collector set, exposed at the gateway's
// configured /metrics path (config.MetricsConfig). Covers what this node
// actually does: serve model turns, run tools, and dispatch/receive swarm
// tasks.
type Metrics struct {
	LLMRequestDuration *prometheus.HistogramVec
	LLMRequestCounter  *prometheus.CounterVec
	LLMTokensUsed      *prometheus.CounterVec

	ToolExecutionCounter  *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	ErrorCounter *prometheus.CounterVec

	ActiveSessions  *prometheus.GaugeVec
	SessionDuration *prometheus.HistogramVec

	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestCounter  *prometheus.CounterVec

	// DispatchCounter counts outbound dispatch_task/dispatch_batch
	// attempts. Labels: outcome (completed|busy|pruned|failed).
	DispatchCounter *prometheus.CounterVec

	// DispatchDuration measures one candidate peer call's round trip.
	DispatchDuration *prometheus.HistogramVec

	// PeerCount tracks the current registry size as seen from this node.
	PeerCount prometheus.Gauge

	// CompactionCounter counts compaction runs. Labels: trigger
	// (predictive|structural|reactive), status (success|error).
	CompactionCounter *prometheus.CounterVec
}

// NewMetrics registers and returns the node's collector set. Call once at
// startup.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swarmd_llm_request_duration_seconds",
				Help:    "Duration of LLM provider requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmd_llm_requests_total",
				Help: "Total LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmd_llm_tokens_total",
				Help: "Total tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmd_tool_executions_total",
				Help: "Total tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swarmd_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmd_errors_total",
				Help: "Total errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
		ActiveSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "swarmd_active_sessions",
				Help: "Current number of active sessions",
			},
			[]string{"app_name"},
		),
		SessionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swarmd_session_duration_seconds",
				Help:    "Duration of sessions in seconds",
				Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800},
			},
			[]string{"app_name"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swarmd_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmd_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		DispatchCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmd_dispatch_total",
				Help: "Total dispatch_task candidate attempts by outcome",
			},
			[]string{"outcome"},
		),
		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swarmd_dispatch_duration_seconds",
				Help:    "Duration of one dispatch candidate peer call",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),
		PeerCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "swarmd_registry_peer_count",
				Help: "Current number of peers visible in this node's registry",
			},
		),
		CompactionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmd_compaction_runs_total",
				Help: "Total compaction runs by trigger and status",
			},
			[]string{"trigger", "status"},
		),
	}
}

// RecordLLMRequest records one provider.Complete call's outcome.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records one tool.Invoke call.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a component/error-type pair.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SessionStarted/SessionEnded track session lifetime for the active-session gauge.
func (m *Metrics) SessionStarted(appName string) { m.ActiveSessions.WithLabelValues(appName).Inc() }
func (m *Metrics) SessionEnded(appName string, durationSeconds float64) {
	m.ActiveSessions.WithLabelValues(appName).Dec()
	m.SessionDuration.WithLabelValues(appName).Observe(durationSeconds)
}

// RecordHTTPRequest records one gateway request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordDispatch records one candidate peer call's outcome
// (completed|busy|pruned|failed, per internal/dispatch's branching).
func (m *Metrics) RecordDispatch(outcome string, durationSeconds float64) {
	m.DispatchCounter.WithLabelValues(outcome).Inc()
	m.DispatchDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// SetPeerCount sets the registry gauge to the current peer count.
func (m *Metrics) SetPeerCount(n int) {
	m.PeerCount.Set(float64(n))
}

// RecordCompaction records one compaction run (internal/compaction).
func (m *Metrics) RecordCompaction(trigger, status string) {
	m.CompactionCounter.WithLabelValues(trigger, status).Inc()
}
