package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central collector set for the runtime.
//
// It tracks:
//   - Turn throughput, latency, and round counts per model
//   - Token consumption per model
//   - Tool execution patterns and latencies
//   - Error rates by component and category
//   - Session counts by state, and outbound event flow
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordTurn("hosted", "success", time.Since(start).Seconds(), in, out, rounds)
type Metrics struct {
	// TurnCounter counts completed turns.
	// Labels: model (local|hosted), status (success|error|aborted)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures whole-turn latency in seconds, tool rounds
	// included.
	// Labels: model
	// Buckets: 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s
	TurnDuration *prometheus.HistogramVec

	// TurnRounds measures model calls per turn.
	// Labels: model
	TurnRounds *prometheus.HistogramVec

	// TokensUsed tracks token consumption.
	// Labels: model, type (prompt|completion)
	TokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and category.
	// Labels: component (turn|session|store|task), error_type
	ErrorCounter *prometheus.CounterVec

	// Sessions tracks connected sessions by state.
	// Labels: state (live|suspended)
	Sessions *prometheus.GaugeVec

	// EventCounter counts outbound events by type.
	// Labels: type
	EventCounter *prometheus.CounterVec

	// DroppedEvents counts outbound events discarded on overflow.
	// Labels: reason (queue_full|subscriber_slow)
	DroppedEvents *prometheus.CounterVec

	// WorkItems tracks non-terminal work items by status.
	// Labels: status (pending|running)
	WorkItems *prometheus.GaugeVec
}

// NewMetrics creates and registers all collectors with Prometheus's
// default registry, so they surface through the stock promhttp handler
// on /metrics. Call it once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "famulus_turns_total",
				Help: "Total number of turns by model and status",
			},
			[]string{"model", "status"},
		),

		TurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "famulus_turn_duration_seconds",
				Help:    "Duration of turns in seconds, tool rounds included",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"model"},
		),

		TurnRounds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "famulus_turn_rounds",
				Help:    "Model calls per turn",
				Buckets: []float64{1, 2, 3, 4, 5, 6},
			},
			[]string{"model"},
		),

		TokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "famulus_model_tokens_total",
				Help: "Total number of tokens used by model and type",
			},
			[]string{"model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "famulus_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "famulus_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "famulus_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		Sessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "famulus_sessions",
				Help: "Current number of sessions by state",
			},
			[]string{"state"},
		),

		EventCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "famulus_events_total",
				Help: "Total number of outbound events by type",
			},
			[]string{"type"},
		),

		DroppedEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "famulus_dropped_events_total",
				Help: "Total number of outbound events dropped on overflow",
			},
			[]string{"reason"},
		),

		WorkItems: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "famulus_work_items",
				Help: "Current number of non-terminal work items by status",
			},
			[]string{"status"},
		),
	}
}

// RecordTurn records the outcome of one turn.
func (m *Metrics) RecordTurn(model, status string, durationSeconds float64, promptTokens, completionTokens, rounds int) {
	m.TurnCounter.WithLabelValues(model, status).Inc()
	m.TurnDuration.WithLabelValues(model).Observe(durationSeconds)
	if rounds > 0 {
		m.TurnRounds.WithLabelValues(model).Observe(float64(rounds))
	}
	if promptTokens > 0 {
		m.TokensUsed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.TokensUsed.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool invocation.
//
// Example:
//
//	start := time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("core__web_fetch", "success", time.Since(start).Seconds())
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a component and type.
//
// Example:
//
//	metrics.RecordError("turn", "rate_limit")
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SessionsChanged updates the session gauges after a state change.
func (m *Metrics) SessionsChanged(live, suspended int) {
	m.Sessions.WithLabelValues("live").Set(float64(live))
	m.Sessions.WithLabelValues("suspended").Set(float64(suspended))
}

// EventSent counts one outbound event.
func (m *Metrics) EventSent(eventType string) {
	m.EventCounter.WithLabelValues(eventType).Inc()
}

// EventDropped counts one discarded outbound event.
func (m *Metrics) EventDropped(reason string) {
	m.DroppedEvents.WithLabelValues(reason).Inc()
}

// WorkItemsChanged updates the work item gauges. Terminal items are
// evicted from the registry, so only pending and running are tracked.
func (m *Metrics) WorkItemsChanged(pending, running int) {
	m.WorkItems.WithLabelValues("pending").Set(float64(pending))
	m.WorkItems.WithLabelValues("running").Set(float64(running))
}
