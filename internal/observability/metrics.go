// Package observability provides Prometheus metrics and OpenTelemetry tracing for planbuddy.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// WORKFLOW METRICS
// =============================================================================

var (
	stepExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planbuddy_step_executions_total",
			Help: "Total number of workflow step executions",
		},
		[]string{"step", "status"}, // status: success, error, retry, fallback, suspended
	)

	stepDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "planbuddy_step_duration_seconds",
			Help:    "Workflow step duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"step"},
	)

	sessionTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planbuddy_session_turns_total",
			Help: "Total number of session turns by outcome",
		},
		[]string{"outcome"}, // outcome: awaiting_input, completed, failed
	)

	branchSkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planbuddy_branch_skips_total",
			Help: "Transport/stay branches skipped by rule",
		},
		[]string{"branch", "reason"},
	)
)

// =============================================================================
// LLM AND TOOL METRICS
// =============================================================================

var (
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planbuddy_llm_calls_total",
			Help: "Total number of LLM API calls",
		},
		[]string{"provider", "model", "status"},
	)

	llmDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "planbuddy_llm_duration_seconds",
			Help:    "LLM call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planbuddy_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"collection", "tool", "status"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordStep records a single attempt of a workflow step.
func RecordStep(step string, status string, durationMS int) {
	stepExecutionsTotal.WithLabelValues(step, status).Inc()
	stepDurationSeconds.WithLabelValues(step).Observe(float64(durationMS) / 1000.0)
}

// RecordTurn records how a session turn ended.
func RecordTurn(outcome string) {
	sessionTurnsTotal.WithLabelValues(outcome).Inc()
}

// RecordBranchSkip records a transport/stay branch skipped by its rule.
func RecordBranchSkip(branch, reason string) {
	branchSkipsTotal.WithLabelValues(branch, reason).Inc()
}

// RecordLLMCall records LLM call metrics.
func RecordLLMCall(provider string, model string, status string, durationMS int) {
	llmCallsTotal.WithLabelValues(provider, model, status).Inc()
	llmDurationSeconds.WithLabelValues(provider, model).Observe(float64(durationMS) / 1000.0)
}

// RecordToolCall records an MCP tool call.
func RecordToolCall(collection, tool, status string) {
	toolCallsTotal.WithLabelValues(collection, tool, status).Inc()
}
