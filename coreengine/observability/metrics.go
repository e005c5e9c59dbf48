// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the pipeline engine.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// RUN METRICS
// =============================================================================

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testforge_runs_total",
			Help: "Total number of pipeline runs by terminal status",
		},
		[]string{"status"}, // status: completed, failed, cancelled
	)

	runDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "testforge_run_duration_seconds",
			Help:    "End-to-end pipeline run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)
)

// =============================================================================
// STAGE METRICS
// =============================================================================

var (
	stageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testforge_stage_executions_total",
			Help: "Total number of stage executions",
		},
		[]string{"stage", "status"}, // status: success, error
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "testforge_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)
)

// =============================================================================
// CAPABILITY METRICS
// =============================================================================

var (
	capabilityInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testforge_capability_invocations_total",
			Help: "Total number of capability invocations",
		},
		[]string{"capability", "status"}, // status: success, failure, partial, error
	)

	capabilityDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "testforge_capability_duration_seconds",
			Help:    "Capability invocation duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
		[]string{"capability"},
	)
)

// =============================================================================
// LLM METRICS
// =============================================================================

var (
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testforge_llm_calls_total",
			Help: "Total number of LLM completion calls",
		},
		[]string{"model", "status"}, // status: success, error
	)

	llmDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "testforge_llm_duration_seconds",
			Help:    "LLM completion call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	llmTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testforge_llm_tokens_total",
			Help: "Total tokens consumed by LLM completion calls",
		},
		[]string{"model"},
	)
)

// =============================================================================
// SCRIPT METRICS
// =============================================================================

var (
	scriptExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testforge_script_executions_total",
			Help: "Total number of generated scripts executed",
		},
		[]string{"framework", "status"}, // status: passed, failed, skipped
	)

	scriptDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "testforge_script_duration_seconds",
			Help:    "Script execution duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"framework"},
	)
)

// =============================================================================
// APPROVAL METRICS
// =============================================================================

var approvalsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "testforge_approvals_total",
		Help: "Total number of resolved approval requests",
	},
	[]string{"decision"}, // decision: approved, rejected, expired
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordRun records a finished pipeline run.
func RecordRun(status string, duration time.Duration) {
	runsTotal.WithLabelValues(status).Inc()
	runDurationSeconds.Observe(duration.Seconds())
}

// RecordStageExecution records one stage execution inside a run.
func RecordStageExecution(stage, status string, duration time.Duration) {
	stageExecutionsTotal.WithLabelValues(stage, status).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordCapabilityInvocation records one capability invocation with the
// result status reported by the invocation wrapper.
func RecordCapabilityInvocation(capability, status string, duration time.Duration) {
	capabilityInvocationsTotal.WithLabelValues(capability, status).Inc()
	capabilityDurationSeconds.WithLabelValues(capability).Observe(duration.Seconds())
}

// RecordLLMCall records one completion call. totalTokens may be zero when the
// provider reports no usage.
func RecordLLMCall(model, status string, duration time.Duration, totalTokens int64) {
	llmCallsTotal.WithLabelValues(model, status).Inc()
	llmDurationSeconds.WithLabelValues(model).Observe(duration.Seconds())
	if totalTokens > 0 {
		llmTokensTotal.WithLabelValues(model).Add(float64(totalTokens))
	}
}

// RecordScriptExecution records one script run with its terminal status.
func RecordScriptExecution(framework, status string, duration time.Duration) {
	scriptExecutionsTotal.WithLabelValues(framework, status).Inc()
	scriptDurationSeconds.WithLabelValues(framework).Observe(duration.Seconds())
}

// RecordApprovalResolution records an approval decision.
func RecordApprovalResolution(decision string) {
	approvalsTotal.WithLabelValues(decision).Inc()
}
