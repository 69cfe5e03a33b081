package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	// ModelCalls counts provider completions.
	// Labels: provider, model, status (success|error)
	ModelCalls *prometheus.CounterVec

	// ModelCallDuration measures provider completion latency in seconds.
	// Labels: provider, model
	ModelCallDuration *prometheus.HistogramVec

	// TokensUsed counts tokens by direction.
	// Labels: provider, model, type (input|output)
	TokensUsed *prometheus.CounterVec

	// ToolExecutions counts tool calls.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool call latency in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// PermissionDecisions counts authorization outcomes.
	// Labels: resolution (approve_once|trust_call|trust_tool|deny)
	PermissionDecisions *prometheus.CounterVec

	// Errors counts turn errors.
	// Labels: code
	Errors *prometheus.CounterVec

	// ActiveTurns gauges turns currently in flight.
	ActiveTurns prometheus.Gauge

	// ContextPacks counts context window packing passes.
	ContextPacks prometheus.Counter
}

// NewMetrics registers the engine collectors with reg. A nil reg uses
// the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ModelCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_model_calls_total",
				Help: "Provider completions by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		ModelCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_model_call_duration_seconds",
				Help:    "Provider completion latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tokens_total",
				Help: "Tokens consumed by provider, model, and direction",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tool_executions_total",
				Help: "Tool calls by tool name and status",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_tool_execution_duration_seconds",
				Help:    "Tool call latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		PermissionDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_permission_decisions_total",
				Help: "Authorization outcomes by resolution",
			},
			[]string{"resolution"},
		),
		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_errors_total",
				Help: "Turn errors by code",
			},
			[]string{"code"},
		),
		ActiveTurns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_active_turns",
				Help: "Turns currently in flight",
			},
		),
		ContextPacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_context_packs_total",
				Help: "Context window packing passes",
			},
		),
	}
}

// ObserveModelCall records one completed provider call.
func (m *Metrics) ObserveModelCall(provider, model string, elapsed time.Duration, inputTokens, outputTokens int, failed bool) {
	status := "success"
	if failed {
		status = "error"
	}
	m.ModelCalls.WithLabelValues(provider, model, status).Inc()
	m.ModelCallDuration.WithLabelValues(provider, model).Observe(elapsed.Seconds())
	if inputTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// ObserveToolExecution records one finished tool call.
func (m *Metrics) ObserveToolExecution(tool string, elapsed time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// Handler returns the scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ServeMetrics serves /metrics on addr until the server errors. It is
// meant to run in its own goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}
