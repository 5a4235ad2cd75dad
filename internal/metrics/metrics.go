// Package metrics holds the Prometheus collectors for the service.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sql_guard"

// Metrics groups every collector the service exports.
type Metrics struct {
	ToolCalls    *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec
	Verdicts     *prometheus.CounterVec
	ActionRounds prometheus.Counter
	Turns        *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
// Pass prometheus.NewRegistry() in tests to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ToolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Tool calls handled, by function and outcome.",
			},
			[]string{"function", "outcome"},
		),
		ToolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_call_duration_seconds",
				Help:      "Time from decoding a tool call to producing its envelope.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"function"},
		),
		Verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_verdicts_total",
				Help:      "SQL validation verdicts, by result (authorized or violation kind).",
			},
			[]string{"result"},
		),
		ActionRounds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_rounds_total",
				Help:      "Tool output submissions made to the agent backend.",
			},
		),
		Turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Agent turns finished, by terminal status.",
			},
			[]string{"status"},
		),
	}
	reg.MustRegister(m.ToolCalls, m.ToolDuration, m.Verdicts, m.ActionRounds, m.Turns)
	return m
}

// ObserveToolCall records one handled call. outcome is "ok" or the error kind.
func (m *Metrics) ObserveToolCall(function, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(function, outcome).Inc()
	m.ToolDuration.WithLabelValues(function).Observe(d.Seconds())
}

// ObserveVerdict records one validation result.
func (m *Metrics) ObserveVerdict(result string) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(result).Inc()
}

// ObserveActionRound records one tool output submission.
func (m *Metrics) ObserveActionRound() {
	if m == nil {
		return
	}
	m.ActionRounds.Inc()
}

// ObserveTurn records a finished turn.
func (m *Metrics) ObserveTurn(status string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(status).Inc()
}
