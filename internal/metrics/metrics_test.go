package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Observe(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveToolCall("sql_query", "ok", 10*time.Millisecond)
	m.ObserveToolCall("sql_query", "ok", 20*time.Millisecond)
	m.ObserveToolCall("sql_query", "authorization", time.Millisecond)
	m.ObserveVerdict("table")
	m.ObserveActionRound()
	m.ObserveTurn("completed")

	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("sql_query", "ok")); got != 2 {
		t.Fatalf("expected 2 ok calls, got %v", got)
	}
	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("sql_query", "authorization")); got != 1 {
		t.Fatalf("expected 1 denied call, got %v", got)
	}
	if got := testutil.ToFloat64(m.Verdicts.WithLabelValues("table")); got != 1 {
		t.Fatalf("expected 1 table verdict, got %v", got)
	}
	if got := testutil.ToFloat64(m.ActionRounds); got != 1 {
		t.Fatalf("expected 1 round, got %v", got)
	}
	if got := testutil.CollectAndCount(m.ToolDuration); got != 1 {
		t.Fatalf("expected 1 histogram series, got %d", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveToolCall("sql_query", "ok", time.Second)
	m.ObserveVerdict("authorized")
	m.ObserveActionRound()
	m.ObserveTurn("failed")
}
