package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap/zaptest"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, zaptest.NewLogger(t))
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func getHistogramCount(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) uint64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return 0
}

func getGaugeVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func TestPrometheusSink_Registration(t *testing.T) {
	// Should not panic or error with a fresh registry.
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, nil)
	if sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_TickCounters(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.TickStarted()
	sink.TickStarted()
	sink.TickCompleted(100*time.Millisecond, 5, 3)
	sink.TickCompleted(50*time.Millisecond, 2, 2)
	sink.TickError()

	if val := getCounterValue(t, reg, "easymonitor_dispatcher_ticks_total"); val != 2 {
		t.Errorf("ticks_total = %v, want 2", val)
	}
	if val := getCounterValue(t, reg, "easymonitor_dispatcher_indicators_due_total"); val != 7 {
		t.Errorf("indicators_due_total = %v, want 7", val)
	}
	if val := getCounterValue(t, reg, "easymonitor_dispatcher_executions_dispatched_total"); val != 5 {
		t.Errorf("executions_dispatched_total = %v, want 5", val)
	}
	if val := getCounterValue(t, reg, "easymonitor_dispatcher_tick_errors_total"); val != 1 {
		t.Errorf("tick_errors_total = %v, want 1", val)
	}
}

func TestPrometheusSink_ExecutionOutcomes(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ExecutionCompleted("succeeded", time.Second)
	sink.ExecutionCompleted("succeeded", 2*time.Second)
	sink.ExecutionCompleted("timed_out", 300*time.Second)
	sink.ClaimConflict()

	succeeded := getCounterVecValue(t, reg, "easymonitor_executions_total",
		map[string]string{"outcome": "succeeded"})
	if succeeded != 2 {
		t.Errorf("outcome=succeeded = %v, want 2", succeeded)
	}
	timedOut := getCounterVecValue(t, reg, "easymonitor_executions_total",
		map[string]string{"outcome": "timed_out"})
	if timedOut != 1 {
		t.Errorf("outcome=timed_out = %v, want 1", timedOut)
	}
	if n := getHistogramCount(t, reg, "easymonitor_execution_duration_seconds",
		map[string]string{"outcome": "succeeded"}); n != 2 {
		t.Errorf("duration samples for succeeded = %d, want 2", n)
	}
	if val := getCounterValue(t, reg, "easymonitor_claim_conflicts_total"); val != 1 {
		t.Errorf("claim_conflicts_total = %v, want 1", val)
	}
}

func TestPrometheusSink_ExecutionsInFlight(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ExecutionsInFlightIncr()
	sink.ExecutionsInFlightIncr()
	sink.ExecutionsInFlightDecr()

	val := getGaugeValue(t, reg, "easymonitor_executions_in_flight")
	if val != 1 {
		t.Errorf("executions_in_flight = %v, want 1", val)
	}
}

func TestPrometheusSink_BroadcastMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.BroadcastPublished("WorkerStatusUpdate")
	sink.BroadcastPublished("WorkerStatusUpdate")
	sink.BroadcastDropped("IndicatorExecutionProgress")
	sink.BroadcastError("WorkerStatusUpdate")

	published := getCounterVecValue(t, reg, "easymonitor_broadcast_events_total",
		map[string]string{"event": "WorkerStatusUpdate", "result": "published"})
	if published != 2 {
		t.Errorf("published = %v, want 2", published)
	}
	dropped := getCounterVecValue(t, reg, "easymonitor_broadcast_events_total",
		map[string]string{"event": "IndicatorExecutionProgress", "result": "dropped"})
	if dropped != 1 {
		t.Errorf("dropped = %v, want 1", dropped)
	}
}

func TestPrometheusSink_BufferMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.BufferCapacitySet(100)
	sink.BufferSizeUpdate(42)
	sink.BufferSaturationUpdate(0.42)
	sink.EmitError()

	if capVal := getGaugeValue(t, reg, "easymonitor_broadcast_buffer_capacity"); capVal != 100 {
		t.Errorf("buffer_capacity = %v, want 100", capVal)
	}
	if sizeVal := getGaugeValue(t, reg, "easymonitor_broadcast_buffer_size"); sizeVal != 42 {
		t.Errorf("buffer_size = %v, want 42", sizeVal)
	}
	if satVal := getGaugeValue(t, reg, "easymonitor_broadcast_buffer_saturation"); satVal != 0.42 {
		t.Errorf("buffer_saturation = %v, want 0.42", satVal)
	}
	if errVal := getCounterValue(t, reg, "easymonitor_broadcast_emit_errors_total"); errVal != 1 {
		t.Errorf("emit_errors_total = %v, want 1", errVal)
	}
}

func TestPrometheusSink_EscalationLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EscalationExecuted(1, true)
	sink.EscalationExecuted(2, false)
	sink.EscalationCancelled("acknowledged")
	sink.NotificationAttempt(2, "5xx", 200*time.Millisecond)

	if v := getCounterVecValue(t, reg, "easymonitor_escalations_executed_total",
		map[string]string{"level": "1", "success": "true"}); v != 1 {
		t.Errorf("level=1,success=true = %v, want 1", v)
	}
	if v := getCounterVecValue(t, reg, "easymonitor_escalations_executed_total",
		map[string]string{"level": "2", "success": "false"}); v != 1 {
		t.Errorf("level=2,success=false = %v, want 1", v)
	}
	if v := getCounterVecValue(t, reg, "easymonitor_escalations_cancelled_total",
		map[string]string{"reason": "acknowledged"}); v != 1 {
		t.Errorf("reason=acknowledged = %v, want 1", v)
	}
	if v := getCounterVecValue(t, reg, "easymonitor_notification_attempts_total",
		map[string]string{"level": "2", "status_class": "5xx"}); v != 1 {
		t.Errorf("level=2,status_class=5xx = %v, want 1", v)
	}
}

func TestPrometheusSink_CircuitState(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.CircuitStateChanged("https://hooks.example.com", "open")

	open := getGaugeVecValue(t, reg, "easymonitor_circuit_state",
		map[string]string{"target": "https://hooks.example.com", "state": "open"})
	closed := getGaugeVecValue(t, reg, "easymonitor_circuit_state",
		map[string]string{"target": "https://hooks.example.com", "state": "closed"})
	if open != 1 || closed != 0 {
		t.Errorf("open=%v closed=%v, want 1 and 0", open, closed)
	}

	sink.CircuitStateChanged("https://hooks.example.com", "closed")
	open = getGaugeVecValue(t, reg, "easymonitor_circuit_state",
		map[string]string{"target": "https://hooks.example.com", "state": "open"})
	if open != 0 {
		t.Errorf("open = %v after closing, want 0", open)
	}
}

func TestPrometheusSink_StaleExecutionsCleared(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.StaleExecutionsCleared(3)
	sink.StaleExecutionsCleared(0)

	if v := getCounterValue(t, reg, "easymonitor_reconciler_stale_executions_cleared_total"); v != 3 {
		t.Errorf("stale_executions_cleared_total = %v, want 3", v)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	// Registering metrics twice with the same registry should not panic.
	// The second registration will fail, but should be handled gracefully.
	reg := prometheus.NewRegistry()

	sink1 := NewPrometheusSink(reg, zaptest.NewLogger(t))
	if sink1 == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}

	sink2 := NewPrometheusSink(reg, zaptest.NewLogger(t))
	if sink2 == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
	sink2.TickStarted()
}

// Verify PrometheusSink implements Sink interface.
var _ Sink = (*PrometheusSink)(nil)
