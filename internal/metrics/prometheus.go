package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *zap.Logger

	// Dispatcher metrics
	ticksTotal             prometheus.Counter
	tickErrorsTotal        prometheus.Counter
	indicatorsDueTotal     prometheus.Counter
	executionsDispatched   prometheus.Counter
	tickDuration           prometheus.Histogram
	executionsInFlight     prometheus.Gauge
	executionsTotal        *prometheus.CounterVec
	executionDuration      *prometheus.HistogramVec
	claimConflictsTotal    prometheus.Counter
	staleExecutionsCleared prometheus.Counter

	// Broadcast metrics
	broadcastEventsTotal *prometheus.CounterVec
	bufferSize           prometheus.Gauge
	bufferCapacity       prometheus.Gauge
	bufferSaturation     prometheus.Gauge
	emitErrorsTotal      prometheus.Counter

	// Escalation metrics
	escalationsExecutedTotal  *prometheus.CounterVec
	escalationsCancelledTotal *prometheus.CounterVec
	notificationAttemptsTotal *prometheus.CounterVec
	notificationDuration      prometheus.Histogram
	circuitState              *prometheus.GaugeVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink;
// the unregistered collectors still accept updates but are never scraped.
func NewPrometheusSink(reg prometheus.Registerer, logger *zap.Logger) *PrometheusSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PrometheusSink{logger: logger}
	s.initDispatcherMetrics(reg)
	s.initBroadcastMetrics(reg)
	s.initEscalationMetrics(reg)
	return s
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easymonitor_dispatcher_ticks_total",
		Help: "Total number of dispatcher ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easymonitor_dispatcher_tick_errors_total",
		Help: "Total number of dispatcher ticks aborted by a store error.",
	})
	s.indicatorsDueTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easymonitor_dispatcher_indicators_due_total",
		Help: "Total number of indicators found due.",
	})
	s.executionsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easymonitor_dispatcher_executions_dispatched_total",
		Help: "Total number of executions started by the dispatcher.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easymonitor_dispatcher_tick_duration_seconds",
		Help:    "Duration of each dispatcher tick including the execution batch.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
	})
	s.executionsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easymonitor_executions_in_flight",
		Help: "Number of executions currently holding a dispatcher slot.",
	})
	s.executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easymonitor_executions_total",
		Help: "Total number of finished executions by outcome.",
	}, []string{"outcome"})
	s.executionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "easymonitor_execution_duration_seconds",
		Help:    "Execution duration in seconds by outcome.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 150, 300},
	}, []string{"outcome"})
	s.claimConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easymonitor_claim_conflicts_total",
		Help: "Total number of executions rejected because the indicator was already running.",
	})
	s.staleExecutionsCleared = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easymonitor_reconciler_stale_executions_cleared_total",
		Help: "Total number of stale running states cleared by the reconciler.",
	})

	s.register(reg, s.ticksTotal, "easymonitor_dispatcher_ticks_total")
	s.register(reg, s.tickErrorsTotal, "easymonitor_dispatcher_tick_errors_total")
	s.register(reg, s.indicatorsDueTotal, "easymonitor_dispatcher_indicators_due_total")
	s.register(reg, s.executionsDispatched, "easymonitor_dispatcher_executions_dispatched_total")
	s.register(reg, s.tickDuration, "easymonitor_dispatcher_tick_duration_seconds")
	s.register(reg, s.executionsInFlight, "easymonitor_executions_in_flight")
	s.register(reg, s.executionsTotal, "easymonitor_executions_total")
	s.register(reg, s.executionDuration, "easymonitor_execution_duration_seconds")
	s.register(reg, s.claimConflictsTotal, "easymonitor_claim_conflicts_total")
	s.register(reg, s.staleExecutionsCleared, "easymonitor_reconciler_stale_executions_cleared_total")
}

func (s *PrometheusSink) initBroadcastMetrics(reg prometheus.Registerer) {
	s.broadcastEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easymonitor_broadcast_events_total",
		Help: "Total number of broadcast events by event name and result (published, dropped, error).",
	}, []string{"event", "result"})
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easymonitor_broadcast_buffer_size",
		Help: "Current number of events waiting in the broadcast queue.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easymonitor_broadcast_buffer_capacity",
		Help: "Capacity of the broadcast queue.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easymonitor_broadcast_buffer_saturation",
		Help: "Broadcast queue fill ratio between 0 and 1.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easymonitor_broadcast_emit_errors_total",
		Help: "Total number of enqueue failures (queue full or closed).",
	})

	s.register(reg, s.broadcastEventsTotal, "easymonitor_broadcast_events_total")
	s.register(reg, s.bufferSize, "easymonitor_broadcast_buffer_size")
	s.register(reg, s.bufferCapacity, "easymonitor_broadcast_buffer_capacity")
	s.register(reg, s.bufferSaturation, "easymonitor_broadcast_buffer_saturation")
	s.register(reg, s.emitErrorsTotal, "easymonitor_broadcast_emit_errors_total")
}

func (s *PrometheusSink) initEscalationMetrics(reg prometheus.Registerer) {
	s.escalationsExecutedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easymonitor_escalations_executed_total",
		Help: "Total number of executed escalation levels by level and notification success.",
	}, []string{"level", "success"})
	s.escalationsCancelledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easymonitor_escalations_cancelled_total",
		Help: "Total number of cancelled escalation levels by reason.",
	}, []string{"reason"})
	s.notificationAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easymonitor_notification_attempts_total",
		Help: "Total number of notification attempts by level and status class.",
	}, []string{"level", "status_class"})
	s.notificationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easymonitor_notification_duration_seconds",
		Help:    "Notification request latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.circuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "easymonitor_circuit_state",
		Help: "Circuit breaker state per target (1 for the current state).",
	}, []string{"target", "state"})

	s.register(reg, s.escalationsExecutedTotal, "easymonitor_escalations_executed_total")
	s.register(reg, s.escalationsCancelledTotal, "easymonitor_escalations_cancelled_total")
	s.register(reg, s.notificationAttemptsTotal, "easymonitor_notification_attempts_total")
	s.register(reg, s.notificationDuration, "easymonitor_notification_duration_seconds")
	s.register(reg, s.circuitState, "easymonitor_circuit_state")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("metrics: failed to register collector", zap.String("name", name), zap.Error(err))
	}
}

// Dispatcher metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, due, dispatched int) {
	s.tickDuration.Observe(duration.Seconds())
	s.indicatorsDueTotal.Add(float64(due))
	s.executionsDispatched.Add(float64(dispatched))
}

func (s *PrometheusSink) TickError() {
	s.tickErrorsTotal.Inc()
}

func (s *PrometheusSink) ExecutionsInFlightIncr() {
	s.executionsInFlight.Inc()
}

func (s *PrometheusSink) ExecutionsInFlightDecr() {
	s.executionsInFlight.Dec()
}

// Executor metrics implementation

func (s *PrometheusSink) ExecutionCompleted(outcome string, duration time.Duration) {
	s.executionsTotal.WithLabelValues(outcome).Inc()
	s.executionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (s *PrometheusSink) ClaimConflict() {
	s.claimConflictsTotal.Inc()
}

func (s *PrometheusSink) StaleExecutionsCleared(count int) {
	s.staleExecutionsCleared.Add(float64(count))
}

// Broadcast metrics implementation

func (s *PrometheusSink) BroadcastPublished(event string) {
	s.broadcastEventsTotal.WithLabelValues(event, "published").Inc()
}

func (s *PrometheusSink) BroadcastDropped(event string) {
	s.broadcastEventsTotal.WithLabelValues(event, "dropped").Inc()
}

func (s *PrometheusSink) BroadcastError(event string) {
	s.broadcastEventsTotal.WithLabelValues(event, "error").Inc()
}

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Escalation metrics implementation

func (s *PrometheusSink) EscalationExecuted(level int, success bool) {
	s.escalationsExecutedTotal.WithLabelValues(strconv.Itoa(level), strconv.FormatBool(success)).Inc()
}

func (s *PrometheusSink) EscalationCancelled(reason string) {
	s.escalationsCancelledTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) NotificationAttempt(level int, statusClass string, duration time.Duration) {
	s.notificationAttemptsTotal.WithLabelValues(strconv.Itoa(level), statusClass).Inc()
	s.notificationDuration.Observe(duration.Seconds())
}

var circuitStates = []string{"closed", "open", "half_open"}

// CircuitStateChanged sets the gauge of the new state to 1 and the others to 0.
func (s *PrometheusSink) CircuitStateChanged(target string, state string) {
	for _, st := range circuitStates {
		v := 0.0
		if st == state {
			v = 1
		}
		s.circuitState.WithLabelValues(target, st).Set(v)
	}
}
