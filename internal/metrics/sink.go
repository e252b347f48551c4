package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// It is the union of the per-component MetricsSink interfaces.
type Sink interface {
	// Dispatcher metrics
	TickStarted()
	TickCompleted(duration time.Duration, due, dispatched int)
	TickError()
	ExecutionsInFlightIncr()
	ExecutionsInFlightDecr()

	// Executor metrics
	ExecutionCompleted(outcome string, duration time.Duration)
	ClaimConflict()

	// Broadcast metrics
	BroadcastPublished(event string)
	BroadcastDropped(event string)
	BroadcastError(event string)

	// Broadcast queue metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()

	// Escalation metrics
	EscalationExecuted(level int, success bool)
	EscalationCancelled(reason string)
	NotificationAttempt(level int, statusClass string, duration time.Duration)
	CircuitStateChanged(target string, state string)

	// Reconciler metrics
	StaleExecutionsCleared(count int)
}
