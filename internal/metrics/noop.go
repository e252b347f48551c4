package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                       {}
func (n *NoopSink) TickCompleted(duration time.Duration, due, dispatched int)          {}
func (n *NoopSink) TickError()                                                         {}
func (n *NoopSink) ExecutionsInFlightIncr()                                            {}
func (n *NoopSink) ExecutionsInFlightDecr()                                            {}
func (n *NoopSink) ExecutionCompleted(outcome string, duration time.Duration)          {}
func (n *NoopSink) ClaimConflict()                                                     {}
func (n *NoopSink) BroadcastPublished(event string)                                    {}
func (n *NoopSink) BroadcastDropped(event string)                                      {}
func (n *NoopSink) BroadcastError(event string)                                        {}
func (n *NoopSink) BufferSizeUpdate(size int)                                          {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                     {}
func (n *NoopSink) BufferSaturationUpdate(saturation float64)                          {}
func (n *NoopSink) EmitError()                                                         {}
func (n *NoopSink) EscalationExecuted(level int, success bool)                         {}
func (n *NoopSink) EscalationCancelled(reason string)                                  {}
func (n *NoopSink) NotificationAttempt(level int, statusClass string, d time.Duration) {}
func (n *NoopSink) CircuitStateChanged(target string, state string)                    {}
func (n *NoopSink) StaleExecutionsCleared(count int)                                   {}
