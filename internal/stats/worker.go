// Package stats keeps cumulative worker counters for the heartbeat.
package stats

import (
	"sync/atomic"
	"time"

	"github.com/djlord-it/easy-monitor/internal/domain"
)

// Worker counts executions since process start. All methods are safe for
// concurrent use.
type Worker struct {
	clock     func() time.Time
	startedAt time.Time

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	cancelled atomic.Int64
}

func NewWorker(clock func() time.Time) *Worker {
	if clock == nil {
		clock = time.Now
	}
	return &Worker{clock: clock, startedAt: clock()}
}

// Record counts one finished execution. Timeouts and cancellations are
// failures and are additionally counted on their own.
func (w *Worker) Record(outcome domain.ExecutionOutcome) {
	w.processed.Add(1)
	switch outcome {
	case domain.ExecutionOutcomeSucceeded:
		w.succeeded.Add(1)
	case domain.ExecutionOutcomeTimedOut:
		w.failed.Add(1)
		w.timedOut.Add(1)
	case domain.ExecutionOutcomeCancelled:
		w.failed.Add(1)
		w.cancelled.Add(1)
	default:
		w.failed.Add(1)
	}
}

type Snapshot struct {
	StartedAt time.Time     `json:"startedAt"`
	Uptime    time.Duration `json:"-"`
	Processed int64         `json:"totalProcessed"`
	Succeeded int64         `json:"successCount"`
	Failed    int64         `json:"failureCount"`
	TimedOut  int64         `json:"timedOutCount"`
	Cancelled int64         `json:"cancelledCount"`
}

func (s Snapshot) UptimeSeconds() int64 {
	return int64(s.Uptime / time.Second)
}

func (w *Worker) Snapshot() Snapshot {
	return Snapshot{
		StartedAt: w.startedAt,
		Uptime:    w.clock().Sub(w.startedAt),
		Processed: w.processed.Load(),
		Succeeded: w.succeeded.Load(),
		Failed:    w.failed.Load(),
		TimedOut:  w.timedOut.Load(),
		Cancelled: w.cancelled.Load(),
	}
}
