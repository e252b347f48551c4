package broadcast

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-monitor/internal/domain"
	"github.com/djlord-it/easy-monitor/internal/schedule"
	"github.com/djlord-it/easy-monitor/internal/stats"
)

const DefaultHeartbeatInterval = 10 * time.Second

type IndicatorLister interface {
	GetAllIndicators(ctx context.Context) ([]domain.Indicator, error)
}

type RunningCounter interface {
	Count() int
}

// Heartbeat periodically publishes worker counters and the countdown to the
// nearest due indicator. It runs on its own timer, independent of dispatch.
type Heartbeat struct {
	broadcaster *Broadcaster
	stats       *stats.Worker
	running     RunningCounter
	lister      IndicatorLister
	resolver    *schedule.Resolver
	interval    time.Duration
	listTimeout time.Duration
	clock       func() time.Time
	logger      *zap.Logger
}

func NewHeartbeat(b *Broadcaster, st *stats.Worker, running RunningCounter, lister IndicatorLister, resolver *schedule.Resolver, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{
		broadcaster: b,
		stats:       st,
		running:     running,
		lister:      lister,
		resolver:    resolver,
		interval:    interval,
		listTimeout: 5 * time.Second,
		clock:       time.Now,
		logger:      zap.NewNop(),
	}
}

func (h *Heartbeat) WithClock(clock func() time.Time) *Heartbeat {
	h.clock = clock
	return h
}

func (h *Heartbeat) WithLogger(logger *zap.Logger) *Heartbeat {
	h.logger = logger
	return h
}

func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Beat(ctx)
		}
	}
}

// Beat emits one worker status and, when something is scheduled, one countdown.
func (h *Heartbeat) Beat(ctx context.Context) {
	now := h.clock().UTC()
	snap := h.stats.Snapshot()

	h.broadcaster.EmitWorkerHeartbeat(domain.WorkerStatusEvent{
		UptimeSeconds:   int(snap.UptimeSeconds()),
		TotalProcessed:  snap.Processed,
		SuccessCount:    snap.Succeeded,
		FailureCount:    snap.Failed,
		CurrentActivity: Activity(h.running.Count()),
	})

	if h.lister == nil || h.resolver == nil {
		return
	}

	listCtx, cancel := context.WithTimeout(ctx, h.listTimeout)
	defer cancel()

	indicators, err := h.lister.GetAllIndicators(listCtx)
	if err != nil {
		h.logger.Debug("heartbeat: list indicators failed", zap.Error(err))
		return
	}

	next, ok := h.resolver.NearestDue(indicators, now)
	if !ok {
		return
	}
	h.broadcaster.EmitCountdown(next.Indicator.ID, next.DueAt, next.SecondsUntilDue(now))
}

// Activity describes what the worker is doing for the status event.
func Activity(running int) string {
	switch running {
	case 0:
		return "idle"
	case 1:
		return "executing 1 indicator"
	default:
		return fmt.Sprintf("executing %d indicators", running)
	}
}
