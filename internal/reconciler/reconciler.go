// Package reconciler clears execution state left behind by a crashed process.
//
// The tracker mirrors each claim onto the indicator row. If the process dies
// mid-execution the row keeps saying "running" forever. The reconciler
// periodically finds such rows, skips the ones this process actually holds,
// and resets the rest.
package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-monitor/internal/domain"
)

// Store defines the interface for finding and clearing stale running state.
type Store interface {
	GetStaleRunning(ctx context.Context, olderThan time.Time, limit int) ([]domain.Indicator, error)
	// ClearStaleExecution resets the row only if it still carries startedAt.
	ClearStaleExecution(ctx context.Context, indicatorID int64, startedAt time.Time) (bool, error)
}

// RunningChecker reports claims held by this process.
type RunningChecker interface {
	IsRunning(indicatorID int64) bool
}

// MetricsSink defines the interface for recording reconciler metrics.
type MetricsSink interface {
	StaleExecutionsCleared(count int)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is the age after which a running row is considered stale.
	// Default: 10 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of rows to process per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

// ThresholdFor returns twice the execution timeout, never less than ten minutes.
func ThresholdFor(executionTimeout time.Duration) time.Duration {
	t := 2 * executionTimeout
	if t < 10*time.Minute {
		return 10 * time.Minute
	}
	return t
}

type CycleStats struct {
	Found   int
	Cleared int
	Skipped int
	Failed  int
}

type Reconciler struct {
	config  Config
	store   Store
	running RunningChecker
	clock   func() time.Time
	logger  *zap.Logger
	metrics MetricsSink // optional, nil = disabled
}

func New(config Config, store Store, running RunningChecker) *Reconciler {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	return &Reconciler{
		config:  config,
		store:   store,
		running: running,
		clock:   time.Now,
		logger:  zap.NewNop(),
	}
}

func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

func (r *Reconciler) WithLogger(logger *zap.Logger) *Reconciler {
	r.logger = logger
	return r
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started",
		zap.Duration("interval", r.config.Interval),
		zap.Duration("threshold", r.config.Threshold),
		zap.Int("batch", r.config.BatchSize))

	// Run immediately on startup, then on ticker
	r.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle executes one reconciliation cycle.
func (r *Reconciler) RunCycle(ctx context.Context) CycleStats {
	var stats CycleStats
	now := r.clock().UTC()
	olderThan := now.Add(-r.config.Threshold)

	stale, err := r.store.GetStaleRunning(ctx, olderThan, r.config.BatchSize)
	if err != nil {
		// Retried next interval.
		r.logger.Error("reconciler: fetch stale executions failed", zap.Error(err))
		return stats
	}
	stats.Found = len(stale)
	if len(stale) == 0 {
		return stats
	}

	for _, ind := range stale {
		if ctx.Err() != nil {
			r.logger.Info("reconciler: cycle interrupted",
				zap.Int("processed", stats.Cleared+stats.Skipped+stats.Failed),
				zap.Int("found", stats.Found))
			return stats
		}

		if r.running != nil && r.running.IsRunning(ind.ID) {
			stats.Skipped++
			continue
		}
		if ind.Execution.StartedAt == nil {
			stats.Skipped++
			continue
		}

		cleared, err := r.store.ClearStaleExecution(ctx, ind.ID, *ind.Execution.StartedAt)
		if err != nil {
			r.logger.Warn("reconciler: clear failed",
				zap.Int64("indicator_id", ind.ID),
				zap.String("indicator", ind.Name),
				zap.Error(err))
			stats.Failed++
			continue
		}
		if !cleared {
			stats.Skipped++
			continue
		}

		r.logger.Info("reconciler: cleared stale execution",
			zap.Int64("indicator_id", ind.ID),
			zap.String("indicator", ind.Name),
			zap.String("context", string(ind.Execution.Context)),
			zap.Duration("age", now.Sub(*ind.Execution.StartedAt).Round(time.Second)))
		stats.Cleared++
	}

	if r.metrics != nil && stats.Cleared > 0 {
		r.metrics.StaleExecutionsCleared(stats.Cleared)
	}
	r.logger.Info("reconciler: cycle complete",
		zap.Int("cleared", stats.Cleared),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed))
	return stats
}
