// Package dispatcher runs the polling loop that fans due indicators out to
// the execution driver under a concurrency cap.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/djlord-it/easy-monitor/internal/domain"
	"github.com/djlord-it/easy-monitor/internal/execstate"
)

const (
	DefaultTickInterval = 30 * time.Second
	DefaultMaxParallel  = 5
)

type Source interface {
	GetDueIndicators(ctx context.Context, now time.Time) ([]domain.Indicator, error)
}

type Executor interface {
	Execute(ctx context.Context, ind domain.Indicator, execCtx domain.ExecutionContext) (domain.ExecutionResult, error)
}

type RunningChecker interface {
	IsRunning(indicatorID int64) bool
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, due, dispatched int)
	TickError()
	ExecutionsInFlightIncr()
	ExecutionsInFlightDecr()
}

type Config struct {
	TickInterval time.Duration
	MaxParallel  int

	// SkipRunning drops indicators the tracker reports as running before
	// dispatch. When false they are dispatched and lose the claim instead.
	SkipRunning bool
	ActiveOnly  bool
}

// TickStats summarizes one tick.
type TickStats struct {
	Due        int
	Dispatched int
	Skipped    int
	Conflicts  int
	Succeeded  int
	Failed     int
	TimedOut   int
	Cancelled  int
}

func (s TickStats) empty() bool {
	return s.Due == 0 && s.Dispatched == 0
}

type Dispatcher struct {
	config   Config
	source   Source
	executor Executor
	running  RunningChecker
	sem      *semaphore.Weighted
	clock    func() time.Time
	logger   *zap.Logger
	metrics  MetricsSink // optional, nil = disabled
}

func New(config Config, source Source, executor Executor, running RunningChecker) *Dispatcher {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.MaxParallel <= 0 {
		config.MaxParallel = DefaultMaxParallel
	}
	return &Dispatcher{
		config:   config,
		source:   source,
		executor: executor,
		running:  running,
		sem:      semaphore.NewWeighted(int64(config.MaxParallel)),
		clock:    time.Now,
		logger:   zap.NewNop(),
	}
}

func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

func (d *Dispatcher) WithLogger(logger *zap.Logger) *Dispatcher {
	d.logger = logger
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// Run ticks until ctx is cancelled. The first tick runs immediately. On
// cancellation in-flight executions are cancelled and awaited before Run
// returns ctx.Err().
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.config.TickInterval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started",
		zap.Duration("tick", d.config.TickInterval),
		zap.Int("max_parallel", d.config.MaxParallel),
		zap.Bool("skip_running", d.config.SkipRunning),
		zap.Bool("active_only", d.config.ActiveOnly),
	)

	for {
		d.tick(ctx)

		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	start := time.Now()
	if d.metrics != nil {
		d.metrics.TickStarted()
	}

	stats, err := d.ProcessTick(ctx)

	if d.metrics != nil {
		d.metrics.TickCompleted(time.Since(start), stats.Due, stats.Dispatched)
	}

	if err != nil && ctx.Err() == nil {
		d.logger.Error("tick failed", zap.Error(err))
		if d.metrics != nil {
			d.metrics.TickError()
		}
		return
	}
	if stats.empty() {
		return
	}
	d.logger.Info("tick completed",
		zap.Int("due", stats.Due),
		zap.Int("dispatched", stats.Dispatched),
		zap.Int("skipped", stats.Skipped),
		zap.Int("conflicts", stats.Conflicts),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("timed_out", stats.TimedOut),
		zap.Int("cancelled", stats.Cancelled),
		zap.Duration("took", time.Since(start)),
	)
}

// ProcessTick runs one poll-filter-dispatch cycle and waits for the whole
// batch to finish.
func (d *Dispatcher) ProcessTick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	now := d.clock().UTC()

	due, err := d.source.GetDueIndicators(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("get due indicators: %w", err)
	}
	stats.Due = len(due)

	batch := d.filter(due, &stats)
	if len(batch) == 0 {
		return stats, nil
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, ind := range batch {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			break
		}
		stats.Dispatched++

		wg.Add(1)
		go func(ind domain.Indicator) {
			defer wg.Done()
			defer d.sem.Release(1)

			res, err := d.execute(ctx, ind)

			mu.Lock()
			defer mu.Unlock()
			stats.record(res, err)
		}(ind)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

func (d *Dispatcher) filter(due []domain.Indicator, stats *TickStats) []domain.Indicator {
	batch := make([]domain.Indicator, 0, len(due))
	for _, ind := range due {
		if d.config.ActiveOnly && !ind.IsActive {
			stats.Skipped++
			continue
		}
		if d.config.SkipRunning && d.running != nil && d.running.IsRunning(ind.ID) {
			stats.Skipped++
			continue
		}
		batch = append(batch, ind)
	}
	return batch
}

// execute isolates one indicator: a panic here never reaches the loop.
func (d *Dispatcher) execute(ctx context.Context, ind domain.Indicator) (res domain.ExecutionResult, err error) {
	if d.metrics != nil {
		d.metrics.ExecutionsInFlightIncr()
		defer d.metrics.ExecutionsInFlightDecr()
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("execution panicked",
				zap.Int64("indicator_id", ind.ID),
				zap.String("indicator", ind.Name),
				zap.Any("panic", r),
			)
			res = domain.ExecutionResult{IndicatorID: ind.ID, Outcome: domain.ExecutionOutcomeFailed}
			err = nil
		}
	}()

	return d.executor.Execute(ctx, ind, domain.ExecutionContextScheduled)
}

func (s *TickStats) record(res domain.ExecutionResult, err error) {
	if errors.Is(err, execstate.ErrClaimConflict) {
		s.Conflicts++
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.Cancelled++
		return
	}
	switch res.Outcome {
	case domain.ExecutionOutcomeSucceeded:
		s.Succeeded++
	case domain.ExecutionOutcomeTimedOut:
		s.TimedOut++
	case domain.ExecutionOutcomeCancelled:
		s.Cancelled++
	default:
		s.Failed++
	}
}
