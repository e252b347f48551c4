// Package executor runs a single indicator check end to end.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-monitor/internal/domain"
	"github.com/djlord-it/easy-monitor/internal/execstate"
)

// ErrTimedOut is returned by RunCheck implementations that detect their own
// deadline. The driver classifies on the context, so returning it is optional.
var ErrTimedOut = errors.New(domain.TimedOutMessage)

var errPanicked = errors.New("check panicked")

const DefaultTimeout = 300 * time.Second

// finalWriteTimeout bounds the writes that follow a successful check. They
// run detached from the caller's context so shutdown does not drop them.
const finalWriteTimeout = 10 * time.Second

// ProgressFunc reports a milestone of a running check. Safe to call after
// the execution finished; late reports are dropped.
type ProgressFunc func(percent int, step string)

type CheckRequest struct {
	Indicator domain.Indicator
	Context   domain.ExecutionContext

	// Persist is false for test runs: nothing may be written.
	Persist bool

	Progress ProgressFunc
}

// CheckRunner performs the actual metric query and comparison. The deadline
// is carried by ctx.
type CheckRunner interface {
	RunCheck(ctx context.Context, req CheckRequest) (domain.CheckResult, error)
}

type Store interface {
	UpdateLastRun(ctx context.Context, indicatorID int64, at time.Time) error
}

// Broadcaster must never block.
type Broadcaster interface {
	EmitProgress(ind domain.Indicator, percent int, step string, startedAt time.Time)
	EmitCompleted(ind domain.Indicator, result domain.ExecutionResult)
}

// AlertSink receives alerts raised by successful checks.
type AlertSink interface {
	Raise(ctx context.Context, alert domain.AlertLog) (suppressed bool, err error)
}

type AnalyticsSink interface {
	Record(ctx context.Context, result domain.ExecutionResult)
}

// MetricsSink defines the interface for recording execution metrics.
// All methods must be non-blocking.
type MetricsSink interface {
	ExecutionCompleted(outcome string, duration time.Duration)
	ClaimConflict()
}

type StatsRecorder interface {
	Record(outcome domain.ExecutionOutcome)
}

type Driver struct {
	tracker *execstate.Tracker
	runner  CheckRunner
	store   Store
	timeout time.Duration
	clock   func() time.Time
	logger  *zap.Logger

	broadcaster Broadcaster   // optional
	alerts      AlertSink     // optional
	analytics   AnalyticsSink // optional
	metrics     MetricsSink   // optional
	stats       StatsRecorder // optional
}

func New(tracker *execstate.Tracker, runner CheckRunner, store Store, timeout time.Duration) *Driver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Driver{
		tracker: tracker,
		runner:  runner,
		store:   store,
		timeout: timeout,
		clock:   time.Now,
		logger:  zap.NewNop(),
	}
}

func (d *Driver) WithClock(clock func() time.Time) *Driver {
	d.clock = clock
	return d
}

func (d *Driver) WithLogger(logger *zap.Logger) *Driver {
	d.logger = logger
	return d
}

func (d *Driver) WithBroadcaster(b Broadcaster) *Driver {
	d.broadcaster = b
	return d
}

func (d *Driver) WithAlerts(sink AlertSink) *Driver {
	d.alerts = sink
	return d
}

func (d *Driver) WithAnalytics(sink AnalyticsSink) *Driver {
	d.analytics = sink
	return d
}

// WithMetrics attaches a metrics sink to the driver.
func (d *Driver) WithMetrics(sink MetricsSink) *Driver {
	d.metrics = sink
	return d
}

func (d *Driver) WithStats(s StatsRecorder) *Driver {
	d.stats = s
	return d
}

type checkOutcome struct {
	result domain.CheckResult
	err    error
}

// Execute claims the indicator, runs its check under the configured timeout
// and classifies the outcome. It returns execstate.ErrClaimConflict when the
// indicator is already running, and the context error when ctx was cancelled
// before the check finished. Every other outcome, failures included, is
// reported through the result with a nil error.
func (d *Driver) Execute(ctx context.Context, ind domain.Indicator, execCtx domain.ExecutionContext) (result domain.ExecutionResult, err error) {
	state, ok := d.tracker.TryClaim(ind, execCtx)
	if !ok {
		d.logger.Debug("indicator already running, skipping", zap.Int64("indicator_id", ind.ID))
		if d.metrics != nil {
			d.metrics.ClaimConflict()
		}
		return domain.ExecutionResult{}, execstate.ErrClaimConflict
	}

	startedAt := *state.StartedAt
	result = domain.ExecutionResult{
		IndicatorID: ind.ID,
		Context:     execCtx,
		StartedAt:   startedAt,
	}

	var finished atomic.Bool
	defer func() {
		if r := recover(); r != nil {
			result.Outcome = domain.ExecutionOutcomeFailed
			result.WasSuccessful = false
			result.ErrorMessage = fmt.Sprintf("%v: %v", errPanicked, r)
			err = nil
		}
		finished.Store(true)
		d.finish(ind, &result)
	}()

	progress := func(percent int, step string) {
		if finished.Load() || d.broadcaster == nil {
			return
		}
		d.broadcaster.EmitProgress(ind, percent, step, startedAt)
	}

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	progress(10, "connecting")

	req := CheckRequest{
		Indicator: ind,
		Context:   execCtx,
		Persist:   execCtx != domain.ExecutionContextTest,
		Progress:  progress,
	}

	done := make(chan checkOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- checkOutcome{err: fmt.Errorf("%w: %v", errPanicked, r)}
			}
		}()
		res, runErr := d.runner.RunCheck(runCtx, req)
		done <- checkOutcome{result: res, err: runErr}
	}()

	var out checkOutcome
	received := false
	select {
	case out = <-done:
		received = true
	case <-runCtx.Done():
	}

	switch {
	case received && out.err == nil && out.result.Success:
		progress(100, "finalizing")
		d.succeed(ctx, ind, req.Persist, out.result, &result)
		return result, nil

	case ctx.Err() != nil:
		result.Outcome = domain.ExecutionOutcomeCancelled
		result.ErrorMessage = "execution cancelled"
		return result, ctx.Err()

	case errors.Is(runCtx.Err(), context.DeadlineExceeded), errors.Is(out.err, ErrTimedOut):
		result.Outcome = domain.ExecutionOutcomeTimedOut
		result.ErrorMessage = domain.TimedOutMessage
		return result, nil

	case out.err != nil:
		result.Outcome = domain.ExecutionOutcomeFailed
		result.ErrorMessage = out.err.Error()
		return result, nil

	default:
		result.Outcome = domain.ExecutionOutcomeFailed
		result.ErrorMessage = out.result.ErrorMessage
		if result.ErrorMessage == "" {
			result.ErrorMessage = "check reported failure"
		}
		return result, nil
	}
}

func (d *Driver) succeed(ctx context.Context, ind domain.Indicator, persist bool, check domain.CheckResult, result *domain.ExecutionResult) {
	result.Outcome = domain.ExecutionOutcomeSucceeded
	result.WasSuccessful = true
	result.CurrentValue = check.CurrentValue
	result.HistoricalValue = check.HistoricalValue
	if check.CurrentValue != nil && check.HistoricalValue != nil {
		result.Deviation = domain.DeviationPercent(*check.CurrentValue, *check.HistoricalValue)
	}

	if !persist {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()

	if err := d.store.UpdateLastRun(ctx, ind.ID, result.StartedAt); err != nil {
		d.logger.Warn("update last run failed",
			zap.Int64("indicator_id", ind.ID),
			zap.Error(err),
		)
	}

	if check.Alert != nil && d.alerts != nil {
		suppressed, err := d.alerts.Raise(ctx, *check.Alert)
		switch {
		case err != nil:
			d.logger.Warn("raise alert failed",
				zap.Int64("indicator_id", ind.ID),
				zap.String("alert_id", check.Alert.ID.String()),
				zap.Error(err),
			)
		case suppressed:
			d.logger.Info("alert suppressed",
				zap.Int64("indicator_id", ind.ID),
				zap.String("alert_id", check.Alert.ID.String()),
			)
		}
	}
}

// finish runs on every path once a claim is held.
func (d *Driver) finish(ind domain.Indicator, result *domain.ExecutionResult) {
	result.CompletedAt = d.clock().UTC()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	d.tracker.Release(ind.ID)

	if d.broadcaster != nil {
		d.broadcaster.EmitCompleted(ind, *result)
	}
	if d.stats != nil {
		d.stats.Record(result.Outcome)
	}
	if d.metrics != nil {
		d.metrics.ExecutionCompleted(string(result.Outcome), result.Duration)
	}
	if d.analytics != nil {
		d.analytics.Record(context.Background(), *result)
	}

	fields := []zap.Field{
		zap.Int64("indicator_id", ind.ID),
		zap.String("indicator", ind.Name),
		zap.String("outcome", string(result.Outcome)),
		zap.String("context", string(result.Context)),
		zap.Duration("duration", result.Duration),
	}
	if result.WasSuccessful {
		d.logger.Info("execution completed", fields...)
		return
	}
	d.logger.Warn("execution failed", append(fields, zap.String("error", result.ErrorMessage))...)
}
