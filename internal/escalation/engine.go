// Package escalation schedules, executes and cancels alert escalation levels.
//
// Each (alert, level) row moves from Scheduled to exactly one of Executed or
// Cancelled. Three triggers drive it: the periodic sweep, acknowledgments
// and resolution. Suppression windows are consulted by the sweep.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-monitor/internal/domain"
)

var ErrAlertNotFound = errors.New("alert not found")

// ErrDuplicateEscalation is returned by stores when a pending row already
// exists for the same (alert, level).
var ErrDuplicateEscalation = errors.New("pending escalation already exists")

const (
	DefaultSweepInterval = 30 * time.Second
	DefaultBatchSize     = 100
)

var DefaultLevelDelays = []time.Duration{0, 15 * time.Minute, 60 * time.Minute}

type Store interface {
	GetAlert(ctx context.Context, id uuid.UUID) (domain.AlertLog, error)
	UpdateAlertResolution(ctx context.Context, alert domain.AlertLog) error

	InsertEscalations(ctx context.Context, rows []domain.AlertEscalation) error
	// DueEscalations returns pending rows with scheduledTime <= now ordered
	// by (alert_id, level).
	DueEscalations(ctx context.Context, now time.Time, limit int) ([]domain.AlertEscalation, error)
	MarkEscalationExecuted(ctx context.Context, id uuid.UUID, executedAt time.Time, result, errMsg string) error
	CancelEscalation(ctx context.Context, id uuid.UUID, reason domain.CancelReason) error
	// CancelPendingEscalations cancels pending rows of the alert; when from is
	// set only rows scheduled at or after it.
	CancelPendingEscalations(ctx context.Context, alertID uuid.UUID, from *time.Time, reason domain.CancelReason) (int64, error)

	InsertAcknowledgment(ctx context.Context, ack domain.AlertAcknowledgment) error
	ListAcknowledgments(ctx context.Context, alertID uuid.UUID) ([]domain.AlertAcknowledgment, error)

	ActiveSuppressionRules(ctx context.Context, now time.Time) ([]domain.AlertSuppressionRule, error)
}

// Notifier delivers one escalation level. The returned string is recorded
// as the row's execution result.
type Notifier interface {
	Notify(ctx context.Context, level int, alert domain.AlertLog) (string, error)
}

// MetricsSink defines the interface for recording escalation metrics.
type MetricsSink interface {
	EscalationExecuted(level int, success bool)
	EscalationCancelled(reason string)
}

type Config struct {
	LevelDelays   []time.Duration
	SweepInterval time.Duration
	BatchSize     int
}

type SweepStats struct {
	Due       int
	Executed  int
	Cancelled int
	Notified  int
	Failed    int
	Deferred  int
}

type Engine struct {
	config   Config
	store    Store
	notifier Notifier
	clock    func() time.Time
	logger   *zap.Logger
	metrics  MetricsSink // optional, nil = disabled
}

func New(config Config, store Store, notifier Notifier) *Engine {
	if len(config.LevelDelays) == 0 {
		config.LevelDelays = DefaultLevelDelays
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	return &Engine{
		config:   config,
		store:    store,
		notifier: notifier,
		clock:    time.Now,
		logger:   zap.NewNop(),
	}
}

func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func (e *Engine) WithLogger(logger *zap.Logger) *Engine {
	e.logger = logger
	return e
}

// WithMetrics attaches a metrics sink to the engine.
func (e *Engine) WithMetrics(sink MetricsSink) *Engine {
	e.metrics = sink
	return e
}

// Raise schedules every escalation level for a new alert. It reports
// suppressed=true, and schedules nothing, when an active rule with
// SuppressCreation matches the alert.
func (e *Engine) Raise(ctx context.Context, alert domain.AlertLog) (bool, error) {
	now := e.clock().UTC()

	rules, err := e.store.ActiveSuppressionRules(ctx, now)
	if err != nil {
		return false, fmt.Errorf("load suppression rules: %w", err)
	}
	for _, rule := range rules {
		if rule.SuppressCreation && rule.Covers(now) && rule.Matches(alert) {
			e.logger.Info("alert escalation suppressed at creation",
				zap.String("alert_id", alert.ID.String()),
				zap.Int64("indicator_id", alert.IndicatorID),
				zap.Int64("rule_id", rule.ID),
				zap.String("rule", rule.Name),
			)
			return true, nil
		}
	}

	triggeredAt := alert.TriggeredAt
	if triggeredAt.IsZero() {
		triggeredAt = now
	}

	rows := make([]domain.AlertEscalation, 0, len(e.config.LevelDelays))
	for i, delay := range e.config.LevelDelays {
		rows = append(rows, domain.AlertEscalation{
			ID:            uuid.New(),
			AlertID:       alert.ID,
			Level:         i + 1,
			ScheduledTime: triggeredAt.Add(delay).UTC(),
		})
	}

	if err := e.store.InsertEscalations(ctx, rows); err != nil {
		if errors.Is(err, ErrDuplicateEscalation) {
			return false, nil
		}
		return false, fmt.Errorf("insert escalations: %w", err)
	}

	e.logger.Info("alert escalation scheduled",
		zap.String("alert_id", alert.ID.String()),
		zap.Int64("indicator_id", alert.IndicatorID),
		zap.Int("levels", len(rows)),
	)
	return false, nil
}

// Run sweeps until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()

	e.logger.Info("escalation sweep started", zap.Duration("interval", e.config.SweepInterval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("escalation sweep stopped")
			return ctx.Err()
		case <-ticker.C:
			stats, err := e.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Error("escalation sweep failed", zap.Error(err))
				}
				continue
			}
			if stats.Due > 0 {
				e.logger.Info("escalation sweep completed",
					zap.Int("due", stats.Due),
					zap.Int("executed", stats.Executed),
					zap.Int("cancelled", stats.Cancelled),
					zap.Int("notify_failed", stats.Failed),
					zap.Int("deferred", stats.Deferred),
				)
			}
		}
	}
}

type alertState struct {
	alert domain.AlertLog
	acks  []domain.AlertAcknowledgment
	err   error

	// blocked is set when a lower level could not be settled this sweep.
	blocked bool
}

// Sweep settles every due pending row: it is either executed or cancelled.
// A level is never executed while a lower level of the same alert is still
// pending; such rows are deferred to the next sweep.
func (e *Engine) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := e.clock().UTC()

	due, err := e.store.DueEscalations(ctx, now, e.config.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("load due escalations: %w", err)
	}
	stats.Due = len(due)
	if len(due) == 0 {
		return stats, nil
	}

	rules, err := e.store.ActiveSuppressionRules(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("load suppression rules: %w", err)
	}

	alerts := make(map[uuid.UUID]*alertState)
	for _, row := range due {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		st, ok := alerts[row.AlertID]
		if !ok {
			st = e.loadAlert(ctx, row.AlertID)
			alerts[row.AlertID] = st
		}
		if st.err != nil || st.blocked {
			stats.Deferred++
			continue
		}

		if err := e.settle(ctx, row, st, rules, now, &stats); err != nil {
			e.logger.Warn("escalation row not settled",
				zap.String("alert_id", row.AlertID.String()),
				zap.Int("level", row.Level),
				zap.Error(err),
			)
			st.blocked = true
			stats.Deferred++
		}
	}
	return stats, nil
}

func (e *Engine) loadAlert(ctx context.Context, id uuid.UUID) *alertState {
	alert, err := e.store.GetAlert(ctx, id)
	if err != nil {
		e.logger.Warn("escalation: load alert failed", zap.String("alert_id", id.String()), zap.Error(err))
		return &alertState{err: err}
	}
	acks, err := e.store.ListAcknowledgments(ctx, id)
	if err != nil {
		e.logger.Warn("escalation: load acknowledgments failed", zap.String("alert_id", id.String()), zap.Error(err))
		return &alertState{err: err}
	}
	return &alertState{alert: alert, acks: acks}
}

func (e *Engine) settle(ctx context.Context, row domain.AlertEscalation, st *alertState, rules []domain.AlertSuppressionRule, now time.Time, stats *SweepStats) error {
	d := decide(st.alert, st.acks, rules, now)

	if d.Action == ActionCancel {
		if err := e.store.CancelEscalation(ctx, row.ID, d.Reason); err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		stats.Cancelled++
		if e.metrics != nil {
			e.metrics.EscalationCancelled(string(d.Reason))
		}
		e.logger.Info("escalation cancelled",
			zap.String("alert_id", row.AlertID.String()),
			zap.Int("level", row.Level),
			zap.String("reason", string(d.Reason)),
		)
		return nil
	}

	result, notifyErr := e.notifier.Notify(ctx, row.Level, st.alert)
	errMsg := ""
	if notifyErr != nil {
		errMsg = notifyErr.Error()
	}

	if err := e.store.MarkEscalationExecuted(ctx, row.ID, now, result, errMsg); err != nil {
		return fmt.Errorf("mark executed: %w", err)
	}

	stats.Executed++
	if notifyErr != nil {
		stats.Failed++
		e.logger.Warn("escalation notification failed",
			zap.String("alert_id", row.AlertID.String()),
			zap.Int("level", row.Level),
			zap.Error(notifyErr),
		)
	} else {
		stats.Notified++
		e.logger.Info("escalation executed",
			zap.String("alert_id", row.AlertID.String()),
			zap.Int("level", row.Level),
			zap.String("result", result),
		)
	}
	if e.metrics != nil {
		e.metrics.EscalationExecuted(row.Level, notifyErr == nil)
	}
	return nil
}

// Acknowledge records an acknowledgment. With stopEscalation every pending
// level is cancelled, overdue ones included.
func (e *Engine) Acknowledge(ctx context.Context, alertID uuid.UUID, by string, stopEscalation bool, comment string) (domain.AlertAcknowledgment, int64, error) {
	if _, err := e.store.GetAlert(ctx, alertID); err != nil {
		return domain.AlertAcknowledgment{}, 0, err
	}

	ack := domain.AlertAcknowledgment{
		ID:             uuid.New(),
		AlertID:        alertID,
		AcknowledgedBy: by,
		AcknowledgedAt: e.clock().UTC(),
		StopEscalation: stopEscalation,
		Comment:        comment,
	}
	if err := e.store.InsertAcknowledgment(ctx, ack); err != nil {
		return domain.AlertAcknowledgment{}, 0, fmt.Errorf("insert acknowledgment: %w", err)
	}

	if !stopEscalation {
		return ack, 0, nil
	}

	n, err := e.store.CancelPendingEscalations(ctx, alertID, nil, domain.CancelReasonAcknowledged)
	if err != nil {
		return ack, 0, fmt.Errorf("cancel pending escalations: %w", err)
	}
	e.recordBulkCancel(domain.CancelReasonAcknowledged, n)

	e.logger.Info("alert acknowledged",
		zap.String("alert_id", alertID.String()),
		zap.String("by", by),
		zap.Int64("cancelled_levels", n),
	)
	return ack, n, nil
}

// Resolve marks the alert resolved and cancels every pending level.
// Resolving a resolved alert keeps the first resolution.
func (e *Engine) Resolve(ctx context.Context, alertID uuid.UUID, by string) (domain.AlertLog, int64, error) {
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return domain.AlertLog{}, 0, err
	}

	if alert.Resolve(by, e.clock()) {
		if err := e.store.UpdateAlertResolution(ctx, alert); err != nil {
			return alert, 0, fmt.Errorf("update alert: %w", err)
		}
	}

	n, err := e.store.CancelPendingEscalations(ctx, alertID, nil, domain.CancelReasonResolved)
	if err != nil {
		return alert, 0, fmt.Errorf("cancel pending escalations: %w", err)
	}
	e.recordBulkCancel(domain.CancelReasonResolved, n)

	e.logger.Info("alert resolved",
		zap.String("alert_id", alertID.String()),
		zap.String("by", alert.ResolvedBy),
		zap.Int64("cancelled_levels", n),
	)
	return alert, n, nil
}

func (e *Engine) recordBulkCancel(reason domain.CancelReason, n int64) {
	if e.metrics == nil {
		return
	}
	for i := int64(0); i < n; i++ {
		e.metrics.EscalationCancelled(string(reason))
	}
}
