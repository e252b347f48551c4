// Package checker is the default check runner: it calls the indicator's
// stored function, compares the result against the threshold and records
// an alert when the threshold is breached.
package checker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-monitor/internal/domain"
	"github.com/djlord-it/easy-monitor/internal/executor"
)

// AlertStore persists breach alerts.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert domain.AlertLog) error
}

type Runner struct {
	db     *sql.DB
	alerts AlertStore
	clock  func() time.Time
	logger *zap.Logger
}

func New(db *sql.DB, alerts AlertStore) *Runner {
	return &Runner{
		db:     db,
		alerts: alerts,
		clock:  time.Now,
		logger: zap.NewNop(),
	}
}

func (r *Runner) WithClock(clock func() time.Time) *Runner {
	r.clock = clock
	return r
}

func (r *Runner) WithLogger(logger *zap.Logger) *Runner {
	r.logger = logger
	return r
}

// procedureQuery builds the call for a stored function returning
// (current_value, historical_value). The name is quoted as an identifier.
func procedureQuery(procedure string) string {
	return fmt.Sprintf("SELECT current_value, historical_value FROM %s($1)", pq.QuoteIdentifier(procedure))
}

// RunCheck reports a failed result, not an error, when the procedure yields
// no usable value. Errors are reserved for query and persistence failures.
func (r *Runner) RunCheck(ctx context.Context, req executor.CheckRequest) (domain.CheckResult, error) {
	ind := req.Indicator
	progress := req.Progress
	if progress == nil {
		progress = func(int, string) {}
	}

	if ind.Procedure == "" {
		return domain.CheckResult{ErrorMessage: "indicator has no procedure configured"}, nil
	}

	progress(40, "querying")

	var current, historical decimal.NullDecimal
	err := r.db.QueryRowContext(ctx, procedureQuery(ind.Procedure), ind.ID).Scan(&current, &historical)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CheckResult{ErrorMessage: "procedure returned no rows"}, nil
	}
	if err != nil {
		return domain.CheckResult{}, fmt.Errorf("run procedure %s: %w", ind.Procedure, err)
	}
	if !current.Valid {
		return domain.CheckResult{ErrorMessage: "procedure returned no current value"}, nil
	}
	if !historical.Valid {
		historical = decimal.NewNullDecimal(decimal.Zero)
	}

	progress(80, "processing")

	cur, hist := current.Decimal, historical.Decimal
	result := domain.CheckResult{
		Success:         true,
		CurrentValue:    &cur,
		HistoricalValue: &hist,
	}

	breached, err := ind.Threshold.Breached(cur, hist)
	if err != nil {
		return domain.CheckResult{ErrorMessage: err.Error()}, nil
	}
	if !breached {
		return result, nil
	}

	alert := newAlert(ind, cur, hist, r.clock().UTC())
	if !req.Persist {
		r.logger.Debug("threshold breached during test run, alert not recorded",
			zap.Int64("indicator_id", ind.ID),
			zap.String("indicator", ind.Name))
		return result, nil
	}

	if err := r.alerts.InsertAlert(ctx, alert); err != nil {
		return domain.CheckResult{}, fmt.Errorf("record alert: %w", err)
	}
	result.Alert = &alert
	return result, nil
}

func newAlert(ind domain.Indicator, current, historical decimal.Decimal, now time.Time) domain.AlertLog {
	deviation := domain.DeviationPercent(current, historical)
	return domain.AlertLog{
		ID:          uuid.New(),
		IndicatorID: ind.ID,
		Owner:       ind.Owner,
		TriggeredAt: now,
		Message: fmt.Sprintf("%s breached threshold (%s %s %s): current %s, historical %s, deviation %s%%",
			ind.Name, thresholdLabel(ind.Threshold), ind.Threshold.Comparator, ind.Threshold.Value.String(),
			current.String(), historical.String(), deviation.StringFixed(2)),
		SentVia:          append([]string(nil), ind.AlertChannels...),
		CurrentValue:     current,
		HistoricalValue:  historical,
		DeviationPercent: deviation,
	}
}

func thresholdLabel(t domain.Threshold) string {
	if t.Type == domain.ThresholdTypeAbsolute {
		return "absolute change"
	}
	return "deviation %"
}

var _ executor.CheckRunner = (*Runner)(nil)
