package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/djlord-it/easy-monitor/internal/domain"
	"github.com/djlord-it/easy-monitor/internal/escalation"
)

// InsertAlert records a threshold breach.
func (s *Store) InsertAlert(ctx context.Context, alert domain.AlertLog) error {
	_, err := s.db.ExecContext(ctx, queryInsertAlert,
		alert.ID,
		alert.IndicatorID,
		alert.Owner,
		alert.TriggeredAt.UTC(),
		alert.Message,
		pq.Array(alert.SentVia),
		alert.CurrentValue,
		alert.HistoricalValue,
		alert.DeviationPercent,
	)
	return err
}

// GetAlert returns escalation.ErrAlertNotFound if the alert does not exist.
func (s *Store) GetAlert(ctx context.Context, id uuid.UUID) (domain.AlertLog, error) {
	var (
		alert      domain.AlertLog
		sentVia    pq.StringArray
		resolvedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, queryGetAlert, id).Scan(
		&alert.ID,
		&alert.IndicatorID,
		&alert.Owner,
		&alert.TriggeredAt,
		&alert.Message,
		&sentVia,
		&alert.CurrentValue,
		&alert.HistoricalValue,
		&alert.DeviationPercent,
		&alert.IsResolved,
		&resolvedAt,
		&alert.ResolvedBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AlertLog{}, escalation.ErrAlertNotFound
	}
	if err != nil {
		return domain.AlertLog{}, err
	}
	alert.TriggeredAt = alert.TriggeredAt.UTC()
	alert.SentVia = []string(sentVia)
	alert.ResolvedAt = nullTimePtr(resolvedAt)
	return alert, nil
}

func (s *Store) UpdateAlertResolution(ctx context.Context, alert domain.AlertLog) error {
	var resolvedBy *string
	if alert.IsResolved {
		resolvedBy = &alert.ResolvedBy
	}
	err := s.execAffectingOne(ctx, queryUpdateAlertResolution, alert.ID, alert.IsResolved, alert.ResolvedAt, resolvedBy)
	if errors.Is(err, ErrNotFound) {
		return escalation.ErrAlertNotFound
	}
	return err
}

// InsertEscalations inserts all rows in one transaction.
// Returns escalation.ErrDuplicateEscalation if any (alert, level) is already pending.
func (s *Store) InsertEscalations(ctx context.Context, rows []domain.AlertEscalation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, row := range rows {
		_, err := tx.ExecContext(ctx, queryInsertEscalation,
			row.ID,
			row.AlertID,
			row.Level,
			row.ScheduledTime.UTC(),
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return escalation.ErrDuplicateEscalation
			}
			return fmt.Errorf("insert escalation level %d: %w", row.Level, err)
		}
	}

	return tx.Commit()
}

func (s *Store) DueEscalations(ctx context.Context, now time.Time, limit int) ([]domain.AlertEscalation, error) {
	rows, err := s.db.QueryContext(ctx, queryDueEscalations, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.AlertEscalation
	for rows.Next() {
		var (
			esc          domain.AlertEscalation
			executedTime sql.NullTime
			cancelReason string
		)
		err := rows.Scan(
			&esc.ID,
			&esc.AlertID,
			&esc.Level,
			&esc.ScheduledTime,
			&executedTime,
			&esc.IsExecuted,
			&esc.IsCancelled,
			&cancelReason,
			&esc.ExecutionResult,
			&esc.ErrorMessage,
		)
		if err != nil {
			return nil, err
		}
		esc.ScheduledTime = esc.ScheduledTime.UTC()
		esc.ExecutedTime = nullTimePtr(executedTime)
		esc.CancelReason = domain.CancelReason(cancelReason)
		result = append(result, esc)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// MarkEscalationExecuted settles a pending row. A row already settled by a
// concurrent acknowledgment or resolution is left untouched.
func (s *Store) MarkEscalationExecuted(ctx context.Context, id uuid.UUID, executedAt time.Time, result, errMsg string) error {
	_, err := s.db.ExecContext(ctx, queryMarkEscalationExecuted, id, executedAt.UTC(), result, errMsg)
	return err
}

func (s *Store) CancelEscalation(ctx context.Context, id uuid.UUID, reason domain.CancelReason) error {
	_, err := s.db.ExecContext(ctx, queryCancelEscalation, id, string(reason))
	return err
}

func (s *Store) CancelPendingEscalations(ctx context.Context, alertID uuid.UUID, from *time.Time, reason domain.CancelReason) (int64, error) {
	var fromArg any
	if from != nil {
		fromArg = from.UTC()
	}
	result, err := s.db.ExecContext(ctx, queryCancelPendingEscalations, alertID, string(reason), fromArg)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) InsertAcknowledgment(ctx context.Context, ack domain.AlertAcknowledgment) error {
	_, err := s.db.ExecContext(ctx, queryInsertAcknowledgment,
		ack.ID,
		ack.AlertID,
		ack.AcknowledgedBy,
		ack.AcknowledgedAt.UTC(),
		ack.StopEscalation,
		ack.Comment,
	)
	return err
}

func (s *Store) ListAcknowledgments(ctx context.Context, alertID uuid.UUID) ([]domain.AlertAcknowledgment, error) {
	rows, err := s.db.QueryContext(ctx, queryListAcknowledgments, alertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.AlertAcknowledgment
	for rows.Next() {
		var ack domain.AlertAcknowledgment
		err := rows.Scan(
			&ack.ID,
			&ack.AlertID,
			&ack.AcknowledgedBy,
			&ack.AcknowledgedAt,
			&ack.StopEscalation,
			&ack.Comment,
		)
		if err != nil {
			return nil, err
		}
		ack.AcknowledgedAt = ack.AcknowledgedAt.UTC()
		result = append(result, ack)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) ActiveSuppressionRules(ctx context.Context, now time.Time) ([]domain.AlertSuppressionRule, error) {
	rows, err := s.db.QueryContext(ctx, queryActiveSuppressionRules, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.AlertSuppressionRule
	for rows.Next() {
		var (
			rule        domain.AlertSuppressionRule
			indicatorID sql.NullInt64
		)
		err := rows.Scan(
			&rule.ID,
			&rule.Name,
			&rule.StartTime,
			&rule.EndTime,
			&indicatorID,
			&rule.Owner,
			&rule.IsActive,
			&rule.SuppressCreation,
		)
		if err != nil {
			return nil, err
		}
		if indicatorID.Valid {
			id := indicatorID.Int64
			rule.IndicatorID = &id
		}
		result = append(result, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
