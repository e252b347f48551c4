// Package postgres persists indicators, alerts and escalation state in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/djlord-it/easy-monitor/internal/checker"
	"github.com/djlord-it/easy-monitor/internal/domain"
	"github.com/djlord-it/easy-monitor/internal/escalation"
	"github.com/djlord-it/easy-monitor/internal/execstate"
	"github.com/djlord-it/easy-monitor/internal/executor"
	"github.com/djlord-it/easy-monitor/internal/reconciler"
	"github.com/djlord-it/easy-monitor/internal/schedule"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

//go:embed schema.sql
var Schema string

// Store implements the persistence interfaces of the scheduling core,
// the escalation engine and the reconciler.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanIndicator decodes one indicator row. A malformed schedule does not fail
// the scan; it is recorded on ScheduleConfig.Err so the resolver treats the
// indicator as never due.
func scanIndicator(row rowScanner) (domain.Indicator, error) {
	var (
		ind             domain.Indicator
		comparator      string
		thresholdType   string
		channels        pq.StringArray
		lastRunAt       sql.NullTime
		startedAt       sql.NullTime
		execContext     sql.NullString
		kind            string
		intervalMinutes sql.NullInt64
		cronExpression  sql.NullString
		executionAt     sql.NullTime
		startDate       sql.NullTime
		endDate         sql.NullTime
	)

	err := row.Scan(
		&ind.ID,
		&ind.Name,
		&ind.Owner,
		&ind.IsActive,
		&ind.Procedure,
		&ind.Threshold.Field,
		&comparator,
		&ind.Threshold.Value,
		&thresholdType,
		&channels,
		&lastRunAt,
		&ind.Execution.Running,
		&startedAt,
		&execContext,
		&ind.Schedule.ID,
		&kind,
		&intervalMinutes,
		&cronExpression,
		&executionAt,
		&startDate,
		&endDate,
		&ind.Schedule.Timezone,
		&ind.Schedule.Enabled,
	)
	if err != nil {
		return domain.Indicator{}, err
	}

	ind.Threshold.Comparator = domain.Comparator(comparator)
	ind.Threshold.Type = domain.ThresholdType(thresholdType)
	ind.AlertChannels = []string(channels)
	ind.LastRunAt = nullTimePtr(lastRunAt)
	ind.Execution.StartedAt = nullTimePtr(startedAt)
	if execContext.Valid {
		ind.Execution.Context = domain.ExecutionContext(execContext.String)
	}

	ind.Schedule.StartDate = nullTimePtr(startDate)
	ind.Schedule.EndDate = nullTimePtr(endDate)

	var minutes *int
	if intervalMinutes.Valid {
		m := int(intervalMinutes.Int64)
		minutes = &m
	}
	var expr *string
	if cronExpression.Valid {
		expr = &cronExpression.String
	}
	spec, err := domain.NewSchedule(domain.ScheduleKind(kind), minutes, expr, nullTimePtr(executionAt))
	if err != nil {
		ind.Schedule.Err = err
	} else {
		ind.Schedule.Spec = spec
	}

	return ind, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func (s *Store) queryIndicators(ctx context.Context, query string, args ...any) ([]domain.Indicator, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Indicator
	for rows.Next() {
		ind, err := scanIndicator(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ind)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// GetAllIndicators returns every indicator with its schedule, ordered by id.
func (s *Store) GetAllIndicators(ctx context.Context) ([]domain.Indicator, error) {
	return s.queryIndicators(ctx, queryGetAllIndicators)
}

// GetIndicator returns ErrNotFound if the indicator does not exist.
func (s *Store) GetIndicator(ctx context.Context, id int64) (domain.Indicator, error) {
	ind, err := scanIndicator(s.db.QueryRowContext(ctx, queryGetIndicator, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Indicator{}, ErrNotFound
	}
	return ind, err
}

func (s *Store) UpdateLastRun(ctx context.Context, indicatorID int64, at time.Time) error {
	return s.execAffectingOne(ctx, queryUpdateLastRun, indicatorID, at.UTC())
}

// SaveExecutionState mirrors the in-memory running triple onto the indicator row.
func (s *Store) SaveExecutionState(ctx context.Context, indicatorID int64, state domain.ExecutionState) error {
	var execContext *string
	if state.Running {
		c := string(state.Context)
		execContext = &c
	}
	var startedAt *time.Time
	if state.Running && state.StartedAt != nil {
		t := state.StartedAt.UTC()
		startedAt = &t
	}
	return s.execAffectingOne(ctx, querySaveExecutionState, indicatorID, state.Running, startedAt, execContext)
}

// GetStaleRunning returns indicators whose stored triple says running since
// before olderThan, oldest first.
func (s *Store) GetStaleRunning(ctx context.Context, olderThan time.Time, limit int) ([]domain.Indicator, error) {
	return s.queryIndicators(ctx, queryGetStaleRunning, olderThan.UTC(), limit)
}

// ClearStaleExecution resets the stored triple if it still carries startedAt.
// Returns false when the row was re-claimed or already cleared.
func (s *Store) ClearStaleExecution(ctx context.Context, indicatorID int64, startedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, queryClearStaleExecution, indicatorID, startedAt.UTC())
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) execAffectingOne(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	errStr := err.Error()
	return strings.Contains(errStr, "23505") || strings.Contains(errStr, "duplicate key")
}

// Compile-time interface assertions
var (
	_ schedule.IndicatorLister = (*Store)(nil)
	_ executor.Store           = (*Store)(nil)
	_ execstate.StatePersister = (*Store)(nil)
	_ escalation.Store         = (*Store)(nil)
	_ reconciler.Store         = (*Store)(nil)
	_ checker.AlertStore       = (*Store)(nil)
)
