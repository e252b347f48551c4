package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSchedule marks a schedule configuration that can never become due.
var ErrInvalidSchedule = errors.New("invalid schedule")

type ScheduleKind string

const (
	ScheduleKindInterval ScheduleKind = "interval"
	ScheduleKindCron     ScheduleKind = "cron"
	ScheduleKindOneTime  ScheduleKind = "onetime"
)

// Schedule is one of IntervalSchedule, CronSchedule or OneTimeSchedule.
type Schedule interface {
	Kind() ScheduleKind
	schedule()
}

type IntervalSchedule struct {
	Every time.Duration
}

func (IntervalSchedule) Kind() ScheduleKind { return ScheduleKindInterval }
func (IntervalSchedule) schedule()          {}

type CronSchedule struct {
	Expression string
}

func (CronSchedule) Kind() ScheduleKind { return ScheduleKindCron }
func (CronSchedule) schedule()          {}

type OneTimeSchedule struct {
	At time.Time
}

func (OneTimeSchedule) Kind() ScheduleKind { return ScheduleKindOneTime }
func (OneTimeSchedule) schedule()          {}

// ScheduleConfig is read-only to the scheduling core.
type ScheduleConfig struct {
	ID int64

	// Spec is nil when the stored row could not be decoded; Err then says why.
	Spec Schedule
	Err  error

	StartDate *time.Time
	EndDate   *time.Time
	Timezone  string // IANA timezone, defaults to UTC
	Enabled   bool
}

// Location resolves the configured timezone, defaulting to UTC.
func (c ScheduleConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, c.Timezone, err)
	}
	return loc, nil
}

// NewSchedule builds the variant named by kind from the flat stored columns.
// Exactly the field belonging to kind must be set.
func NewSchedule(kind ScheduleKind, intervalMinutes *int, cronExpression *string, executionAt *time.Time) (Schedule, error) {
	set := 0
	if intervalMinutes != nil {
		set++
	}
	if cronExpression != nil && *cronExpression != "" {
		set++
	}
	if executionAt != nil {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("%w: kind %q needs exactly one of interval/cron/execution time, got %d", ErrInvalidSchedule, kind, set)
	}

	switch kind {
	case ScheduleKindInterval:
		if intervalMinutes == nil {
			return nil, fmt.Errorf("%w: interval schedule without interval minutes", ErrInvalidSchedule)
		}
		if *intervalMinutes <= 0 {
			return nil, fmt.Errorf("%w: interval minutes must be positive, got %d", ErrInvalidSchedule, *intervalMinutes)
		}
		return IntervalSchedule{Every: time.Duration(*intervalMinutes) * time.Minute}, nil
	case ScheduleKindCron:
		if cronExpression == nil || *cronExpression == "" {
			return nil, fmt.Errorf("%w: cron schedule without expression", ErrInvalidSchedule)
		}
		return CronSchedule{Expression: *cronExpression}, nil
	case ScheduleKindOneTime:
		if executionAt == nil {
			return nil, fmt.Errorf("%w: onetime schedule without execution time", ErrInvalidSchedule)
		}
		return OneTimeSchedule{At: executionAt.UTC()}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, kind)
	}
}

// Validate checks the invariants that do not need a cron parser.
func (c ScheduleConfig) Validate() error {
	if c.Err != nil {
		return c.Err
	}
	if c.Spec == nil {
		return fmt.Errorf("%w: missing schedule", ErrInvalidSchedule)
	}
	if iv, ok := c.Spec.(IntervalSchedule); ok && iv.Every <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidSchedule)
	}
	if c.StartDate != nil && c.EndDate != nil && c.StartDate.After(*c.EndDate) {
		return fmt.Errorf("%w: start date %s after end date %s", ErrInvalidSchedule,
			c.StartDate.Format(time.RFC3339), c.EndDate.Format(time.RFC3339))
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
