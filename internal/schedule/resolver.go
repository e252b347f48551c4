// Package schedule decides when indicators are due.
//
// Every function here is pure: the current time is always passed in and
// nothing is cached between calls.
package schedule

import (
	"fmt"
	"time"

	"github.com/djlord-it/easy-monitor/internal/cron"
	"github.com/djlord-it/easy-monitor/internal/domain"
)

type Resolver struct {
	parser *cron.Parser
}

func NewResolver() *Resolver {
	return &Resolver{parser: cron.NewParser()}
}

// Validate reports configuration errors that make a schedule permanently inactive.
func (r *Resolver) Validate(cfg domain.ScheduleConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if c, ok := cfg.Spec.(domain.CronSchedule); ok {
		if err := r.parser.Validate(c.Expression); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidSchedule, err)
		}
	}
	return nil
}

// NextDueTime returns when the schedule is next due. The second return is
// false when the schedule will never fire again (a consumed one-time
// schedule, a window that has ended, or a configuration error).
//
// A schedule that has never run is due at now, except one-time schedules,
// which always wait for their execution time.
func (r *Resolver) NextDueTime(cfg domain.ScheduleConfig, lastRunAt *time.Time, now time.Time) (time.Time, bool) {
	if err := r.Validate(cfg); err != nil {
		return time.Time{}, false
	}

	var next time.Time

	switch s := cfg.Spec.(type) {
	case domain.IntervalSchedule:
		if lastRunAt == nil {
			next = now
		} else {
			next = lastRunAt.Add(s.Every)
		}
		if cfg.StartDate != nil && next.Before(*cfg.StartDate) {
			next = *cfg.StartDate
		}

	case domain.CronSchedule:
		expr, err := r.parser.Parse(s.Expression, cfg.Timezone)
		if err != nil {
			return time.Time{}, false
		}
		if lastRunAt == nil {
			next = now
		} else {
			next = expr.After(*lastRunAt)
		}
		if cfg.StartDate != nil && next.Before(*cfg.StartDate) {
			next = expr.NextFrom(*cfg.StartDate)
		}

	case domain.OneTimeSchedule:
		if lastRunAt != nil && !lastRunAt.Before(s.At) {
			return time.Time{}, false
		}
		next = s.At

	default:
		return time.Time{}, false
	}

	if next.IsZero() {
		return time.Time{}, false
	}
	if cfg.EndDate != nil && next.After(*cfg.EndDate) {
		return time.Time{}, false
	}
	return next.UTC(), true
}

// IsActive reports whether the schedule may fire at now at all.
func (r *Resolver) IsActive(cfg domain.ScheduleConfig, lastRunAt *time.Time, now time.Time) bool {
	if !cfg.Enabled {
		return false
	}
	if cfg.StartDate != nil && now.Before(*cfg.StartDate) {
		return false
	}
	if cfg.EndDate != nil && now.After(*cfg.EndDate) {
		return false
	}
	if s, ok := cfg.Spec.(domain.OneTimeSchedule); ok && lastRunAt != nil && !lastRunAt.Before(s.At) {
		return false
	}
	return r.Validate(cfg) == nil
}

// IsDue reports whether an indicator with this schedule should run at now.
func (r *Resolver) IsDue(cfg domain.ScheduleConfig, lastRunAt *time.Time, now time.Time) bool {
	if !r.IsActive(cfg, lastRunAt, now) {
		return false
	}
	next, ok := r.NextDueTime(cfg, lastRunAt, now)
	if !ok {
		return false
	}
	return !now.Before(next)
}

// Upcoming is the indicator that becomes due soonest.
type Upcoming struct {
	Indicator domain.Indicator
	DueAt     time.Time
}

// SecondsUntilDue is never negative.
func (u Upcoming) SecondsUntilDue(now time.Time) int {
	d := u.DueAt.Sub(now)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// NearestDue returns the active indicator with the earliest next due time.
func (r *Resolver) NearestDue(indicators []domain.Indicator, now time.Time) (Upcoming, bool) {
	var best Upcoming
	found := false

	for _, ind := range indicators {
		if !ind.IsActive || !ind.Schedule.Enabled {
			continue
		}
		next, ok := r.NextDueTime(ind.Schedule, ind.LastRunAt, now)
		if !ok {
			continue
		}
		if cfg := ind.Schedule; cfg.EndDate != nil && now.After(*cfg.EndDate) {
			continue
		}
		if !found || next.Before(best.DueAt) {
			best = Upcoming{Indicator: ind, DueAt: next}
			found = true
		}
	}
	return best, found
}
