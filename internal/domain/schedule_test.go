package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func timePtr(v time.Time) *time.Time { return &v }

func TestNewSchedule_Variants(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	s, err := NewSchedule(ScheduleKindInterval, intPtr(15), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, IntervalSchedule{Every: 15 * time.Minute}, s)

	s, err = NewSchedule(ScheduleKindCron, nil, strPtr("*/5 * * * *"), nil)
	require.NoError(t, err)
	assert.Equal(t, CronSchedule{Expression: "*/5 * * * *"}, s)

	s, err = NewSchedule(ScheduleKindOneTime, nil, nil, timePtr(at))
	require.NoError(t, err)
	assert.Equal(t, OneTimeSchedule{At: at}, s)
}

func TestNewSchedule_RejectsInconsistentFields(t *testing.T) {
	at := time.Now()
	tests := []struct {
		name     string
		kind     ScheduleKind
		interval *int
		cron     *string
		at       *time.Time
	}{
		{"no fields", ScheduleKindInterval, nil, nil, nil},
		{"two fields", ScheduleKindInterval, intPtr(5), strPtr("* * * * *"), nil},
		{"interval kind with cron field", ScheduleKindInterval, nil, strPtr("* * * * *"), nil},
		{"cron kind with interval field", ScheduleKindCron, intPtr(5), nil, nil},
		{"onetime kind with interval field", ScheduleKindOneTime, intPtr(5), nil, nil},
		{"non-positive interval", ScheduleKindInterval, intPtr(0), nil, nil},
		{"unknown kind", ScheduleKind("weekly"), nil, nil, &at},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSchedule(tt.kind, tt.interval, tt.cron, tt.at)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSchedule))
		})
	}
}

func TestScheduleConfig_Validate(t *testing.T) {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	cfg := ScheduleConfig{Spec: IntervalSchedule{Every: time.Minute}, StartDate: &start, EndDate: &end}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidSchedule)

	cfg = ScheduleConfig{Spec: IntervalSchedule{Every: time.Minute}, Timezone: "Mars/Olympus"}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidSchedule)

	cfg = ScheduleConfig{}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidSchedule)

	cfg = ScheduleConfig{Spec: CronSchedule{Expression: "0 * * * *"}, Timezone: "Europe/Paris", StartDate: &end, EndDate: &start}
	assert.NoError(t, cfg.Validate())
}
