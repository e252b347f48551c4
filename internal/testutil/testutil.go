// Package testutil provides shared test helpers for easy-monitor.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/djlord-it/easy-monitor/internal/domain"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set jumps the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// IntervalIndicator returns an active indicator on an enabled interval
// schedule with an absolute "deviation above 10" threshold.
func IntervalIndicator(id int64, every time.Duration) domain.Indicator {
	return domain.Indicator{
		ID:        id,
		Name:      "indicator",
		Owner:     "ops",
		IsActive:  true,
		Procedure: "check_indicator",
		Threshold: domain.Threshold{
			Field:      "current_value",
			Comparator: domain.ComparatorGreaterThan,
			Value:      decimal.NewFromInt(10),
			Type:       domain.ThresholdTypeAbsolute,
		},
		Schedule: domain.ScheduleConfig{
			Spec:    domain.IntervalSchedule{Every: every},
			Enabled: true,
		},
	}
}
