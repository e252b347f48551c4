package domain

import "time"

type ExecutionContext string

const (
	ExecutionContextManual    ExecutionContext = "Manual"
	ExecutionContextScheduled ExecutionContext = "Scheduled"
	ExecutionContextTest      ExecutionContext = "Test"
)

// ParseExecutionContext accepts the lower-case forms used on the API.
func ParseExecutionContext(s string) (ExecutionContext, bool) {
	switch s {
	case "manual", "Manual":
		return ExecutionContextManual, true
	case "scheduled", "Scheduled":
		return ExecutionContextScheduled, true
	case "test", "Test":
		return ExecutionContextTest, true
	default:
		return "", false
	}
}

// ExecutionState is the running triple stored on the indicator record.
// Running implies StartedAt is set.
type ExecutionState struct {
	Running   bool
	StartedAt *time.Time
	Context   ExecutionContext
}

// Indicator is the unit of scheduled work.
type Indicator struct {
	ID       int64
	Name     string
	Owner    string
	IsActive bool

	// Procedure names the stored function that yields the current and historical values.
	Procedure string

	Schedule  ScheduleConfig
	Threshold Threshold
	LastRunAt *time.Time

	// AlertChannels lists where breach alerts are sent (email, sms, webhook).
	AlertChannels []string

	Execution ExecutionState
}
