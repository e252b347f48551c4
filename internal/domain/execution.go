package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ExecutionOutcome string

const (
	ExecutionOutcomeSucceeded ExecutionOutcome = "succeeded"
	ExecutionOutcomeFailed    ExecutionOutcome = "failed"
	ExecutionOutcomeTimedOut  ExecutionOutcome = "timed_out"
	ExecutionOutcomeCancelled ExecutionOutcome = "cancelled"
)

// TimedOutMessage is the error message recorded for executions that exceed their deadline.
const TimedOutMessage = "execution timed out"

// CheckResult is what the RunCheck collaborator reports for one run.
type CheckResult struct {
	Success         bool
	CurrentValue    *decimal.Decimal
	HistoricalValue *decimal.Decimal
	ErrorMessage    string

	// Alert is set when the check raised an alert as a side effect.
	Alert *AlertLog
}

// ExecutionResult is produced once per dispatch attempt and never persisted.
type ExecutionResult struct {
	IndicatorID int64
	Outcome     ExecutionOutcome

	WasSuccessful   bool
	CurrentValue    *decimal.Decimal
	HistoricalValue *decimal.Decimal
	Deviation       decimal.Decimal
	ErrorMessage    string

	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Context     ExecutionContext
}

// DurationSeconds reports the duration in whole seconds.
func (r ExecutionResult) DurationSeconds() int {
	return int(r.Duration / time.Second)
}
