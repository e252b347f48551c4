package domain

import "github.com/shopspring/decimal"

// Real-time event names published by the broadcaster.
const (
	EventExecutionStarted   = "IndicatorExecutionStarted"
	EventExecutionProgress  = "IndicatorExecutionProgress"
	EventExecutionCompleted = "IndicatorExecutionCompleted"
	EventCountdownUpdate    = "IndicatorCountdownUpdate"
	EventWorkerStatus       = "WorkerStatusUpdate"
)

// Payloads are value snapshots; timestamps are RFC3339 strings in UTC.

type ExecutionStartedEvent struct {
	IndicatorID      int64  `json:"indicatorId"`
	IndicatorName    string `json:"indicatorName"`
	Owner            string `json:"owner"`
	StartTime        string `json:"startTime"`
	ExecutionContext string `json:"executionContext"`
}

type ExecutionProgressEvent struct {
	IndicatorID               int64  `json:"indicatorId"`
	Progress                  int    `json:"progress"`
	CurrentStep               string `json:"currentStep"`
	ElapsedSeconds            int    `json:"elapsedSeconds"`
	EstimatedRemainingSeconds int    `json:"estimatedRemainingSeconds"`
}

type ExecutionCompletedEvent struct {
	IndicatorID     int64            `json:"indicatorId"`
	Success         bool             `json:"success"`
	Value           *decimal.Decimal `json:"value,omitempty"`
	DurationSeconds int              `json:"durationSeconds"`
	CompletedAt     string           `json:"completedAt"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
}

type CountdownUpdateEvent struct {
	NextIndicatorID int64  `json:"nextIndicatorId"`
	SecondsUntilDue int    `json:"secondsUntilDue"`
	ScheduledTime   string `json:"scheduledTime"`
}

type WorkerStatusEvent struct {
	UptimeSeconds   int    `json:"uptimeSeconds"`
	TotalProcessed  int64  `json:"totalProcessed"`
	SuccessCount    int64  `json:"successCount"`
	FailureCount    int64  `json:"failureCount"`
	CurrentActivity string `json:"currentActivity"`
}
