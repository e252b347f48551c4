package api

import (
	"time"

	"github.com/shopspring/decimal"
)

type IndicatorResponse struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	Owner        string   `json:"owner"`
	IsActive     bool     `json:"isActive"`
	ScheduleKind string   `json:"scheduleKind,omitempty"`
	ScheduleErr  string   `json:"scheduleError,omitempty"`
	Channels     []string `json:"alertChannels"`
	LastRunAt    string   `json:"lastRunAt,omitempty"`
	NextDueAt    string   `json:"nextDueAt,omitempty"`
	Scheduled    bool     `json:"scheduled"`
	Running      bool     `json:"running"`
}

type ListIndicatorsResponse struct {
	Indicators []IndicatorResponse `json:"indicators"`
	Total      int                 `json:"total"`
}

type ExecutionResultResponse struct {
	IndicatorID     int64            `json:"indicatorId"`
	Outcome         string           `json:"outcome"`
	Success         bool             `json:"success"`
	CurrentValue    *decimal.Decimal `json:"currentValue,omitempty"`
	HistoricalValue *decimal.Decimal `json:"historicalValue,omitempty"`
	Deviation       decimal.Decimal  `json:"deviation"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
	Context         string           `json:"executionContext"`
	StartedAt       string           `json:"startedAt"`
	CompletedAt     string           `json:"completedAt"`
	DurationSeconds int              `json:"durationSeconds"`
}

type RunningExecution struct {
	IndicatorID      int64  `json:"indicatorId"`
	IndicatorName    string `json:"indicatorName"`
	StartedAt        string `json:"startedAt,omitempty"`
	ExecutionContext string `json:"executionContext"`
}

type StatusResponse struct {
	UptimeSeconds  int64              `json:"uptimeSeconds"`
	TotalProcessed int64              `json:"totalProcessed"`
	SuccessCount   int64              `json:"successCount"`
	FailureCount   int64              `json:"failureCount"`
	TimedOutCount  int64              `json:"timedOutCount"`
	CancelledCount int64              `json:"cancelledCount"`
	Running        []RunningExecution `json:"running"`
}

type IndicatorStatsResponse struct {
	IndicatorID int64            `json:"indicatorId"`
	Bucket      string           `json:"bucket"`
	Outcomes    map[string]int64 `json:"outcomes"`
	DurationMs  int64            `json:"durationMs"`
}

type AcknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledgedBy"`
	StopEscalation bool   `json:"stopEscalation"`
	Comment        string `json:"comment,omitempty"`
}

type AcknowledgeResponse struct {
	ID              string `json:"id"`
	AlertID         string `json:"alertId"`
	AcknowledgedBy  string `json:"acknowledgedBy"`
	AcknowledgedAt  string `json:"acknowledgedAt"`
	StopEscalation  bool   `json:"stopEscalation"`
	CancelledLevels int64  `json:"cancelledLevels"`
}

type ResolveRequest struct {
	ResolvedBy string `json:"resolvedBy"`
}

type ResolveResponse struct {
	AlertID         string `json:"alertId"`
	ResolvedBy      string `json:"resolvedBy"`
	ResolvedAt      string `json:"resolvedAt,omitempty"`
	CancelledLevels int64  `json:"cancelledLevels"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
