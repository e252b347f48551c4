package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AlertLog is one threshold breach notification.
type AlertLog struct {
	ID          uuid.UUID
	IndicatorID int64
	Owner       string

	TriggeredAt time.Time
	Message     string
	SentVia     []string

	CurrentValue     decimal.Decimal
	HistoricalValue  decimal.Decimal
	DeviationPercent decimal.Decimal

	IsResolved bool
	ResolvedAt *time.Time
	ResolvedBy string
}

// Resolve marks the alert resolved. Resolving twice keeps the first resolution
// and reports false.
func (a *AlertLog) Resolve(by string, at time.Time) bool {
	if a.IsResolved {
		return false
	}
	at = at.UTC()
	a.IsResolved = true
	a.ResolvedAt = &at
	a.ResolvedBy = by
	return true
}

type CancelReason string

const (
	CancelReasonAcknowledged CancelReason = "acknowledged"
	CancelReasonSuppressed   CancelReason = "suppressed"
	CancelReasonResolved     CancelReason = "resolved"
)

// AlertEscalation is one escalation level of one alert.
type AlertEscalation struct {
	ID      uuid.UUID
	AlertID uuid.UUID
	Level   int

	ScheduledTime time.Time
	ExecutedTime  *time.Time

	IsExecuted   bool
	IsCancelled  bool
	CancelReason CancelReason

	ExecutionResult string
	ErrorMessage    string
}

// Pending reports whether the row is neither executed nor cancelled.
func (e AlertEscalation) Pending() bool {
	return !e.IsExecuted && !e.IsCancelled
}

// AlertAcknowledgment is append-only.
type AlertAcknowledgment struct {
	ID             uuid.UUID
	AlertID        uuid.UUID
	AcknowledgedBy string
	AcknowledgedAt time.Time
	StopEscalation bool
	Comment        string
}

var ErrInvalidSuppressionWindow = errors.New("suppression rule start time must be before end time")

// AlertSuppressionRule mutes matching alerts inside [StartTime, EndTime].
type AlertSuppressionRule struct {
	ID        int64
	Name      string
	StartTime time.Time
	EndTime   time.Time

	// Nil IndicatorID and empty Owner match every alert.
	IndicatorID *int64
	Owner       string

	IsActive bool

	// SuppressCreation also stops matching alerts from being raised at all.
	SuppressCreation bool
}

func (r AlertSuppressionRule) Validate() error {
	if !r.StartTime.Before(r.EndTime) {
		return ErrInvalidSuppressionWindow
	}
	return nil
}

// Covers reports whether the rule is active at now.
func (r AlertSuppressionRule) Covers(now time.Time) bool {
	return r.IsActive && !now.Before(r.StartTime) && !now.After(r.EndTime)
}

// Matches reports whether the rule scopes the alert's indicator and owner.
func (r AlertSuppressionRule) Matches(alert AlertLog) bool {
	if r.IndicatorID != nil && *r.IndicatorID != alert.IndicatorID {
		return false
	}
	if r.Owner != "" && r.Owner != alert.Owner {
		return false
	}
	return true
}
