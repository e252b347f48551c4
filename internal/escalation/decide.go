package escalation

import (
	"time"

	"github.com/djlord-it/easy-monitor/internal/domain"
)

type Action int

const (
	ActionExecute Action = iota
	ActionCancel
)

type Decision struct {
	Action Action
	Reason domain.CancelReason
}

// decide picks the transition for a due, pending escalation row. The alert
// state is checked first, then acknowledgments, then suppression windows.
// Any stop acknowledgment halts every level not yet executed, including
// overdue ones the sweep has not reached.
func decide(alert domain.AlertLog, acks []domain.AlertAcknowledgment, rules []domain.AlertSuppressionRule, now time.Time) Decision {
	if alert.IsResolved {
		return Decision{Action: ActionCancel, Reason: domain.CancelReasonResolved}
	}
	for _, ack := range acks {
		if ack.StopEscalation {
			return Decision{Action: ActionCancel, Reason: domain.CancelReasonAcknowledged}
		}
	}
	if suppressingRule(rules, alert, now) != nil {
		return Decision{Action: ActionCancel, Reason: domain.CancelReasonSuppressed}
	}
	return Decision{Action: ActionExecute}
}

// suppressingRule returns the first rule that mutes the alert at now.
func suppressingRule(rules []domain.AlertSuppressionRule, alert domain.AlertLog, now time.Time) *domain.AlertSuppressionRule {
	for i := range rules {
		if rules[i].Covers(now) && rules[i].Matches(alert) {
			return &rules[i]
		}
	}
	return nil
}
