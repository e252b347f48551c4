package domain

import (
	"testing"
	"time"
)

func TestExecutionOutcome_Values(t *testing.T) {
	tests := []struct {
		outcome ExecutionOutcome
		want    string
	}{
		{ExecutionOutcomeSucceeded, "succeeded"},
		{ExecutionOutcomeFailed, "failed"},
		{ExecutionOutcomeTimedOut, "timed_out"},
		{ExecutionOutcomeCancelled, "cancelled"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if string(tt.outcome) != tt.want {
				t.Errorf("ExecutionOutcome = %q, want %q", tt.outcome, tt.want)
			}
		})
	}
}

func TestExecutionResult_DurationSecondsTruncates(t *testing.T) {
	r := ExecutionResult{Duration: 2999 * time.Millisecond}
	if got := r.DurationSeconds(); got != 2 {
		t.Errorf("DurationSeconds() = %d, want 2", got)
	}
}

func TestParseExecutionContext(t *testing.T) {
	tests := []struct {
		in   string
		want ExecutionContext
		ok   bool
	}{
		{"manual", ExecutionContextManual, true},
		{"Scheduled", ExecutionContextScheduled, true},
		{"test", ExecutionContextTest, true},
		{"bogus", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseExecutionContext(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseExecutionContext(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
