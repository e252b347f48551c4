package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// DATABASE_URL is required
	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}

	errs = checkPositiveDuration(errs, "TICK_INTERVAL", cfg.TickIntervalStr)
	errs = checkPositiveDuration(errs, "EXECUTION_TIMEOUT", cfg.ExecutionTimeoutStr)
	errs = checkPositiveDuration(errs, "HEARTBEAT_INTERVAL", cfg.HeartbeatIntervalStr)

	if cfg.MaxParallelExecutions < 1 {
		errs = append(errs, ValidationError{
			Field:   "MAX_PARALLEL_EXECUTIONS",
			Message: fmt.Sprintf("must be at least 1, got %d", cfg.MaxParallelExecutions),
		})
	}

	// BROADCAST_TRANSPORT must be "none", "redis" or "nats"
	switch cfg.BroadcastTransport {
	case "", "none":
	case "redis":
		if cfg.RedisAddr == "" {
			errs = append(errs, ValidationError{
				Field:   "REDIS_ADDR",
				Message: "required when BROADCAST_TRANSPORT is redis",
			})
		}
	case "nats":
		if cfg.NATSURL == "" {
			errs = append(errs, ValidationError{
				Field:   "NATS_URL",
				Message: "required when BROADCAST_TRANSPORT is nats",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "BROADCAST_TRANSPORT",
			Message: fmt.Sprintf("must be 'none', 'redis' or 'nats', got %q", cfg.BroadcastTransport),
		})
	}

	if cfg.EscalationEnabled {
		errs = checkPositiveDuration(errs, "ESCALATION_SWEEP_INTERVAL", cfg.EscalationSweepIntervalStr)
		if _, err := ParseLevelDelays(cfg.EscalationLevelDelaysStr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "ESCALATION_LEVEL_DELAYS",
				Message: err.Error(),
			})
		}
	}

	if cfg.ReconcileEnabled && cfg.ReconcileThresholdStr != "" {
		d, err := time.ParseDuration(cfg.ReconcileThresholdStr)
		switch {
		case err != nil:
			errs = append(errs, ValidationError{
				Field:   "RECONCILE_THRESHOLD",
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		case cfg.ExecutionTimeout > 0 && d <= cfg.ExecutionTimeout:
			errs = append(errs, ValidationError{
				Field:   "RECONCILE_THRESHOLD",
				Message: fmt.Sprintf("must exceed EXECUTION_TIMEOUT (%s)", cfg.ExecutionTimeout),
			})
		}
	}

	switch cfg.LogFormat {
	case "", "json", "console":
	default:
		errs = append(errs, ValidationError{
			Field:   "LOG_FORMAT",
			Message: fmt.Sprintf("must be 'json' or 'console', got %q", cfg.LogFormat),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func checkPositiveDuration(errs ValidationErrors, field, raw string) ValidationErrors {
	if raw == "" {
		return errs
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("invalid duration: %v", err),
		})
	}
	if d <= 0 {
		return append(errs, ValidationError{
			Field:   field,
			Message: "must be positive",
		})
	}
	return errs
}
