package api

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-monitor/internal/domain"
)

const maxActorLength = 100

func validateAcknowledge(req AcknowledgeRequest) error {
	if err := validateActor("acknowledgedBy", req.AcknowledgedBy); err != nil {
		return err
	}
	if len(req.Comment) > 1000 {
		return fmt.Errorf("comment exceeds 1000 characters")
	}
	return nil
}

func validateResolve(req ResolveRequest) error {
	return validateActor("resolvedBy", req.ResolvedBy)
}

func validateActor(field, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(value) > maxActorLength {
		return fmt.Errorf("%s exceeds %d characters", field, maxActorLength)
	}
	return nil
}

func parseIndicatorID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid indicator id")
	}
	return id, nil
}

func parseAlertID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid alert id")
	}
	return id, nil
}

// parseRunContext accepts manual (default) and test. Scheduled runs are
// reserved for the dispatcher.
func parseRunContext(raw string) (domain.ExecutionContext, error) {
	if raw == "" {
		return domain.ExecutionContextManual, nil
	}
	c, ok := domain.ParseExecutionContext(raw)
	if !ok || c == domain.ExecutionContextScheduled {
		return "", fmt.Errorf("context must be manual or test")
	}
	return c, nil
}
