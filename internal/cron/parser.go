// Package cron evaluates indicator cron expressions at minute resolution.
package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidExpression is returned for expressions the parser rejects.
var ErrInvalidExpression = errors.New("invalid cron expression")

// Parser accepts standard 5-field expressions and descriptors such as @hourly.
// Seconds fields and @every intervals are rejected.
type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (p *Parser) parse(expression string) (cron.Schedule, error) {
	expr := strings.TrimSpace(expression)
	if strings.HasPrefix(expr, "@every") {
		return nil, fmt.Errorf("%w: %q: interval descriptors are not supported", ErrInvalidExpression, expression)
	}
	sched, err := p.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expression, err)
	}
	return sched, nil
}

// Parse compiles expression for evaluation in timezone (UTC when empty).
func (p *Parser) Parse(expression string, timezone string) (*Expression, error) {
	sched, err := p.parse(expression)
	if err != nil {
		return nil, err
	}

	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}

	return &Expression{source: expression, sched: sched, loc: loc}, nil
}

// Validate reports whether expression parses, without a timezone.
func (p *Parser) Validate(expression string) error {
	_, err := p.parse(expression)
	return err
}

// Expression is a parsed cron expression bound to a location.
type Expression struct {
	source string
	sched  cron.Schedule
	loc    *time.Location
}

func (e *Expression) String() string { return e.source }

func (e *Expression) Location() *time.Location { return e.loc }

// Next returns the first activation strictly after t, in UTC.
func (e *Expression) Next(t time.Time) time.Time {
	next := e.sched.Next(t.In(e.loc))
	if next.IsZero() {
		return next
	}
	return next.UTC()
}

// NextFrom returns the first activation at or after t.
func (e *Expression) NextFrom(t time.Time) time.Time {
	return e.Next(t.Add(-time.Nanosecond))
}

// After returns the first activation not consumed by a run at lastRun.
// A run anywhere inside an activation minute consumes that activation.
func (e *Expression) After(lastRun time.Time) time.Time {
	return e.Next(lastRun.Truncate(time.Minute))
}
