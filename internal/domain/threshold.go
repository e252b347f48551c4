package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type Comparator string

const (
	ComparatorGreaterThan    Comparator = "gt"
	ComparatorGreaterOrEqual Comparator = "gte"
	ComparatorLessThan       Comparator = "lt"
	ComparatorLessOrEqual    Comparator = "lte"
)

type ThresholdType string

const (
	// ThresholdTypePercentage compares the deviation percentage.
	ThresholdTypePercentage ThresholdType = "percentage"
	// ThresholdTypeAbsolute compares |current - historical|.
	ThresholdTypeAbsolute ThresholdType = "absolute"
)

type Threshold struct {
	Field      string
	Comparator Comparator
	Value      decimal.Decimal
	Type       ThresholdType
}

var hundred = decimal.NewFromInt(100)

// DeviationPercent returns |current - historical| / historical * 100,
// or zero when historical is zero.
func DeviationPercent(current, historical decimal.Decimal) decimal.Decimal {
	if historical.IsZero() {
		return decimal.Zero
	}
	return current.Sub(historical).Abs().Div(historical.Abs()).Mul(hundred)
}

// Measure returns the quantity the threshold compares against.
func (t Threshold) Measure(current, historical decimal.Decimal) decimal.Decimal {
	if t.Type == ThresholdTypeAbsolute {
		return current.Sub(historical).Abs()
	}
	return DeviationPercent(current, historical)
}

// Breached reports whether the measured quantity crosses the threshold.
func (t Threshold) Breached(current, historical decimal.Decimal) (bool, error) {
	m := t.Measure(current, historical)
	switch t.Comparator {
	case ComparatorGreaterThan:
		return m.GreaterThan(t.Value), nil
	case ComparatorGreaterOrEqual, "":
		return m.GreaterThanOrEqual(t.Value), nil
	case ComparatorLessThan:
		return m.LessThan(t.Value), nil
	case ComparatorLessOrEqual:
		return m.LessThanOrEqual(t.Value), nil
	default:
		return false, fmt.Errorf("unknown comparator %q", t.Comparator)
	}
}
