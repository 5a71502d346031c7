package store

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money fields are stored as integer minor units (cents). The helpers
// convert between cents and the decimal strings the dashboard renders
// and exports.

// ParseAmountToCents converts a decimal amount string like "12.34" into
// cents. More than two fractional digits is an error.
func ParseAmountToCents(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount: %w", err)
	}
	cents := d.Mul(decimal.NewFromInt(100))
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has sub-cent precision", s)
	}
	return cents.IntPart(), nil
}

// FormatCents renders cents as a decimal string with two places.
func FormatCents(cents int64) string {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100)).StringFixed(2)
}

// EntityCents reads an integer-cent field from an entity. JSON decoding
// produces float64 for numbers; server payloads may also carry them as
// already-typed ints.
func EntityCents(ent Entity, field string) (int64, bool) {
	switch v := ent[field].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
