// Package money converts the fixed-point decimal strings stored on orders
// to and from numeric values. A single rounding policy applies: two fractional
// digits, half away from zero on the cents boundary. Zero- and three-decimal
// currencies are not supported.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when a stored amount cannot be parsed.
// Malformed amounts are a data-integrity failure, never coerced to zero.
var ErrInvalidAmount = errors.New("money: invalid amount")

// Parse interprets a fixed-point decimal string and rounds it to two
// fractional digits.
func Parse(text string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: empty string", ErrInvalidAmount)
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, text)
	}
	return value.Round(2), nil
}

// Format renders a value with exactly two fractional digits. It is the
// inverse of Parse for any two-decimal input.
func Format(value decimal.Decimal) string {
	return value.Round(2).StringFixed(2)
}

// Normalize re-renders a stored amount through Parse and Format, validating
// it in the process.
func Normalize(text string) (string, error) {
	value, err := Parse(text)
	if err != nil {
		return "", err
	}
	return Format(value), nil
}
