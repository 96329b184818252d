// Package money provides decimal helpers for prices and balances.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var twenty = decimal.NewFromInt(20)

// RoundCH rounds a price to 5-cent precision.
func RoundCH(price decimal.Decimal) decimal.Decimal {
	return price.Mul(twenty).Round(0).Div(twenty)
}

// Cents rounds an amount to two decimal places.
func Cents(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(2)
}

// Format renders an amount with exactly two decimals (e.g. "42.50").
func Format(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}

// FormatWithCurrency renders an amount followed by its currency (e.g. "42.50 CHF").
func FormatWithCurrency(amount decimal.Decimal, currency string) string {
	if currency == "" {
		return Format(amount)
	}
	return fmt.Sprintf("%s %s", Format(amount), currency)
}

// Parse parses an amount as written in tables and bank exports.
// It accepts an optional trailing currency and Swiss thousands separators ("1'234.50").
// An empty string parses as zero.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	if fields := strings.Fields(s); len(fields) == 2 {
		s = fields[0]
	}
	s = strings.ReplaceAll(s, "'", "")
	s = strings.ReplaceAll(s, "’", "")

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// PercentChange returns the relative change from old to current in percent.
// A zero old value yields zero when current is zero too, and 100 otherwise.
func PercentChange(old, current decimal.Decimal) decimal.Decimal {
	if old.IsZero() {
		if current.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(100)
	}
	return current.Sub(old).Div(old).Abs().Mul(decimal.NewFromInt(100))
}
