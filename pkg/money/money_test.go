package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundCH(t *testing.T) {
	tests := []struct {
		name     string
		price    string
		expected string
	}{
		{"exact", "1.05", "1.05"},
		{"round down", "1.02", "1.00"},
		{"round up", "1.03", "1.05"},
		{"midpoint", "1.025", "1.05"},
		{"margin applied", "2.415", "2.40"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundCH(decimal.RequireFromString(tt.price))
			assert.Equal(t, tt.expected, Format(result))
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "42.5", "42.50"},
		{"with currency", "42.50 CHF", "42.50"},
		{"thousands separator", "1'234.00", "1234.00"},
		{"negative", "-3.10", "-3.10"},
		{"empty", "", "0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, Format(result))
		})
	}

	_, err := Parse("abc")
	assert.Error(t, err)
}

func TestPercentChange(t *testing.T) {
	assert.True(t, PercentChange(decimal.NewFromInt(2), decimal.NewFromFloat(2.5)).Equal(decimal.NewFromInt(25)))
	assert.True(t, PercentChange(decimal.Zero, decimal.Zero).IsZero())
	assert.True(t, PercentChange(decimal.Zero, decimal.NewFromInt(1)).Equal(decimal.NewFromInt(100)))
}

func TestFormatWithCurrency(t *testing.T) {
	assert.Equal(t, "42.50 CHF", FormatWithCurrency(decimal.RequireFromString("42.5"), "CHF"))
	assert.Equal(t, "42.50", FormatWithCurrency(decimal.RequireFromString("42.5"), ""))
}
