package emissions

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/records"
)

const table = `
factors:
  Rice:
    per_kg: 2600
  apple:
    per_kg: 400
    per_piece: 60
    origin:
      NZ: 1.5
    conservation:
      frozen: 2
`

func loadTable(t *testing.T) *TableLookup {
	t.Helper()
	path := filepath.Join(t.TempDir(), "emissions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(table), 0644))
	lookup, err := LoadTable(path)
	require.NoError(t, err)
	return lookup
}

func TestCO2Value(t *testing.T) {
	lookup := loadTable(t)

	tests := []struct {
		name     string
		product  records.Product
		expected string
		noMatch  bool
	}{
		{"grams", records.Product{ID: "reis", EaternityName: "rice", Amount: "500", Unit: "g"}, "1300", false},
		{"kilograms", records.Product{ID: "reis", EaternityName: "Rice", Amount: "1.5", Unit: "kg"}, "3900", false},
		{"pieces", records.Product{ID: "apfel", EaternityName: "apple", Amount: "2", Unit: "Stk"}, "120", false},
		{"origin factor", records.Product{ID: "apfel", EaternityName: "apple", Amount: "1", Unit: "kg", Origin: "NZ"}, "600", false},
		{"conservation factor", records.Product{ID: "apfel", EaternityName: "apple", Amount: "250", Unit: "g", Conservation: "frozen"}, "200", false},
		{"no name", records.Product{ID: "salz", Amount: "1", Unit: "kg"}, "", true},
		{"unknown ingredient", records.Product{ID: "tofu", EaternityName: "tofu", Amount: "1", Unit: "kg"}, "", true},
		{"no piece factor", records.Product{ID: "reis", EaternityName: "rice", Amount: "1", Unit: "Stk"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, err := lookup.CO2Value(context.Background(), tt.product)
			if tt.noMatch {
				assert.ErrorIs(t, err, ErrNoMatch)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, value.String())
		})
	}
}

func TestAnnotate(t *testing.T) {
	products := &records.ProductTable{Products: []records.Product{
		{ID: "reis", EaternityName: "rice", Amount: "500", Unit: "g", GCo2e: decimal.NewFromInt(1000)},
		{ID: "tofu", EaternityName: "tofu", Amount: "1", Unit: "kg", GCo2e: decimal.NewFromInt(900)},
		{ID: "bad", EaternityName: "rice", Amount: "viel", Unit: "g"},
	}}

	warnings, err := Annotate(context.Background(), loadTable(t), products, nil)
	require.NoError(t, err)

	assert.Equal(t, "1300", products.Products[0].GCo2e.String())
	// unresolved products keep their previous value
	assert.Equal(t, "900", products.Products[1].GCo2e.String())

	require.Len(t, warnings, 2)
	assert.Equal(t, "tofu", warnings[0].ProductID)
	assert.ErrorIs(t, warnings[0].Err, ErrNoMatch)
	assert.Equal(t, "bad", warnings[1].ProductID)
}

func TestAnnotateCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	products := &records.ProductTable{Products: []records.Product{{ID: "reis", EaternityName: "rice", Amount: "1", Unit: "kg"}}}
	_, err := Annotate(ctx, loadTable(t), products, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
