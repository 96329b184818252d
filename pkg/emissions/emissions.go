// Package emissions annotates products with their greenhouse gas footprint.
package emissions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/records"
)

// ErrNoMatch is returned when a lookup has no factor for a product.
var ErrNoMatch = errors.New("no emissions factor")

// Lookup returns the gCO2e of one unit of a product.
type Lookup interface {
	CO2Value(ctx context.Context, p records.Product) (decimal.Decimal, error)
}

// Factor is the footprint of an ingredient.
type Factor struct {
	PerKg    decimal.Decimal `yaml:"per_kg"`
	PerPiece decimal.Decimal `yaml:"per_piece"`
	// Origin scales the footprint by country of origin, 1 when absent.
	Origin map[string]decimal.Decimal `yaml:"origin"`
	// Conservation scales the footprint by conservation method, 1 when absent.
	Conservation map[string]decimal.Decimal `yaml:"conservation"`
}

// TableLookup resolves products from a static factor table keyed by ingredient name.
type TableLookup struct {
	factors map[string]Factor
}

// tableFile is the YAML layout of a factor table.
type tableFile struct {
	Factors map[string]Factor `yaml:"factors"`
}

// NewTableLookup creates a TableLookup from factors.
func NewTableLookup(factors map[string]Factor) *TableLookup {
	normalized := make(map[string]Factor, len(factors))
	for name, f := range factors {
		normalized[strings.ToLower(strings.TrimSpace(name))] = f
	}
	return &TableLookup{factors: normalized}
}

// LoadTable reads a factor table file.
func LoadTable(path string) (*TableLookup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read emissions table: %w", err)
	}

	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return NewTableLookup(file.Factors), nil
}

var thousand = decimal.NewFromInt(1000)

// CO2Value computes the footprint of one unit of p from its amount and unit.
func (t *TableLookup) CO2Value(ctx context.Context, p records.Product) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}

	name := strings.ToLower(strings.TrimSpace(p.EaternityName))
	if name == "" {
		return decimal.Zero, fmt.Errorf("%w: %s has no ingredient name", ErrNoMatch, p.ID)
	}
	f, ok := t.factors[name]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: ingredient %q", ErrNoMatch, p.EaternityName)
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(p.Amount))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q for %s", p.Amount, p.ID)
	}

	var value decimal.Decimal
	switch strings.ToLower(p.Unit) {
	case "g", "ml":
		value = amount.Div(thousand).Mul(f.PerKg)
	case "kg", "l":
		value = amount.Mul(f.PerKg)
	default:
		if f.PerPiece.IsZero() {
			return decimal.Zero, fmt.Errorf("%w: no per piece factor for %q", ErrNoMatch, p.EaternityName)
		}
		value = amount.Mul(f.PerPiece)
	}

	if m, ok := f.Origin[p.Origin]; ok {
		value = value.Mul(m)
	}
	if m, ok := f.Conservation[p.Conservation]; ok {
		value = value.Mul(m)
	}
	return value.Round(0), nil
}

// Warning records a product whose footprint could not be determined.
type Warning struct {
	ProductID string
	Err       error
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %v", w.ProductID, w.Err)
}

// Annotate updates the gCO2e of all products in place. Products the lookup
// cannot resolve keep their previous value and are returned as warnings.
func Annotate(ctx context.Context, lookup Lookup, products *records.ProductTable, logger *slog.Logger) ([]Warning, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var warnings []Warning
	for i := range products.Products {
		p := &products.Products[i]

		value, err := lookup.CO2Value(ctx, *p)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return warnings, fmt.Errorf("failed to annotate emissions: %w", ctxErr)
			}
			logger.Info("Failed to retrieve gCO2e", "product", p.ID, "error", err)
			warnings = append(warnings, Warning{ProductID: p.ID, Err: err})
			continue
		}

		if !value.Equal(p.GCo2e) {
			logger.Info("Updated gCO2e", "product", p.ID, "from", p.GCo2e.String(), "to", value.String())
			p.GCo2e = value
		} else {
			logger.Debug("gCO2e unchanged", "product", p.ID, "gco2e", value.String())
		}
	}
	return warnings, nil
}
