package records

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/money"
)

// ProductColumns is the column contract of the products table.
var ProductColumns = []string{
	"id", "description", "amount", "unit", "purchasePrice",
	"previousQuantity", "addedQuantity", "soldQuantity", "expectedQuantity", "inventoryQuantity",
	"sheetsToPrint", "comment", "eaternityName", "origin", "production", "transport",
	"conservation", "gCo2e",
}

// Prefix labels of the products table.
const (
	LabelPreviousQuantityDate  = "previousQuantityDate"
	LabelExpectedQuantityDate  = "expectedQuantityDate"
	LabelInventoryQuantityDate = "inventoryQuantityDate"
)

// ReadProducts reads a products table.
func ReadProducts(path string) (*ProductTable, error) {
	table, err := ReadTableFile(path, ProductColumns,
		WithPrefix(LabelPreviousQuantityDate, LabelExpectedQuantityDate, LabelInventoryQuantityDate))
	if err != nil {
		return nil, err
	}

	products := &ProductTable{
		PreviousQuantityDate:  table.PrefixValue(LabelPreviousQuantityDate),
		ExpectedQuantityDate:  table.PrefixValue(LabelExpectedQuantityDate),
		InventoryQuantityDate: table.PrefixValue(LabelInventoryQuantityDate),
	}

	seen := make(map[string]bool)
	for i, row := range table.Rows {
		p, err := parseProduct(row)
		if err != nil {
			return nil, fmt.Errorf("%s: row %d: %w", path, i+1, err)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("%s: duplicate product id %q", path, p.ID)
		}
		seen[p.ID] = true
		products.Products = append(products.Products, p)
	}

	return products, nil
}

// WriteProducts writes a products table, preserving the column contract.
func WriteProducts(path string, products *ProductTable) error {
	table := &Table{
		Prefix: []PrefixRow{
			{Label: LabelPreviousQuantityDate, Value: products.PreviousQuantityDate},
			{Label: LabelExpectedQuantityDate, Value: products.ExpectedQuantityDate},
			{Label: LabelInventoryQuantityDate, Value: products.InventoryQuantityDate},
		},
		Header: ProductColumns,
	}
	for _, p := range products.Products {
		table.Rows = append(table.Rows, productRow(p))
	}
	return WriteTableFile(path, table)
}

func parseProduct(row []string) (Product, error) {
	p := Product{
		ID:            column(row, 0),
		Description:   column(row, 1),
		Amount:        column(row, 2),
		Unit:          column(row, 3),
		Comment:       column(row, 11),
		EaternityName: column(row, 12),
		Origin:        column(row, 13),
		Production:    column(row, 14),
		Transport:     column(row, 15),
		Conservation:  column(row, 16),
	}
	if p.ID == "" {
		return Product{}, fmt.Errorf("empty product id")
	}

	var err error
	if p.PurchasePrice, err = money.Parse(column(row, 4)); err != nil {
		return Product{}, fmt.Errorf("purchasePrice: %w", err)
	}
	ints := []struct {
		name string
		idx  int
		dst  *int
	}{
		{"previousQuantity", 5, &p.PreviousQuantity},
		{"addedQuantity", 6, &p.AddedQuantity},
		{"soldQuantity", 7, &p.SoldQuantity},
		{"expectedQuantity", 8, &p.ExpectedQuantity},
		{"sheetsToPrint", 10, &p.SheetsToPrint},
	}
	for _, field := range ints {
		if *field.dst, err = parseInt(column(row, field.idx)); err != nil {
			return Product{}, fmt.Errorf("%s: %w", field.name, err)
		}
	}
	if inventory := column(row, 9); inventory != "" {
		q, err := strconv.Atoi(inventory)
		if err != nil {
			return Product{}, fmt.Errorf("inventoryQuantity: %w", err)
		}
		p.InventoryQuantity = &q
	}
	if p.GCo2e, err = parseDecimal(column(row, 17)); err != nil {
		return Product{}, fmt.Errorf("gCo2e: %w", err)
	}

	return p, nil
}

func productRow(p Product) []string {
	inventory := ""
	if p.InventoryQuantity != nil {
		inventory = strconv.Itoa(*p.InventoryQuantity)
	}
	return []string{
		p.ID,
		p.Description,
		p.Amount,
		p.Unit,
		money.Format(p.PurchasePrice),
		strconv.Itoa(p.PreviousQuantity),
		strconv.Itoa(p.AddedQuantity),
		strconv.Itoa(p.SoldQuantity),
		strconv.Itoa(p.ExpectedQuantity),
		inventory,
		strconv.Itoa(p.SheetsToPrint),
		p.Comment,
		p.EaternityName,
		p.Origin,
		p.Production,
		p.Transport,
		p.Conservation,
		p.GCo2e.String(),
	}
}

// parseInt parses an integer cell; an empty cell is zero.
func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// parseDecimal parses a plain decimal cell; an empty cell is zero.
func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
