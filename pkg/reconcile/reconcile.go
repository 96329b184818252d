// Package reconcile turns confirmed sheets into per-product sold and
// expected quantities and inventory differences.
package reconcile

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/confirmation"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/records"
)

var (
	// ErrNotConfirmed is returned while sheets of the period are still pending.
	ErrNotConfirmed = errors.New("sheets not confirmed")

	// ErrAccountedTagChanged is returned when a confirmed value overrides an accounted tag.
	ErrAccountedTagChanged = errors.New("accounted tag changed")

	// ErrOversold is returned when a product sold more than it had in stock.
	ErrOversold = errors.New("product oversold")

	// ErrTooManySheets is returned when a product has more sheets than allowed.
	ErrTooManySheets = errors.New("too many sheets for product")

	// ErrUnknownProduct is returned for sheets of products missing from the products table.
	ErrUnknownProduct = errors.New("unknown product")
)

// Options configure a reconciliation run.
type Options struct {
	MaxSheetsPerProduct  int
	MinNotableDifference int
	// Oversold holds product ids whose negative expected quantity was acknowledged.
	Oversold map[string]bool
	// Rephoto is the queue of positions still waiting for a new photograph.
	Rephoto []confirmation.RephotoRequest
}

// Tag is one newly detached tag.
type Tag struct {
	ProductID string
	SheetID   string
	Index     int
	MemberID  string
}

// InventoryDifference is the gap between expected and counted stock.
// Positive differences are missing goods.
type InventoryDifference struct {
	Product    records.Product
	Expected   int
	Inventory  int
	Difference int
	Notable    bool
}

// Result is the reconciled state of a period.
type Result struct {
	// Products carry the updated sold and expected quantities.
	Products    *records.ProductTable
	Tags        []Tag
	Differences []InventoryDifference
	// Accounted are the grids to archive when the period closes.
	Accounted []*confirmation.AccountedSheet
}

// Sold returns the number of new tags of a product.
func (r *Result) Sold(productID string) int {
	n := 0
	for _, t := range r.Tags {
		if t.ProductID == productID {
			n++
		}
	}
	return n
}

// CheckBarrier fails with ErrNotConfirmed unless every sheet of the period
// is confirmed or excluded, every non-full accounted sheet was photographed
// and no position waits for a new photograph.
func CheckBarrier(sheets []*confirmation.Sheet, accounted map[string]*confirmation.AccountedSheet, rephoto []confirmation.RephotoRequest) error {
	seen := make(map[string]bool, len(sheets))
	var pending []string
	for _, s := range sheets {
		seen[s.ID] = true
		if s.Status == confirmation.SheetDecoded {
			pending = append(pending, fmt.Sprintf("%s (%d cells pending)", s.ID, len(s.Pending())))
		}
	}
	for id, a := range accounted {
		if !seen[id] && !a.Full() {
			pending = append(pending, fmt.Sprintf("%s (not photographed)", id))
		}
	}
	for _, req := range rephoto {
		pending = append(pending, fmt.Sprintf("%s sheet %d (photograph again: %s)", req.Source, req.Position, req.Reason))
	}
	if len(pending) > 0 {
		sort.Strings(pending)
		return fmt.Errorf("%w: %s", ErrNotConfirmed, strings.Join(pending, ", "))
	}
	return nil
}

// Reconcile computes sold and expected quantities from confirmed sheets.
func Reconcile(products *records.ProductTable, sheets []*confirmation.Sheet, accounted map[string]*confirmation.AccountedSheet, opts Options) (*Result, error) {
	if err := CheckBarrier(sheets, accounted, opts.Rephoto); err != nil {
		return nil, err
	}

	result := &Result{}
	sheetCount := make(map[string]int)
	for id, a := range accounted {
		if !slices.ContainsFunc(sheets, func(s *confirmation.Sheet) bool { return s.ID == id }) {
			sheetCount[a.ProductID]++
		}
	}

	var errs []error
	ordered := slices.Clone(sheets)
	slices.SortFunc(ordered, compareSheets)
	for _, sheet := range ordered {
		sheetCount[sheet.ProductID]++
		if sheet.Status == confirmation.SheetExcluded {
			continue
		}
		if _, ok := products.Get(sheet.ProductID); !ok {
			errs = append(errs, fmt.Errorf("%w: %s on sheet %s", ErrUnknownProduct, sheet.ProductID, sheet.ID))
			continue
		}
		tags, err := newTags(sheet, accounted[sheet.ID])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		result.Tags = append(result.Tags, tags...)
	}

	for _, productID := range sortedKeys(sheetCount) {
		if opts.MaxSheetsPerProduct > 0 && sheetCount[productID] > opts.MaxSheetsPerProduct {
			errs = append(errs, fmt.Errorf("%w: %s has %d sheets, at most %d allowed",
				ErrTooManySheets, productID, sheetCount[productID], opts.MaxSheetsPerProduct))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	next := *products
	next.Products = make([]records.Product, len(products.Products))
	var oversold []string
	for i, p := range products.Products {
		p.SoldQuantity = result.Sold(p.ID)
		p.ExpectedQuantity = p.PreviousQuantity + p.AddedQuantity - p.SoldQuantity
		if p.ExpectedQuantity < 0 && !opts.Oversold[p.ID] {
			oversold = append(oversold, fmt.Sprintf("%s (expected %d)", p.ID, p.ExpectedQuantity))
		}
		if p.HasInventory() {
			diff := p.ExpectedQuantity - *p.InventoryQuantity
			if diff != 0 {
				result.Differences = append(result.Differences, InventoryDifference{
					Product:    p,
					Expected:   p.ExpectedQuantity,
					Inventory:  *p.InventoryQuantity,
					Difference: diff,
					Notable:    abs(diff) >= opts.MinNotableDifference,
				})
			}
		}
		next.Products[i] = p
	}
	if len(oversold) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrOversold, strings.Join(oversold, ", "))
	}

	slices.SortFunc(result.Differences, func(a, b InventoryDifference) int {
		return strings.Compare(a.Product.ID, b.Product.ID)
	})
	result.Products = &next
	result.Accounted = nextAccounted(ordered, accounted)
	return result, nil
}

// newTags lists the confirmed tags of a sheet that were not accounted before.
func newTags(sheet *confirmation.Sheet, prior *confirmation.AccountedSheet) ([]Tag, error) {
	var tags []Tag
	var changed []string
	for _, c := range sheet.Cells {
		if !c.Confirmed() {
			continue
		}
		before := prior.Value(c.Index)
		switch {
		case before == c.Value:
		case before == "":
			member := c.Value
			if sheet.Owner != "" {
				member = sheet.Owner
			}
			tags = append(tags, Tag{ProductID: sheet.ProductID, SheetID: sheet.ID, Index: c.Index, MemberID: member})
		default:
			changed = append(changed, fmt.Sprintf("%s %q -> %q", confirmation.CellID(sheet.ID, c.Index), before, c.Value))
		}
	}
	if len(changed) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAccountedTagChanged, strings.Join(changed, ", "))
	}
	return tags, nil
}

// nextAccounted merges the confirmed sheets into the prior grids.
// Rejected cells, excluded and unphotographed sheets keep their accounted values.
func nextAccounted(sheets []*confirmation.Sheet, prior map[string]*confirmation.AccountedSheet) []*confirmation.AccountedSheet {
	grids := make(map[string]*confirmation.AccountedSheet, len(prior))
	for id, a := range prior {
		grids[id] = a
	}

	for _, sheet := range sheets {
		if sheet.Status == confirmation.SheetExcluded {
			continue
		}
		before := prior[sheet.ID]
		size := 0
		if before != nil {
			size = len(before.Values)
		}
		for _, c := range sheet.Cells {
			size = max(size, c.Index+1)
		}

		values := make([]string, size)
		for i := range values {
			values[i] = before.Value(i)
		}
		for _, c := range sheet.Cells {
			if c.Confirmed() {
				values[c.Index] = c.Value
			}
		}
		grids[sheet.ID] = &confirmation.AccountedSheet{
			ID:        sheet.ID,
			ProductID: sheet.ProductID,
			Owner:     sheet.Owner,
			Values:    values,
		}
	}

	out := make([]*confirmation.AccountedSheet, 0, len(grids))
	for _, id := range sortedKeys(grids) {
		out = append(out, grids[id])
	}
	return out
}

// NextPeriod derives the products table of the following period.
// The counted inventory, if any, becomes the new previous quantity.
func NextPeriod(products *records.ProductTable, period string) *records.ProductTable {
	next := &records.ProductTable{
		PreviousQuantityDate: period,
		ExpectedQuantityDate: period,
		Products:             make([]records.Product, len(products.Products)),
	}
	for i, p := range products.Products {
		previous := p.ExpectedQuantity
		if p.HasInventory() {
			previous = *p.InventoryQuantity
		}
		p.PreviousQuantity = previous
		p.AddedQuantity = 0
		p.SoldQuantity = 0
		p.ExpectedQuantity = previous
		p.InventoryQuantity = nil
		next.Products[i] = p
	}
	return next
}

func compareSheets(a, b *confirmation.Sheet) int {
	if c := strings.Compare(a.ProductID, b.ProductID); c != 0 {
		return c
	}
	return a.Number - b.Number
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
