// Package billing computes per-member bills from reconciled tags.
package billing

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/money"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/reconcile"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/records"
)

// ErrUnacknowledgedPriceChange is returned while price change warnings are open.
var ErrUnacknowledgedPriceChange = errors.New("unacknowledged price change")

// Price is the snapshot of a product's prices used for one period.
type Price struct {
	ProductID     string
	PurchasePrice decimal.Decimal
	UnitPrice     decimal.Decimal
	UnitGCo2e     decimal.Decimal
}

// PriceChangeWarning reports a unit price that moved more than allowed since the previous period.
type PriceChangeWarning struct {
	ProductID     string
	PreviousPrice decimal.Decimal
	CurrentPrice  decimal.Decimal
	Percent       decimal.Decimal
}

func (w PriceChangeWarning) String() string {
	return fmt.Sprintf("%s: %s -> %s (%s%%)", w.ProductID,
		money.Format(w.PreviousPrice), money.Format(w.CurrentPrice), w.Percent.StringFixed(1))
}

// Line is one product on a bill.
type Line struct {
	ProductID     string
	Description   string
	NumTags       int
	PurchasePrice decimal.Decimal
	UnitPrice     decimal.Decimal
	UnitGCo2e     decimal.Decimal
	TotalPrice    decimal.Decimal
	TotalGCo2e    decimal.Decimal
}

// Bill is what one member owes for one period.
type Bill struct {
	Period                  string
	MemberID                string
	MemberName              string
	Emails                  []string
	Currency                string
	Lines                   []Line
	TotalPrice              decimal.Decimal
	TotalGCo2e              decimal.Decimal
	PreviousBalance         decimal.Decimal
	Correction              decimal.Decimal
	CorrectionJustification string
	CurrentBalance          decimal.Decimal
}

// MerchandiseValue is the purchase value of the billed goods, rounded to cents.
func (b *Bill) MerchandiseValue() decimal.Decimal {
	total := decimal.Zero
	for _, l := range b.Lines {
		total = total.Add(l.PurchasePrice.Mul(decimal.NewFromInt(int64(l.NumTags))))
	}
	return money.Cents(total)
}

// ExpectedPayment is the amount the member has to transfer, zero if the
// balance covers the bill.
func (b *Bill) ExpectedPayment() decimal.Decimal {
	due := b.TotalPrice.Sub(b.PreviousBalance).Sub(b.Correction)
	if due.IsPositive() {
		return money.Cents(due)
	}
	return decimal.Zero
}

// Prices snapshots the current unit prices of all products.
func Prices(products *records.ProductTable, margin decimal.Decimal) map[string]Price {
	prices := make(map[string]Price, len(products.Products))
	for _, p := range products.Products {
		prices[p.ID] = Price{
			ProductID:     p.ID,
			PurchasePrice: p.PurchasePrice,
			UnitPrice:     p.GrossSalesPrice(margin),
			UnitGCo2e:     p.GCo2e,
		}
	}
	return prices
}

// PriceWarnings compares unit prices against the previous period's snapshot.
// Products without a previous price are not compared.
func PriceWarnings(current, previous map[string]Price, maxPercent decimal.Decimal) []PriceChangeWarning {
	var warnings []PriceChangeWarning
	for _, id := range sortedIDs(current) {
		before, ok := previous[id]
		if !ok {
			continue
		}
		change := money.PercentChange(before.UnitPrice, current[id].UnitPrice)
		if change.GreaterThan(maxPercent) {
			warnings = append(warnings, PriceChangeWarning{
				ProductID:     id,
				PreviousPrice: before.UnitPrice,
				CurrentPrice:  current[id].UnitPrice,
				Percent:       change,
			})
		}
	}
	return warnings
}

// CheckAcknowledged fails unless every warning's product is acknowledged.
func CheckAcknowledged(warnings []PriceChangeWarning, acknowledged map[string]bool) error {
	var open []string
	for _, w := range warnings {
		if !acknowledged[w.ProductID] {
			open = append(open, w.String())
		}
	}
	if len(open) > 0 {
		return fmt.Errorf("%w: %s", ErrUnacknowledgedPriceChange, strings.Join(open, "; "))
	}
	return nil
}

// Input is everything a bill run depends on.
type Input struct {
	Period      string
	Currency    string
	Members     *records.MemberTable
	Products    *records.ProductTable
	Prices      map[string]Price
	Corrections map[string]records.Correction
	Tags        []reconcile.Tag
}

// Compute emits one bill per member, ordered by member id, with one line
// per product touched, ordered by product id.
func Compute(in Input) ([]*Bill, error) {
	counts := make(map[string]map[string]int)
	for _, tag := range in.Tags {
		if _, ok := in.Members.Get(tag.MemberID); !ok {
			return nil, fmt.Errorf("failed to compute bills: tag %s#%d belongs to unknown member %s", tag.SheetID, tag.Index, tag.MemberID)
		}
		if counts[tag.MemberID] == nil {
			counts[tag.MemberID] = make(map[string]int)
		}
		counts[tag.MemberID][tag.ProductID]++
	}

	members := slices.Clone(in.Members.Members)
	slices.SortFunc(members, func(a, b records.Member) int { return strings.Compare(a.ID, b.ID) })

	bills := make([]*Bill, 0, len(members))
	for _, m := range members {
		bill := &Bill{
			Period:          in.Period,
			MemberID:        m.ID,
			MemberName:      m.Name,
			Emails:          m.Emails,
			Currency:        in.Currency,
			TotalPrice:      decimal.Zero,
			TotalGCo2e:      decimal.Zero,
			PreviousBalance: m.Balance,
			Correction:      decimal.Zero,
		}
		if c, ok := in.Corrections[m.ID]; ok {
			bill.Correction = c.Amount
			bill.CorrectionJustification = c.Justification
		}

		for _, productID := range sortedIDs(counts[m.ID]) {
			price, ok := in.Prices[productID]
			if !ok {
				return nil, fmt.Errorf("failed to compute bills: no price for product %s", productID)
			}
			product, _ := in.Products.Get(productID)
			n := decimal.NewFromInt(int64(counts[m.ID][productID]))
			line := Line{
				ProductID:     productID,
				Description:   product.Description,
				NumTags:       counts[m.ID][productID],
				PurchasePrice: price.PurchasePrice,
				UnitPrice:     price.UnitPrice,
				UnitGCo2e:     price.UnitGCo2e,
				TotalPrice:    price.UnitPrice.Mul(n),
				TotalGCo2e:    price.UnitGCo2e.Mul(n),
			}
			bill.Lines = append(bill.Lines, line)
			bill.TotalPrice = bill.TotalPrice.Add(line.TotalPrice)
			bill.TotalGCo2e = bill.TotalGCo2e.Add(line.TotalGCo2e)
		}

		bill.CurrentBalance = bill.PreviousBalance.Add(bill.Correction).Sub(bill.TotalPrice)
		bills = append(bills, bill)
	}
	return bills, nil
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
