package records

import (
	"github.com/shopspring/decimal"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/money"
)

// Product is a store product that is sold by tags.
// Quantities are counted in tags (one tag per unit of Amount/Unit).
type Product struct {
	ID                string
	Description       string
	Amount            string
	Unit              string
	PurchasePrice     decimal.Decimal
	PreviousQuantity  int
	AddedQuantity     int
	SoldQuantity      int
	ExpectedQuantity  int
	InventoryQuantity *int
	SheetsToPrint     int
	Comment           string
	EaternityName     string
	Origin            string
	Production        string
	Transport         string
	Conservation      string
	GCo2e             decimal.Decimal
}

// GrossSalesPrice returns the unit price charged to members:
// the purchase price plus margin, rounded to 5 cents.
func (p Product) GrossSalesPrice(margin decimal.Decimal) decimal.Decimal {
	return money.RoundCH(p.PurchasePrice.Mul(decimal.NewFromInt(1).Add(margin)))
}

// HasInventory reports whether an inventory count was recorded.
func (p Product) HasInventory() bool {
	return p.InventoryQuantity != nil
}

// ProductTable is the products store of one period.
type ProductTable struct {
	PreviousQuantityDate  string
	ExpectedQuantityDate  string
	InventoryQuantityDate string
	Products              []Product
}

// Get returns a product by id.
func (t *ProductTable) Get(id string) (Product, bool) {
	for _, p := range t.Products {
		if p.ID == id {
			return p, true
		}
	}
	return Product{}, false
}

// Member is a cooperative member with a running balance.
// A positive balance is credit in favour of the member.
type Member struct {
	ID      string
	Name    string
	Emails  []string
	Balance decimal.Decimal
}

// MemberTable is the members store as of an accounting date.
type MemberTable struct {
	AccountingDate string
	Members        []Member
}

// Get returns a member by id.
func (t *MemberTable) Get(id string) (Member, bool) {
	for _, m := range t.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// IDs returns all member ids in table order.
func (t *MemberTable) IDs() []string {
	ids := make([]string, 0, len(t.Members))
	for _, m := range t.Members {
		ids = append(ids, m.ID)
	}
	return ids
}

// Correction is a manual balance adjustment made outside the tag pipeline.
type Correction struct {
	MemberID      string
	Amount        decimal.Decimal
	Justification string
}
