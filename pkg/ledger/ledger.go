// Package ledger turns the bills, inventory differences and bank payments of
// a period into balanced double-entry transactions and exports them.
package ledger

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/bank"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/billing"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/config"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/money"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/reconcile"
)

// Kind orders transactions inside a ledger.
type Kind int

const (
	KindPurchase Kind = iota
	KindInventoryDifference
	KindCorrection
	KindPayment
)

func (k Kind) String() string {
	switch k {
	case KindPurchase:
		return "purchase"
	case KindInventoryDifference:
		return "inventory-difference"
	case KindCorrection:
		return "correction"
	case KindPayment:
		return "payment"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Transaction moves Amount from Source to Target. Amount is always positive.
type Transaction struct {
	Kind          Kind
	Date          string
	Description   string
	SourceAccount string
	TargetAccount string
	Amount        decimal.Decimal
	// Reference is the member, product or bank transaction id the transaction was derived from.
	Reference string
}

// Entry is one side of a transaction: debits are positive, credits negative.
type Entry struct {
	Account   string
	Amount    decimal.Decimal
	Reference string
}

// Entries expands the transaction into its debit and credit entries.
func (t Transaction) Entries() []Entry {
	return []Entry{
		{Account: t.TargetAccount, Amount: t.Amount, Reference: t.Reference},
		{Account: t.SourceAccount, Amount: t.Amount.Neg(), Reference: t.Reference},
	}
}

// Ledger is the ordered transaction list of a period.
type Ledger struct {
	Period       string
	Currency     string
	Transactions []Transaction
}

// Entries returns all entries in transaction order.
func (l *Ledger) Entries() []Entry {
	entries := make([]Entry, 0, 2*len(l.Transactions))
	for _, t := range l.Transactions {
		entries = append(entries, t.Entries()...)
	}
	return entries
}

// Accounts returns the sorted set of accounts touched by the ledger.
func (l *Ledger) Accounts() []string {
	seen := make(map[string]bool)
	var accounts []string
	for _, t := range l.Transactions {
		for _, a := range []string{t.SourceAccount, t.TargetAccount} {
			if !seen[a] {
				seen[a] = true
				accounts = append(accounts, a)
			}
		}
	}
	slices.Sort(accounts)
	return accounts
}

// Sum returns the total of all entries, zero for a balanced ledger.
func (l *Ledger) Sum() decimal.Decimal {
	sum := decimal.Zero
	for _, e := range l.Entries() {
		sum = sum.Add(e.Amount)
	}
	return sum
}

// ErrImbalance marks a ledger that must not be written.
var ErrImbalance = errors.New("ledger imbalance")

// LedgerImbalanceError reports a failed balance or purchase total check.
type LedgerImbalanceError struct {
	Period   string
	Check    string
	Got      decimal.Decimal
	Expected decimal.Decimal
}

func (e *LedgerImbalanceError) Error() string {
	return fmt.Sprintf("ledger %s: %s is %s, expected %s", e.Period, e.Check, money.Format(e.Got), money.Format(e.Expected))
}

func (e *LedgerImbalanceError) Unwrap() error {
	return ErrImbalance
}

// Input is everything a period ledger is derived from.
type Input struct {
	Period      string
	Bills       []*billing.Bill
	Differences []reconcile.InventoryDifference
	Payments    []bank.Payment
	// Margin is the product margin used to price inventory differences.
	Margin decimal.Decimal
}

// Generator builds period ledgers from the account settings.
type Generator struct {
	settings config.Settings
}

// NewGenerator creates a new Generator.
func NewGenerator(settings config.Settings) *Generator {
	return &Generator{settings: settings}
}

// Generate derives the ledger of a period. The result only depends on the input,
// so regenerating a closed period yields the same transactions.
func (g *Generator) Generate(in Input) (*Ledger, error) {
	l := &Ledger{Period: in.Period, Currency: g.settings.General.Currency}

	bills := slices.Clone(in.Bills)
	slices.SortFunc(bills, func(a, b *billing.Bill) int { return strings.Compare(a.MemberID, b.MemberID) })

	billed := decimal.Zero
	for _, b := range bills {
		billed = billed.Add(b.TotalPrice)
	}

	g.addPurchases(l, bills)
	g.addInventoryDifferences(l, in.Differences, in.Margin)
	g.addCorrections(l, bills)
	g.addPayments(l, in.Payments)

	if sum := l.Sum(); !sum.IsZero() {
		return nil, &LedgerImbalanceError{Period: in.Period, Check: "sum of entries", Got: sum, Expected: decimal.Zero}
	}

	purchased := decimal.Zero
	for _, t := range l.Transactions {
		if t.Kind == KindPurchase {
			purchased = purchased.Add(t.Amount)
		}
	}
	if !purchased.Equal(billed) {
		return nil, &LedgerImbalanceError{Period: in.Period, Check: "purchase postings", Got: purchased, Expected: billed}
	}

	return l, nil
}

func (g *Generator) addPurchases(l *Ledger, bills []*billing.Bill) {
	acc := g.settings.Account
	for _, b := range bills {
		member := g.settings.MemberAccount(b.MemberID)
		merchandise := b.MerchandiseValue()
		g.add(l, Transaction{
			Kind:          KindPurchase,
			Description:   fmt.Sprintf("%s accounted on %s", acc.MerchandiseValue, l.Period),
			SourceAccount: acc.MerchandiseValueAccount,
			TargetAccount: member,
			Amount:        merchandise,
			Reference:     b.MemberID,
		})
		g.add(l, Transaction{
			Kind:          KindPurchase,
			Description:   fmt.Sprintf("%s accounted on %s", acc.Margin, l.Period),
			SourceAccount: acc.MarginAccount,
			TargetAccount: member,
			Amount:        b.TotalPrice.Sub(merchandise),
			Reference:     b.MemberID,
		})
	}
}

func (g *Generator) addInventoryDifferences(l *Ledger, differences []reconcile.InventoryDifference, margin decimal.Decimal) {
	acc := g.settings.Account

	notable := slices.Clone(differences)
	notable = slices.DeleteFunc(notable, func(d reconcile.InventoryDifference) bool { return !d.Notable })
	slices.SortFunc(notable, func(a, b reconcile.InventoryDifference) int { return strings.Compare(a.Product.ID, b.Product.ID) })

	for _, d := range notable {
		qty := decimal.NewFromInt(int64(d.Difference))
		purchase := money.Cents(qty.Mul(d.Product.PurchasePrice))
		gross := money.Cents(qty.Mul(d.Product.GrossSalesPrice(margin)))
		description := fmt.Sprintf("%s: %s accounted on %s", d.Product.ID, acc.InventoryDifference, l.Period)

		g.add(l, Transaction{
			Kind:          KindInventoryDifference,
			Description:   description,
			SourceAccount: acc.MerchandiseValueAccount,
			TargetAccount: acc.InventoryDifferenceAccount,
			Amount:        purchase,
			Reference:     d.Product.ID,
		})
		g.add(l, Transaction{
			Kind:          KindInventoryDifference,
			Description:   description,
			SourceAccount: acc.MarginAccount,
			TargetAccount: acc.InventoryDifferenceAccount,
			Amount:        gross.Sub(purchase),
			Reference:     d.Product.ID,
		})
	}
}

func (g *Generator) addCorrections(l *Ledger, bills []*billing.Bill) {
	acc := g.settings.Account
	for _, b := range bills {
		description := fmt.Sprintf("%s accounted on %s", acc.Correction, l.Period)
		if b.CorrectionJustification != "" {
			description = fmt.Sprintf("%s: %s", description, b.CorrectionJustification)
		}
		g.add(l, Transaction{
			Kind:          KindCorrection,
			Description:   description,
			SourceAccount: g.settings.MemberAccount(b.MemberID),
			TargetAccount: acc.CorrectionAccount,
			Amount:        b.Correction,
			Reference:     b.MemberID,
		})
	}
}

func (g *Generator) addPayments(l *Ledger, payments []bank.Payment) {
	checking := g.settings.BankImport.CheckingAccount
	dateFormat := g.settings.General.DateFormat
	if dateFormat == "" {
		dateFormat = time.DateOnly
	}

	for _, p := range payments {
		account := p.Account
		if p.MemberID != "" {
			account = g.settings.MemberAccount(p.MemberID)
		}

		t := Transaction{
			Kind:          KindPayment,
			Date:          p.Transaction.BookingDate.Format(dateFormat),
			Description:   p.Transaction.NotificationText,
			SourceAccount: account,
			TargetAccount: checking,
			Amount:        p.Transaction.Amount,
			Reference:     p.Transaction.ID,
		}
		if !p.Transaction.Credit {
			t.SourceAccount, t.TargetAccount = checking, account
		}
		g.add(l, t)
	}
}

// add appends a transaction, skipping zero amounts and flipping negative ones.
func (g *Generator) add(l *Ledger, t Transaction) {
	if t.Amount.IsZero() {
		return
	}
	if t.Amount.IsNegative() {
		t.SourceAccount, t.TargetAccount = t.TargetAccount, t.SourceAccount
		t.Amount = t.Amount.Neg()
	}
	if t.Date == "" {
		t.Date = l.Period
	}
	l.Transactions = append(l.Transactions, t)
}
