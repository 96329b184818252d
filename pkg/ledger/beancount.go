package ledger

import (
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
)

// amountColumn is the column amounts are right-aligned to.
const amountColumn = 60

// BeancountTransaction represents a Beancount transaction.
type BeancountTransaction struct {
	Date      string
	Narration string
	Tags      []string
	Postings  []BeancountPosting
}

// BeancountPosting represents a posting in a Beancount transaction.
type BeancountPosting struct {
	Account  string
	Amount   decimal.Decimal
	Currency string
	Comment  string
}

// ToBeancount converts a transaction to its Beancount form.
func (l *Ledger) ToBeancount(t Transaction) BeancountTransaction {
	var comment string
	if t.Kind == KindPayment {
		comment = t.Reference
	}
	return BeancountTransaction{
		Date:      t.Date,
		Narration: t.Description,
		Tags:      []string{t.Kind.String()},
		Postings: []BeancountPosting{
			{Account: BeancountAccount(t.TargetAccount), Amount: t.Amount, Currency: l.Currency, Comment: comment},
			{Account: BeancountAccount(t.SourceAccount), Amount: t.Amount.Neg(), Currency: l.Currency},
		},
	}
}

// FormatTransaction formats a Beancount transaction as a string.
func FormatTransaction(txn BeancountTransaction) string {
	var sb strings.Builder

	sb.WriteString(txn.Date)
	sb.WriteString(" *")
	sb.WriteString(fmt.Sprintf(" %q", txn.Narration))
	if len(txn.Tags) > 0 {
		sb.WriteString(" #")
		sb.WriteString(strings.Join(txn.Tags, " #"))
	}
	sb.WriteString("\n")

	for _, posting := range txn.Postings {
		sb.WriteString("  ")
		sb.WriteString(posting.Account)

		amount := posting.Amount.StringFixed(2)
		spaces := max(1, amountColumn-len(posting.Account)-len(amount))
		sb.WriteString(strings.Repeat(" ", spaces))
		sb.WriteString(fmt.Sprintf("%s %s", amount, posting.Currency))

		if posting.Comment != "" {
			sb.WriteString(fmt.Sprintf(" ; %s", posting.Comment))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// BeancountAccount turns a ledger account into a valid Beancount account name.
func BeancountAccount(name string) string {
	return strings.ReplaceAll(name, " ", "")
}

// fileHeader carries only the period so that regenerated journals are identical.
func fileHeader(period string) string {
	return fmt.Sprintf("; Beancount file for %s\n\n", period)
}

// WriteBeancount writes the ledger as a Beancount journal: header, open
// directives for every touched account and one entry per transaction.
func (l *Ledger) WriteBeancount(w io.Writer) error {
	var sb strings.Builder
	sb.WriteString(fileHeader(l.Period))

	// accounts open on the earliest transaction date
	opened := l.Period
	for _, t := range l.Transactions {
		opened = min(opened, t.Date)
	}
	for _, account := range l.Accounts() {
		sb.WriteString(fmt.Sprintf("%s open %s %s\n", opened, BeancountAccount(account), l.Currency))
	}
	if len(l.Transactions) > 0 {
		sb.WriteString("\n")
	}

	for i, t := range l.Transactions {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(FormatTransaction(l.ToBeancount(t)))
	}

	if _, err := io.WriteString(w, sb.String()); err != nil {
		return fmt.Errorf("failed to write beancount journal: %w", err)
	}
	return nil
}
