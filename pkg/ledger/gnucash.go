package ledger

import (
	"fmt"
	"io"
	"strings"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/config"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/money"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/records"
)

// TransactionColumns is the GnuCash transaction import schema.
var TransactionColumns = []string{"date", "description", "sourceAccount", "amount", "targetAccount"}

// AccountColumns is the GnuCash account import schema.
var AccountColumns = []string{
	"type", "full_name", "name", "code", "description", "color", "notes",
	"commoditym", "commodityn", "hidden", "tax", "place_holder",
}

// TransactionsTable renders the ledger for the GnuCash transaction import.
func (l *Ledger) TransactionsTable() *records.Table {
	table := &records.Table{Header: TransactionColumns}
	for _, t := range l.Transactions {
		table.Rows = append(table.Rows, []string{
			t.Date,
			t.Description,
			t.SourceAccount,
			money.Format(t.Amount),
			t.TargetAccount,
		})
	}
	return table
}

// WriteGnuCash writes transactions.csv content.
func (l *Ledger) WriteGnuCash(w io.Writer) error {
	if err := records.WriteTable(w, l.TransactionsTable()); err != nil {
		return fmt.Errorf("failed to write gnucash transactions: %w", err)
	}
	return nil
}

// Account is a member account for the GnuCash account import.
type Account struct {
	FullName string
	Name     string
}

// MemberAccounts returns the member accounts touched by the ledger.
func MemberAccounts(l *Ledger, settings config.Settings) []Account {
	prefix := settings.GnuCash.AccountPrefix
	var accounts []Account
	for _, full := range l.Accounts() {
		name, ok := strings.CutPrefix(full, prefix)
		if !ok || name == "" {
			continue
		}
		accounts = append(accounts, Account{FullName: full, Name: name})
	}
	return accounts
}

// AccountsTable renders accounts for the GnuCash account import.
func AccountsTable(accounts []Account, settings config.Settings) *records.Table {
	gc := settings.GnuCash
	table := &records.Table{Header: AccountColumns}
	for _, a := range accounts {
		table.Rows = append(table.Rows, []string{
			gc.AccountType, a.FullName, a.Name, "", "", "", "",
			settings.General.Currency, gc.CommodityNamespace, "F", "F", "F",
		})
	}
	return table
}

// WriteAccounts writes accounts.csv content.
func WriteAccounts(w io.Writer, accounts []Account, settings config.Settings) error {
	if err := records.WriteTable(w, AccountsTable(accounts, settings)); err != nil {
		return fmt.Errorf("failed to write gnucash accounts: %w", err)
	}
	return nil
}
