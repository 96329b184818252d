// Package bank reads bank statements and reconciles them against the
// payments members are expected to make.
package bank

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/config"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/money"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/records"
)

// transactionNamespace scopes the name-based transaction ids.
var transactionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("tagtrail:bank-transaction"))

// disclaimers are footer rows of statement exports that carry no transaction.
var disclaimers = []string{
	"Disclaimer:",
	"This is not a document created by PostFinance Ltd. PostFinance Ltd is not responsible for the content.",
}

// StatementValidationError rejects a statement as a whole.
type StatementValidationError struct {
	Field    string
	Got      string
	Expected string
	Err      error
}

func (e *StatementValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid statement: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid statement: unexpected %s %q, should be %q", e.Field, e.Got, e.Expected)
}

func (e *StatementValidationError) Unwrap() error {
	return e.Err
}

// Transaction is one booking of a statement. Exactly one of credit and
// debit is set; Amount is always positive.
type Transaction struct {
	ID               string
	Row              int
	BookingDate      time.Time
	NotificationText string
	Credit           bool
	Amount           decimal.Decimal
	ValueDate        string
	Balance          string
	IBAN             string
	Currency         string
}

// Statement is a validated bank statement.
type Statement struct {
	DateFrom     time.Time
	DateTo       time.Time
	EntryType    string
	IBAN         string
	Currency     string
	Transactions []Transaction
}

// InWindow reports whether t was booked inside the statement's date range.
func (s *Statement) InWindow(t Transaction) bool {
	return !t.BookingDate.Before(s.DateFrom) && !t.BookingDate.After(s.DateTo)
}

// ReadStatementFile opens and reads a statement export.
func ReadStatementFile(path string, settings config.Settings) (*Statement, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open statement: %w", err)
	}
	defer f.Close()
	return ReadStatement(f, settings)
}

// ReadStatement parses and validates a statement. Any problem rejects the
// whole statement with a StatementValidationError and no transactions.
func ReadStatement(r io.Reader, settings config.Settings) (*Statement, error) {
	bi := settings.BankImport
	opts := []records.TableOption{
		records.WithPrefix(bi.Labels.DateFrom, bi.Labels.DateTo, bi.Labels.EntryType, bi.Labels.Account, bi.Labels.Currency),
		records.WithSkip(isDisclaimer),
	}
	if bi.Encoding != "" {
		enc, err := ianaindex.IANA.Encoding(bi.Encoding)
		if err != nil || enc == nil {
			return nil, fmt.Errorf("unsupported statement encoding %q", bi.Encoding)
		}
		opts = append(opts, records.WithCharset(enc))
	}

	table, err := records.ReadTable(r, nil, opts...)
	if err != nil {
		return nil, &StatementValidationError{Field: "format", Err: err}
	}

	stmt := &Statement{
		EntryType: table.PrefixValue(bi.Labels.EntryType),
		IBAN:      table.PrefixValue(bi.Labels.Account),
		Currency:  table.PrefixValue(bi.Labels.Currency),
	}
	checks := []struct{ field, got, expected string }{
		{"entry type", stmt.EntryType, bi.ExpectedEntryType},
		{"account", stmt.IBAN, settings.General.OurIBAN},
		{"currency", stmt.Currency, settings.General.Currency},
	}
	for _, c := range checks {
		if c.got != c.expected {
			return nil, &StatementValidationError{Field: c.field, Got: c.got, Expected: c.expected}
		}
	}

	if stmt.DateFrom, err = time.Parse(bi.DateFormat, table.PrefixValue(bi.Labels.DateFrom)); err != nil {
		return nil, &StatementValidationError{Field: "date from", Err: err}
	}
	if stmt.DateTo, err = time.Parse(bi.DateFormat, table.PrefixValue(bi.Labels.DateTo)); err != nil {
		return nil, &StatementValidationError{Field: "date to", Err: err}
	}
	if stmt.DateTo.Before(stmt.DateFrom) {
		return nil, &StatementValidationError{Field: "date range", Err: errors.New("date to is before date from")}
	}
	if len(table.Header) < 6 {
		return nil, &StatementValidationError{Field: "header", Err: fmt.Errorf("expected 6 columns, got %d", len(table.Header))}
	}

	occurrences := make(map[string]int)
	for i, row := range table.Rows {
		t, err := parseTransaction(row, bi.DateFormat)
		if err != nil {
			return nil, &StatementValidationError{Field: fmt.Sprintf("row %d", i+1), Err: err}
		}
		t.Row = i + 1
		t.IBAN = stmt.IBAN
		t.Currency = stmt.Currency

		canonical := canonicalRow(t)
		occurrences[canonical]++
		t.ID = uuid.NewSHA1(transactionNamespace, []byte(canonical+"|"+strconv.Itoa(occurrences[canonical]))).String()

		stmt.Transactions = append(stmt.Transactions, t)
	}

	return stmt, nil
}

func parseTransaction(row []string, dateFormat string) (Transaction, error) {
	if len(row) < 6 {
		return Transaction{}, fmt.Errorf("expected 6 columns, got %d", len(row))
	}

	bookingDate, err := time.Parse(dateFormat, row[0])
	if err != nil {
		return Transaction{}, fmt.Errorf("booking date: %w", err)
	}
	credit, err := money.Parse(row[2])
	if err != nil {
		return Transaction{}, fmt.Errorf("credit: %w", err)
	}
	debit, err := money.Parse(row[3])
	if err != nil {
		return Transaction{}, fmt.Errorf("debit: %w", err)
	}
	if (row[2] == "") == (row[3] == "") {
		return Transaction{}, errors.New("exactly one of credit and debit must be given")
	}

	t := Transaction{
		BookingDate:      bookingDate,
		NotificationText: row[1],
		ValueDate:        row[4],
		Balance:          row[5],
	}
	if row[2] != "" {
		t.Credit = true
		t.Amount = credit.Abs()
	} else {
		t.Amount = debit.Abs()
	}
	return t, nil
}

// canonicalRow is the identity of a transaction within an account.
func canonicalRow(t Transaction) string {
	kind := "debit"
	if t.Credit {
		kind = "credit"
	}
	return strings.Join([]string{
		t.IBAN,
		t.BookingDate.Format("2006-01-02"),
		t.NotificationText,
		kind,
		money.Format(t.Amount),
		t.ValueDate,
		t.Balance,
	}, "|")
}

func isDisclaimer(row []string) bool {
	for _, d := range disclaimers {
		if row[0] == d {
			return true
		}
	}
	return false
}
