package bank

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/billing"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/config"
)

const ourIBAN = "CH3609000000890399940"

func testSettings() config.Settings {
	s := config.DefaultSettings()
	s.General.OurIBAN = ourIBAN
	return s
}

func statement(iban string, rows ...string) string {
	return "Datum von:;2024-01-01\n" +
		"Datum bis:;2024-01-31\n" +
		"Buchungsart:;Alle Buchungen\n" +
		"Konto:;" + iban + "\n" +
		"Währung:;CHF\n" +
		"\n" +
		"Buchungsdatum;Avisierungstext;Gutschrift in CHF;Lastschrift in CHF;Valuta;Saldo in CHF\n" +
		strings.Join(rows, "\n") + "\n" +
		"\n" +
		"Disclaimer:\n" +
		"This is not a document created by PostFinance Ltd. PostFinance Ltd is not responsible for the content.\n"
}

func latin1(t *testing.T, s string) *bytes.Buffer {
	t.Helper()
	encoded, err := charmap.ISO8859_1.NewEncoder().String(s)
	require.NoError(t, err)
	return bytes.NewBufferString(encoded)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestReadStatement(t *testing.T) {
	input := statement(ourIBAN,
		"2024-01-05;GIRO AUS KONTO MITTEILUNGEN: LILA januar;42.50;;2024-01-05;142.50",
		"2024-01-06;KONTOFÜHRUNG;;5.00;2024-01-06;137.50",
	)

	stmt, err := ReadStatement(latin1(t, input), testSettings())
	require.NoError(t, err)

	assert.Equal(t, ourIBAN, stmt.IBAN)
	assert.Equal(t, "CHF", stmt.Currency)
	require.Len(t, stmt.Transactions, 2)

	first := stmt.Transactions[0]
	assert.True(t, first.Credit)
	assert.Equal(t, "42.5", first.Amount.String())
	assert.Equal(t, 1, first.Row)
	assert.Len(t, first.ID, 36)

	second := stmt.Transactions[1]
	assert.False(t, second.Credit)
	assert.Equal(t, "KONTOFÜHRUNG", second.NotificationText)

	again, err := ReadStatement(latin1(t, input), testSettings())
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.Transactions[0].ID)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestReadStatementDuplicateRowsGetDistinctIDs(t *testing.T) {
	row := "2024-01-05;GIRO;20.00;;2024-01-05;100.00"
	stmt, err := ReadStatement(latin1(t, statement(ourIBAN, row, row)), testSettings())
	require.NoError(t, err)
	assert.NotEqual(t, stmt.Transactions[0].ID, stmt.Transactions[1].ID)
}

func TestReadStatementRejected(t *testing.T) {
	tests := []struct {
		name  string
		input string
		field string
	}{
		{"foreign iban", statement("CH0000000000000000000", "2024-01-05;GIRO;42.50;;2024-01-05;1"), "account"},
		{"wrong entry type", strings.Replace(statement(ourIBAN), "Alle Buchungen", "Gutschriften", 1), "entry type"},
		{"wrong currency", strings.Replace(statement(ourIBAN), "Währung:;CHF", "Währung:;EUR", 1), "currency"},
		{"credit and debit", statement(ourIBAN, "2024-01-05;GIRO;42.50;1.00;2024-01-05;1"), "row 1"},
		{"bad date", statement(ourIBAN, "05.01.2024;GIRO;42.50;;2024-01-05;1"), "row 1"},
		{"missing prefix", "Buchungsdatum;Avisierungstext\n", "format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt, err := ReadStatement(latin1(t, tt.input), testSettings())
			assert.Nil(t, stmt)
			var validationErr *StatementValidationError
			require.True(t, errors.As(err, &validationErr))
			assert.Equal(t, tt.field, validationErr.Field)
		})
	}
}

func testStatement(t *testing.T, rows ...string) *Statement {
	t.Helper()
	stmt, err := ReadStatement(latin1(t, statement(ourIBAN, rows...)), testSettings())
	require.NoError(t, err)
	return stmt
}

func TestMatchUnique(t *testing.T) {
	stmt := testStatement(t, "2024-01-05;GIRO AUS KONTO;42.50;;2024-01-05;1")
	expected := []ExpectedPayment{
		{MemberID: "LILA", Amount: d("42.50"), Currency: "CHF"},
		{MemberID: "MAX", Amount: d("10.00"), Currency: "CHF"},
	}

	report := NewMatcher([]string{"LILA", "MAX"}, "MITTEILUNGEN:").Match(stmt, expected)

	require.Len(t, report.Matched, 1)
	assert.Equal(t, "LILA", report.Matched[0].MemberID)
	assert.Equal(t, MatchedUniquely, report.Matched[0].How)
	assert.Equal(t, "42.5", report.Paid("LILA").String())
	require.Len(t, report.UnmatchedPayments, 1)
	assert.Equal(t, "MAX", report.UnmatchedPayments[0].Payment.MemberID)
	assert.False(t, report.Resolved())
}

func TestMatchAmbiguousWithoutSignal(t *testing.T) {
	stmt := testStatement(t,
		"2024-01-05;GIRO;20.00;;2024-01-05;1",
		"2024-01-06;GIRO;20.00;;2024-01-06;2",
	)
	expected := []ExpectedPayment{
		{MemberID: "LILA", Amount: d("20.00"), Currency: "CHF"},
		{MemberID: "MAX", Amount: d("20.00"), Currency: "CHF"},
	}

	report := NewMatcher([]string{"LILA", "MAX"}, "MITTEILUNGEN:").Match(stmt, expected)

	assert.Empty(t, report.Matched)
	assert.Len(t, report.UnmatchedTransactions, 2)
	assert.Len(t, report.UnmatchedPayments, 2)
	assert.Contains(t, report.UnmatchedTransactions[0].Reason, "ambiguous")
}

func TestMatchBySignal(t *testing.T) {
	stmt := testStatement(t,
		"2024-01-05;GIRO MITTEILUNGEN: MAX januar;20.00;;2024-01-05;1",
		"2024-01-06;Zahlung von lila fuer tagtrail;20.00;;2024-01-06;2",
	)
	expected := []ExpectedPayment{
		{MemberID: "LILA", Amount: d("20.00"), Currency: "CHF"},
		{MemberID: "MAX", Amount: d("20.00"), Currency: "CHF"},
	}

	report := NewMatcher([]string{"LILA", "MAX"}, "MITTEILUNGEN:").Match(stmt, expected)

	require.Len(t, report.Matched, 2)
	assert.Equal(t, "MAX", report.Matched[0].MemberID)
	assert.Equal(t, "LILA", report.Matched[1].MemberID)
	assert.Equal(t, MatchedBySignal, report.Matched[1].How)
	assert.True(t, report.Resolved())
	assert.NoError(t, report.Errors())
}

func TestMatchSharedSignalIsNotTrusted(t *testing.T) {
	stmt := testStatement(t,
		"2024-01-05;MITTEILUNGEN: MAX;20.00;;2024-01-05;1",
		"2024-01-06;MITTEILUNGEN: MAX;20.00;;2024-01-06;2",
	)
	expected := []ExpectedPayment{
		{MemberID: "LILA", Amount: d("20.00"), Currency: "CHF"},
		{MemberID: "MAX", Amount: d("20.00"), Currency: "CHF"},
	}

	report := NewMatcher([]string{"LILA", "MAX"}, "MITTEILUNGEN:").Match(stmt, expected)
	assert.Empty(t, report.Matched)
}

func TestMatchNamedMemberIsAuthoritative(t *testing.T) {
	tests := []struct {
		name    string
		rows    []string
		matched []string
		unpaid  []string
		reason  string
	}{
		{
			name:   "amount of another member",
			rows:   []string{"2024-01-05;GIRO MITTEILUNGEN: LILA januar;30.00;;2024-01-05;1"},
			unpaid: []string{"LILA", "MAX"},
			reason: "amount differs from expected payment of LILA",
		},
		{
			name:    "unnamed transaction still matches uniquely",
			rows:    []string{"2024-01-05;GIRO MITTEILUNGEN: LILA januar;30.00;;2024-01-05;1", "2024-01-06;GIRO;25.00;;2024-01-06;2"},
			matched: []string{"LILA"},
			unpaid:  []string{"MAX"},
			reason:  "amount differs from expected payment of LILA",
		},
	}

	expected := []ExpectedPayment{
		{MemberID: "LILA", Amount: d("25.00"), Currency: "CHF"},
		{MemberID: "MAX", Amount: d("30.00"), Currency: "CHF"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := NewMatcher([]string{"LILA", "MAX"}, "MITTEILUNGEN:").Match(testStatement(t, tt.rows...), expected)

			var matched []string
			for _, p := range report.Matched {
				matched = append(matched, p.MemberID)
			}
			assert.Equal(t, tt.matched, matched)

			var unpaid []string
			for _, u := range report.UnmatchedPayments {
				unpaid = append(unpaid, u.Payment.MemberID)
			}
			assert.Equal(t, tt.unpaid, unpaid)

			require.Len(t, report.UnmatchedTransactions, 1)
			assert.Equal(t, tt.reason, report.UnmatchedTransactions[0].Reason)
		})
	}
}

func TestMatchDebitAndWindow(t *testing.T) {
	stmt := testStatement(t,
		"2024-02-02;GIRO;42.50;;2024-02-02;1",
		"2024-01-10;KARTE;;42.50;2024-01-10;0",
	)
	expected := []ExpectedPayment{{MemberID: "LILA", Amount: d("42.50"), Currency: "CHF"}}

	report := NewMatcher([]string{"LILA"}, "MITTEILUNGEN:").Match(stmt, expected)

	assert.Empty(t, report.Matched)
	require.Len(t, report.UnmatchedTransactions, 2)
	assert.Equal(t, "booked outside statement window", report.UnmatchedTransactions[0].Reason)
	assert.Equal(t, "debit", report.UnmatchedTransactions[1].Reason)

	err := report.Errors()
	var unmatchedTx *UnmatchedBankTransaction
	assert.True(t, errors.As(err, &unmatchedTx))
	var unmatchedPayment *UnmatchedExpectedPayment
	assert.True(t, errors.As(err, &unmatchedPayment))
}

func TestSignal(t *testing.T) {
	m := NewMatcher([]string{"LILA", "MAX", "MA"}, "MITTEILUNGEN:")

	tests := []struct {
		text     string
		expected string
	}{
		{"GIRO MITTEILUNGEN: LILA januar", "LILA"},
		{"GIRO MITTEILUNGEN:MAX", "MAX"},
		{"GIRO MITTEILUNGEN: BOB", ""},
		{"payment from max for tagtrail", "MAX"},
		{"payment ma and max ", ""},
		{"no id at all", ""},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.expected, m.Signal(tt.text))
		})
	}
}

func TestAssignAndWaive(t *testing.T) {
	stmt := testStatement(t,
		"2024-01-05;GIRO;30.00;;2024-01-05;1",
		"2024-01-07;ZINS;0.10;;2024-01-07;2",
	)
	expected := []ExpectedPayment{
		{MemberID: "LILA", Amount: d("30.00"), Currency: "CHF"},
		{MemberID: "MAX", Amount: d("30.00"), Currency: "CHF"},
	}
	members := []string{"LILA", "MAX"}

	report := NewMatcher(members, "MITTEILUNGEN:").Match(stmt, expected)
	require.Len(t, report.UnmatchedTransactions, 2)

	path := filepath.Join(t.TempDir(), "bankAssignments.csv")
	content := "transactionId;account\n" +
		stmt.Transactions[0].ID + ";MAX\n" +
		stmt.Transactions[1].ID + ";Income:Interest\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	assignments, err := ReadAssignments(path)
	require.NoError(t, err)
	require.NoError(t, report.Assign(assignments, members))

	require.Len(t, report.Matched, 2)
	assert.Equal(t, "MAX", report.Matched[0].MemberID)
	assert.Equal(t, "Income:Interest", report.Matched[1].Account)
	assert.Empty(t, report.UnmatchedTransactions)
	require.Len(t, report.UnmatchedPayments, 1)

	report.Waive(map[string]bool{"LILA": true})
	assert.True(t, report.Resolved())
	assert.Equal(t, "LILA", report.Waived[0].MemberID)

	assert.ErrorContains(t, report.Assign([]Assignment{{TransactionID: "nope", Account: "MAX"}}, members), "unknown transaction")

	none, err := ReadAssignments(filepath.Join(t.TempDir(), "missing.csv"))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestExpectedPayments(t *testing.T) {
	bills := []*billing.Bill{
		{MemberID: "LILA", Currency: "CHF", TotalPrice: d("42.50"), PreviousBalance: decimal.Zero, Correction: decimal.Zero},
		{MemberID: "MAX", Currency: "CHF", TotalPrice: d("5.00"), PreviousBalance: d("10.00"), Correction: decimal.Zero},
	}

	payments := ExpectedPayments(bills)
	require.Len(t, payments, 1)
	assert.Equal(t, "LILA", payments[0].MemberID)
	assert.Equal(t, "42.5", payments[0].Amount.String())
}
