package bank

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/billing"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/money"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/records"
)

// How a transaction was attributed.
const (
	MatchedBySignal   = "signal"
	MatchedUniquely   = "unique"
	MatchedByOverride = "assigned"
)

// AssignmentColumns is the column contract of the bank assignments table.
var AssignmentColumns = []string{"transactionId", "account"}

// ExpectedPayment is the amount a member has to transfer for a period.
type ExpectedPayment struct {
	MemberID string
	Amount   decimal.Decimal
	Currency string
}

// ExpectedPayments derives the expected payments from bills.
func ExpectedPayments(bills []*billing.Bill) []ExpectedPayment {
	var payments []ExpectedPayment
	for _, b := range bills {
		if amount := b.ExpectedPayment(); amount.IsPositive() {
			payments = append(payments, ExpectedPayment{MemberID: b.MemberID, Amount: amount, Currency: b.Currency})
		}
	}
	return payments
}

// Payment is a transaction attributed to a member or to a ledger account.
type Payment struct {
	Transaction Transaction
	MemberID    string
	Account     string
	How         string
}

// UnmatchedBankTransaction is a transaction nobody could be attributed to.
type UnmatchedBankTransaction struct {
	Transaction Transaction
	Reason      string
}

func (e *UnmatchedBankTransaction) Error() string {
	return fmt.Sprintf("unmatched bank transaction %s (%s, %s %s): %s",
		e.Transaction.ID, e.Transaction.BookingDate.Format("2006-01-02"),
		money.Format(e.Transaction.Amount), e.Transaction.Currency, e.Reason)
}

// UnmatchedExpectedPayment is an expected payment no transaction was found for.
type UnmatchedExpectedPayment struct {
	Payment ExpectedPayment
	Reason  string
}

func (e *UnmatchedExpectedPayment) Error() string {
	return fmt.Sprintf("unmatched expected payment of %s: %s: %s",
		e.Payment.MemberID, money.FormatWithCurrency(e.Payment.Amount, e.Payment.Currency), e.Reason)
}

// Report is the result of reconciling a statement.
type Report struct {
	Matched               []Payment
	UnmatchedTransactions []*UnmatchedBankTransaction
	UnmatchedPayments     []*UnmatchedExpectedPayment
	Waived                []ExpectedPayment
}

// Resolved reports whether nothing is left unmatched.
func (r *Report) Resolved() bool {
	return len(r.UnmatchedTransactions) == 0 && len(r.UnmatchedPayments) == 0
}

// Errors returns every unresolved item as an error.
func (r *Report) Errors() error {
	var errs []error
	for _, u := range r.UnmatchedTransactions {
		errs = append(errs, u)
	}
	for _, u := range r.UnmatchedPayments {
		errs = append(errs, u)
	}
	return errors.Join(errs...)
}

// Paid returns the total credited to a member, net of debits assigned to them.
func (r *Report) Paid(memberID string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range r.Matched {
		if p.MemberID != memberID {
			continue
		}
		if p.Transaction.Credit {
			total = total.Add(p.Transaction.Amount)
		} else {
			total = total.Sub(p.Transaction.Amount)
		}
	}
	return total
}

// Matcher attributes statement transactions to expected payments.
type Matcher struct {
	memberIDs     []string
	messagePrefix *regexp.Regexp
}

// NewMatcher creates a Matcher for the given member ids and the statement's
// message marker (e.g. "MITTEILUNGEN:").
func NewMatcher(memberIDs []string, messagePrefix string) *Matcher {
	m := &Matcher{memberIDs: memberIDs}
	if messagePrefix != "" {
		m.messagePrefix = regexp.MustCompile(regexp.QuoteMeta(messagePrefix) + `\s*`)
	}
	return m
}

// Signal returns the member id a transaction text names, or "".
// The id following the message marker wins; otherwise exactly one id must
// occur as a separate word.
func (m *Matcher) Signal(text string) string {
	if id := m.inferMemberID(text); id != "" {
		return id
	}
	return m.mostLikelyMemberID(text)
}

func (m *Matcher) inferMemberID(text string) string {
	if m.messagePrefix == nil {
		return ""
	}
	parts := m.messagePrefix.Split(text, -1)
	if len(parts) != 2 {
		return ""
	}
	fields := strings.Fields(parts[1])
	if len(fields) == 0 {
		return ""
	}
	for _, id := range m.memberIDs {
		if id == fields[0] {
			return id
		}
	}
	return ""
}

func (m *Matcher) mostLikelyMemberID(text string) string {
	upper := strings.ToUpper(text)
	found := ""
	for _, id := range m.memberIDs {
		if strings.Contains(upper, " "+strings.ToUpper(id)+" ") {
			if found != "" {
				return ""
			}
			found = id
		}
	}
	return found
}

// Match attributes credits inside the statement window to expected payments.
// Nothing is guessed: a transaction is matched by a signal that no other
// transaction of the same amount shares, or by a one-to-one amount match.
// A transaction naming a member never settles another member's payment.
func (m *Matcher) Match(stmt *Statement, expected []ExpectedPayment) *Report {
	report := &Report{}
	open := make([]bool, len(expected))
	for i := range open {
		open[i] = true
	}

	var candidates []int
	for i, t := range stmt.Transactions {
		switch {
		case !t.Credit:
			report.UnmatchedTransactions = append(report.UnmatchedTransactions, &UnmatchedBankTransaction{Transaction: t, Reason: "debit"})
		case !stmt.InWindow(t):
			report.UnmatchedTransactions = append(report.UnmatchedTransactions, &UnmatchedBankTransaction{Transaction: t, Reason: "booked outside statement window"})
		default:
			candidates = append(candidates, i)
		}
	}

	paymentsFor := func(t Transaction) []int {
		var idx []int
		for j, p := range expected {
			if open[j] && p.Currency == t.Currency && p.Amount.Equal(t.Amount) {
				idx = append(idx, j)
			}
		}
		return idx
	}

	signals := make(map[int]string, len(candidates))
	for _, i := range candidates {
		signals[i] = m.Signal(stmt.Transactions[i].NotificationText)
	}

	matched := make(map[int]bool)
	for _, i := range candidates {
		t := stmt.Transactions[i]
		signal := signals[i]
		if signal == "" || sharedSignal(stmt, candidates, signals, i) {
			continue
		}
		for _, j := range paymentsFor(t) {
			if expected[j].MemberID == signal {
				report.Matched = append(report.Matched, Payment{Transaction: t, MemberID: signal, How: MatchedBySignal})
				open[j] = false
				matched[i] = true
				break
			}
		}
	}

	var remaining []int
	for _, i := range candidates {
		if !matched[i] {
			remaining = append(remaining, i)
		}
	}
	txFor := make(map[int][]int)
	payFor := make(map[int][]int)
	for _, i := range remaining {
		// A named member is authoritative: the transaction may only settle
		// that member's payments.
		for _, j := range paymentsFor(stmt.Transactions[i]) {
			if signals[i] == "" || expected[j].MemberID == signals[i] {
				payFor[i] = append(payFor[i], j)
			}
		}
		for _, j := range payFor[i] {
			txFor[j] = append(txFor[j], i)
		}
	}

	var unique []Payment
	for _, i := range remaining {
		t := stmt.Transactions[i]
		switch {
		case len(payFor[i]) == 0 && signals[i] != "":
			report.UnmatchedTransactions = append(report.UnmatchedTransactions, &UnmatchedBankTransaction{
				Transaction: t,
				Reason:      fmt.Sprintf("amount differs from expected payment of %s", signals[i]),
			})
		case len(payFor[i]) == 0:
			report.UnmatchedTransactions = append(report.UnmatchedTransactions, &UnmatchedBankTransaction{Transaction: t, Reason: "no expected payment with this amount"})
		case len(payFor[i]) == 1 && len(txFor[payFor[i][0]]) == 1:
			j := payFor[i][0]
			unique = append(unique, Payment{Transaction: t, MemberID: expected[j].MemberID, How: MatchedUniquely})
			open[j] = false
		default:
			report.UnmatchedTransactions = append(report.UnmatchedTransactions, &UnmatchedBankTransaction{
				Transaction: t,
				Reason:      fmt.Sprintf("ambiguous: %d expected payments with this amount", len(payFor[i])),
			})
		}
	}
	report.Matched = append(report.Matched, unique...)
	sortPayments(report.Matched)
	sortUnmatched(report.UnmatchedTransactions)

	for j, p := range expected {
		if open[j] {
			report.UnmatchedPayments = append(report.UnmatchedPayments, &UnmatchedExpectedPayment{Payment: p, Reason: "no matching transaction"})
		}
	}
	return report
}

// sharedSignal reports whether another candidate transaction of the same
// amount names the same member.
func sharedSignal(stmt *Statement, candidates []int, signals map[int]string, i int) bool {
	for _, k := range candidates {
		if k != i && signals[k] == signals[i] && stmt.Transactions[k].Amount.Equal(stmt.Transactions[i].Amount) {
			return true
		}
	}
	return false
}

func sortPayments(payments []Payment) {
	slices.SortStableFunc(payments, func(a, b Payment) int { return a.Transaction.Row - b.Transaction.Row })
}

func sortUnmatched(unmatched []*UnmatchedBankTransaction) {
	slices.SortStableFunc(unmatched, func(a, b *UnmatchedBankTransaction) int { return a.Transaction.Row - b.Transaction.Row })
}

// Assignment attributes a transaction to a member id or a ledger account by hand.
type Assignment struct {
	TransactionID string
	Account       string
}

// ReadAssignments reads the assignments table. A missing file means none.
func ReadAssignments(path string) ([]Assignment, error) {
	table, err := records.ReadTableFile(path, AssignmentColumns)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var assignments []Assignment
	for i, row := range table.Rows {
		if len(row) < 2 || row[0] == "" || row[1] == "" {
			return nil, fmt.Errorf("%s: row %d: transaction id and account are required", path, i+1)
		}
		assignments = append(assignments, Assignment{TransactionID: row[0], Account: row[1]})
	}
	return assignments, nil
}

// Assign applies manual assignments to unmatched transactions. An account
// that is a member id attributes the transaction to that member and settles
// an open expected payment of the same amount.
func (r *Report) Assign(assignments []Assignment, memberIDs []string) error {
	members := make(map[string]bool, len(memberIDs))
	for _, id := range memberIDs {
		members[id] = true
	}

	for _, a := range assignments {
		idx := -1
		for i, u := range r.UnmatchedTransactions {
			if u.Transaction.ID == a.TransactionID {
				idx = i
				break
			}
		}
		if idx < 0 {
			if r.isMatched(a.TransactionID) {
				return fmt.Errorf("transaction %s is already matched", a.TransactionID)
			}
			return fmt.Errorf("unknown transaction %s", a.TransactionID)
		}

		t := r.UnmatchedTransactions[idx].Transaction
		r.UnmatchedTransactions = append(r.UnmatchedTransactions[:idx], r.UnmatchedTransactions[idx+1:]...)

		p := Payment{Transaction: t, How: MatchedByOverride}
		if members[a.Account] {
			p.MemberID = a.Account
			r.settle(a.Account, t)
		} else {
			p.Account = a.Account
		}
		r.Matched = append(r.Matched, p)
	}
	sortPayments(r.Matched)
	return nil
}

func (r *Report) isMatched(id string) bool {
	for _, p := range r.Matched {
		if p.Transaction.ID == id {
			return true
		}
	}
	return false
}

func (r *Report) settle(memberID string, t Transaction) {
	if !t.Credit {
		return
	}
	for i, u := range r.UnmatchedPayments {
		if u.Payment.MemberID == memberID && u.Payment.Amount.Equal(t.Amount) {
			r.UnmatchedPayments = append(r.UnmatchedPayments[:i], r.UnmatchedPayments[i+1:]...)
			return
		}
	}
}

// Waive drops unmatched expected payments of acknowledged members.
func (r *Report) Waive(acknowledged map[string]bool) {
	kept := r.UnmatchedPayments[:0]
	for _, u := range r.UnmatchedPayments {
		if acknowledged[u.Payment.MemberID] {
			r.Waived = append(r.Waived, u.Payment)
			continue
		}
		kept = append(kept, u)
	}
	r.UnmatchedPayments = kept
}
