package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/bank"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/billing"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/db"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/ledger"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/pathutil"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/reconcile"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/records"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/report"
)

// Ledger export file names.
const (
	TransactionsFile = "transactions.csv"
	BeancountFile    = "ledger.beancount"
	AccountsFile     = "accounts.csv"
)

// CloseSummary is the outcome of closing a period.
type CloseSummary struct {
	Run      *BillRun
	Bank     *bank.Report
	Ledger   *ledger.Ledger
	Accounts []ledger.Account
	Record   db.PeriodRecord
	// Reclosed is set when the period had been closed before with the same output.
	Reclosed bool
}

// output is one generated file of a close.
type output struct {
	path string
	data []byte
}

// Close runs every stage of the period and writes its outputs: bills, the
// ledger exports, the next period's members and products, and the report.
// The accounted grids are archived and the digests recorded. Closing a
// closed period again must reproduce the recorded digests.
func (p *Period) Close(ctx context.Context, statementPath string) (*CloseSummary, error) {
	run, err := p.ComputeBills(ctx)
	if err != nil {
		return nil, err
	}
	memberIDs := run.Inputs.Members.IDs()

	bankReport, err := p.BankImport(statementPath, run.Bills, memberIDs)
	if err != nil {
		return nil, err
	}
	if !bankReport.Resolved() {
		if err := p.saveReport(run, bankReport); err != nil {
			p.Logger.Warn("Failed to write report", "error", err)
		}
		return nil, fmt.Errorf("%w: %w", ErrUnresolvedReconciliation, bankReport.Errors())
	}

	l, err := ledger.NewGenerator(p.Settings).Generate(ledger.Input{
		Period:      p.Date,
		Bills:       run.Bills,
		Differences: run.Reconcile.Differences,
		Payments:    bankReport.Matched,
		Margin:      p.Settings.General.ProductMarginPercentage,
	})
	if err != nil {
		return nil, err
	}

	accounts, err := p.newAccounts(l)
	if err != nil {
		return nil, err
	}

	billFiles, err := p.renderBills(run.Bills)
	if err != nil {
		return nil, err
	}
	ledgerFiles, err := p.renderLedger(l, accounts)
	if err != nil {
		return nil, err
	}

	record := db.PeriodRecord{
		Period:          p.Date,
		BillsDigest:     digest(billFiles),
		LedgerDigest:    digest(ledgerFiles),
		NumBills:        len(run.Bills),
		NumTransactions: len(l.Transactions),
		TotalBilled:     totalBilled(run.Bills),
	}

	summary := &CloseSummary{Run: run, Bank: bankReport, Ledger: l, Accounts: accounts, Record: record}

	prior, err := p.History.GetPeriod(p.Date)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		if prior.BillsDigest != record.BillsDigest || prior.LedgerDigest != record.LedgerDigest {
			return nil, fmt.Errorf("%w: period %s closed at %s with bills %s and ledger %s, now bills %s and ledger %s",
				ErrPeriodDrift, p.Date, prior.ClosedAt.Format("2006-01-02 15:04"),
				short(prior.BillsDigest), short(prior.LedgerDigest), short(record.BillsDigest), short(record.LedgerDigest))
		}
		summary.Reclosed = true
	}

	for _, out := range append(billFiles, ledgerFiles...) {
		if err := p.writeFile(out.path, out.data); err != nil {
			return nil, err
		}
	}
	if err := p.writeNextPeriod(run, bankReport); err != nil {
		return nil, err
	}
	if err := p.saveReport(run, bankReport); err != nil {
		return nil, err
	}

	if err := p.Store.Archive(p.Date, run.Reconcile.Accounted); err != nil {
		return nil, err
	}
	if err := p.History.RecordPeriod(record); err != nil {
		return nil, err
	}

	p.Logger.Info("Closed period",
		"bills", record.NumBills,
		"transactions", record.NumTransactions,
		"total", record.TotalBilled.StringFixed(2),
		"reclosed", summary.Reclosed,
	)
	return summary, nil
}

// newAccounts returns the member accounts first seen in this period.
// Known accounts keep their first period, so a re-close exports the same set.
func (p *Period) newAccounts(l *ledger.Ledger) ([]ledger.Account, error) {
	touched := ledger.MemberAccounts(l, p.Settings)
	names := make([]string, 0, len(touched))
	for _, a := range touched {
		names = append(names, a.FullName)
	}
	if err := p.History.RecordKnownAccounts(p.Date, names); err != nil {
		return nil, err
	}

	firstSeen, err := p.History.AccountsFirstSeenIn(p.Date)
	if err != nil {
		return nil, err
	}
	fresh := make(map[string]bool, len(firstSeen))
	for _, name := range firstSeen {
		fresh[name] = true
	}

	var accounts []ledger.Account
	for _, a := range touched {
		if fresh[a.FullName] {
			accounts = append(accounts, a)
		}
	}
	return accounts, nil
}

func (p *Period) renderBills(bills []*billing.Bill) ([]output, error) {
	tmpl, err := billing.LoadTemplate(p.Settings.Gen.BillTemplate)
	if err != nil {
		return nil, err
	}

	var outputs []output
	for _, b := range bills {
		csvPath, err := p.Paths.GetBillPath(p.Date, b.MemberID, "csv")
		if err != nil {
			return nil, err
		}
		textPath, err := p.Paths.GetBillPath(p.Date, b.MemberID, "txt")
		if err != nil {
			return nil, err
		}

		var csvBuf, textBuf bytes.Buffer
		if err := billing.WriteCSV(&csvBuf, b); err != nil {
			return nil, err
		}
		if err := billing.WriteText(&textBuf, tmpl, b); err != nil {
			return nil, err
		}
		outputs = append(outputs, output{csvPath, csvBuf.Bytes()}, output{textPath, textBuf.Bytes()})
	}
	return outputs, nil
}

func (p *Period) renderLedger(l *ledger.Ledger, accounts []ledger.Account) ([]output, error) {
	var transactions, journal, accountsBuf bytes.Buffer
	if err := l.WriteGnuCash(&transactions); err != nil {
		return nil, err
	}
	if err := l.WriteBeancount(&journal); err != nil {
		return nil, err
	}
	if err := ledger.WriteAccounts(&accountsBuf, accounts, p.Settings); err != nil {
		return nil, err
	}

	var outputs []output
	for _, f := range []struct {
		name string
		data []byte
	}{
		{TransactionsFile, transactions.Bytes()},
		{BeancountFile, journal.Bytes()},
		{AccountsFile, accountsBuf.Bytes()},
	} {
		path, err := p.Paths.GetLedgerPath(p.Date, f.name)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, output{path, f.data})
	}
	return outputs, nil
}

// writeNextPeriod writes the members table with balances after payments and
// the products table carried over to the next period.
func (p *Period) writeNextPeriod(run *BillRun, bankReport *bank.Report) error {
	members := &records.MemberTable{AccountingDate: p.Date}
	for _, b := range run.Bills {
		m, _ := run.Inputs.Members.Get(b.MemberID)
		m.Balance = b.CurrentBalance.Add(bankReport.Paid(b.MemberID))
		members.Members = append(members.Members, m)
	}

	membersPath, err := p.Paths.GetNextPath(p.Date, pathutil.MembersFile)
	if err != nil {
		return err
	}
	if err := records.WriteMembers(membersPath, members); err != nil {
		return fmt.Errorf("failed to write next members: %w", err)
	}

	productsPath, err := p.Paths.GetNextPath(p.Date, pathutil.ProductsFile)
	if err != nil {
		return err
	}
	if err := records.WriteProducts(productsPath, reconcile.NextPeriod(run.Reconcile.Products, p.Date)); err != nil {
		return fmt.Errorf("failed to write next products: %w", err)
	}
	return nil
}

func (p *Period) saveReport(run *BillRun, bankReport *bank.Report) error {
	path, err := p.Paths.GetReportPath(p.Date)
	if err != nil {
		return err
	}
	return Report(p.Date, run, bankReport).Save(path)
}

// Report assembles the reconciliation workbook of a run. Either part may be nil.
func Report(period string, run *BillRun, bankReport *bank.Report) *report.Report {
	r := &report.Report{Period: period, Bank: bankReport}
	if run == nil {
		return r
	}
	r.Reconcile = run.Reconcile
	r.Bills = run.Bills
	for _, w := range run.PriceWarnings {
		r.Warnings = append(r.Warnings, w.String())
	}
	for _, w := range run.EmissionWarnings {
		r.Warnings = append(r.Warnings, fmt.Sprintf("%s: %v", w.ProductID, w.Err))
	}
	return r
}

// digest hashes the file names and contents of outputs.
func digest(outputs []output) string {
	h := sha256.New()
	for _, out := range outputs {
		h.Write([]byte(filepath.Base(out.path)))
		h.Write([]byte{0})
		h.Write(out.data)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}

func totalBilled(bills []*billing.Bill) decimal.Decimal {
	total := decimal.Zero
	for _, b := range bills {
		total = total.Add(b.TotalPrice)
	}
	return total
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
