package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/bank"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/billing"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/db"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/emissions"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/pathutil"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/reconcile"
)

// BillRun is the outcome of computing the bills of a period.
type BillRun struct {
	Inputs           *Inputs
	Reconcile        *reconcile.Result
	Bills            []*billing.Bill
	PriceWarnings    []billing.PriceChangeWarning
	EmissionWarnings []emissions.Warning
}

// ComputeBills reconciles the period and computes its bills without writing
// anything but the price snapshot. Prices are fixed at the first successful
// run of a period, so later runs reproduce the same bills.
func (p *Period) ComputeBills(ctx context.Context) (*BillRun, error) {
	in, err := p.LoadInputs()
	if err != nil {
		return nil, err
	}
	result, err := p.Reconcile(in)
	if err != nil {
		return nil, err
	}

	run := &BillRun{Inputs: in, Reconcile: result}

	prices, err := p.snapshotPrices(ctx, run)
	if err != nil {
		return nil, err
	}

	run.Bills, err = billing.Compute(billing.Input{
		Period:      p.Date,
		Currency:    p.Settings.General.Currency,
		Members:     in.Members,
		Products:    result.Products,
		Prices:      prices,
		Corrections: in.Corrections,
		Tags:        result.Tags,
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (p *Period) snapshotPrices(ctx context.Context, run *BillRun) (map[string]billing.Price, error) {
	snapshots, err := p.History.GetPriceSnapshots(p.Date)
	if err != nil {
		return nil, err
	}

	if len(snapshots) == 0 && p.Emissions != nil {
		run.EmissionWarnings, err = emissions.Annotate(ctx, p.Emissions, run.Reconcile.Products, p.Logger)
		if err != nil {
			return nil, err
		}
	}

	prices := billing.Prices(run.Reconcile.Products, p.Settings.General.ProductMarginPercentage)
	for id, s := range snapshots {
		prices[id] = billing.Price(s)
	}

	previous, err := p.History.PreviousPriceSnapshots(p.Date)
	if err != nil {
		return nil, err
	}
	previousPrices := make(map[string]billing.Price, len(previous))
	for id, s := range previous {
		previousPrices[id] = billing.Price(s)
	}

	run.PriceWarnings = billing.PriceWarnings(prices, previousPrices, p.Settings.Gen.MaxNeglectablePriceChangePercentage)
	acknowledged, err := p.History.Acknowledged(p.Date, db.AckPrice)
	if err != nil {
		return nil, err
	}
	if err := billing.CheckAcknowledged(run.PriceWarnings, acknowledged); err != nil {
		return nil, err
	}

	fresh := make([]db.PriceSnapshot, 0, len(prices))
	for _, id := range sortedKeys(prices) {
		if _, ok := snapshots[id]; !ok {
			fresh = append(fresh, db.PriceSnapshot(prices[id]))
		}
	}
	if len(fresh) > 0 {
		if err := p.History.SavePriceSnapshots(p.Date, fresh); err != nil {
			return nil, err
		}
		p.Logger.Info("Snapshotted prices", "products", len(fresh))
	}
	return prices, nil
}

// Bill computes the bills of the period and writes them to the bills directory.
func (p *Period) Bill(ctx context.Context) (*BillRun, error) {
	run, err := p.ComputeBills(ctx)
	if err != nil {
		return nil, err
	}

	tmpl, err := billing.LoadTemplate(p.Settings.Gen.BillTemplate)
	if err != nil {
		return nil, err
	}
	for _, b := range run.Bills {
		csvPath, err := p.Paths.GetBillPath(p.Date, b.MemberID, "csv")
		if err != nil {
			return nil, err
		}
		textPath, err := p.Paths.GetBillPath(p.Date, b.MemberID, "txt")
		if err != nil {
			return nil, err
		}
		if err := billing.WriteFiles(csvPath, textPath, tmpl, b); err != nil {
			return nil, err
		}
	}

	p.Logger.Info("Wrote bills", "bills", len(run.Bills))
	return run, nil
}

// BankImport matches the period's statement against the expected payments of
// bills. Manual assignments and waived payments are applied. Without a
// statement every expected payment stays unmatched.
func (p *Period) BankImport(statementPath string, bills []*billing.Bill, members []string) (*bank.Report, error) {
	if statementPath == "" {
		path, err := p.Paths.GetInputPath(p.Date, pathutil.StatementFile)
		if err != nil {
			return nil, err
		}
		statementPath = path
	}

	expected := bank.ExpectedPayments(bills)
	var report *bank.Report

	stmt, err := bank.ReadStatementFile(statementPath, p.Settings)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		p.Logger.Warn("No bank statement", "path", statementPath)
		report = &bank.Report{}
		for _, e := range expected {
			report.UnmatchedPayments = append(report.UnmatchedPayments, &bank.UnmatchedExpectedPayment{Payment: e, Reason: "no statement imported"})
		}
	case err != nil:
		return nil, err
	default:
		report = bank.NewMatcher(members, p.Settings.BankImport.MessagePrefix).Match(stmt, expected)
		p.Logger.Info("Matched statement",
			"transactions", len(stmt.Transactions),
			"matched", len(report.Matched),
			"unmatched", len(report.UnmatchedTransactions),
		)
	}

	assignmentsPath, err := p.Paths.GetInputPath(p.Date, pathutil.BankAssignmentsFile)
	if err != nil {
		return nil, err
	}
	assignments, err := bank.ReadAssignments(assignmentsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read bank assignments: %w", err)
	}
	if err := report.Assign(assignments, members); err != nil {
		return nil, fmt.Errorf("failed to apply bank assignments: %w", err)
	}

	unpaid, err := p.History.Acknowledged(p.Date, db.AckUnpaid)
	if err != nil {
		return nil, err
	}
	report.Waive(unpaid)
	return report, nil
}

// writeFile writes data below the period directory, creating parents.
func (p *Period) writeFile(path string, data []byte) error {
	if err := p.Paths.EnsureParentDir(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
