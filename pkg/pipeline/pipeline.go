// Package pipeline runs the stages of one accounting period: decoding scans,
// reconciliation, billing, bank import and closing.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/config"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/confirmation"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/db"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/emissions"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/pathutil"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/reconcile"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/records"
)

var (
	// ErrUnresolvedReconciliation is returned by Close while bank items are unmatched.
	ErrUnresolvedReconciliation = errors.New("unresolved bank reconciliation")

	// ErrPeriodDrift is returned when re-closing a period would change its recorded output.
	ErrPeriodDrift = errors.New("closed period output changed")
)

// Period runs the pipeline for one accounting date.
type Period struct {
	Date     string
	Settings config.Settings
	Paths    *pathutil.PathResolver
	Store    *confirmation.Store
	History  *db.History
	// Emissions annotates products before prices are snapshotted. Optional.
	Emissions emissions.Lookup
	Logger    *slog.Logger
}

// Options holds the collaborators of a Period.
type Options struct {
	Settings  config.Settings
	Paths     *pathutil.PathResolver
	Store     *confirmation.Store
	History   *db.History
	Emissions emissions.Lookup
	Logger    *slog.Logger
}

// New creates a Period for the accounting date period (YYYY-MM-DD).
func New(period string, opts Options) (*Period, error) {
	if err := pathutil.ValidatePeriod(period); err != nil {
		return nil, err
	}
	if opts.Paths == nil || opts.Store == nil || opts.History == nil {
		return nil, errors.New("paths, store and history are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Period{
		Date:      period,
		Settings:  opts.Settings,
		Paths:     opts.Paths,
		Store:     opts.Store,
		History:   opts.History,
		Emissions: opts.Emissions,
		Logger:    logger.With("period", period),
	}, nil
}

// Inputs are the record tables of a period.
type Inputs struct {
	Products    *records.ProductTable
	Members     *records.MemberTable
	Corrections map[string]records.Correction
}

// LoadInputs reads the products, members and corrections tables.
func (p *Period) LoadInputs() (*Inputs, error) {
	productsPath, err := p.Paths.GetInputPath(p.Date, pathutil.ProductsFile)
	if err != nil {
		return nil, err
	}
	products, err := records.ReadProducts(productsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read products: %w", err)
	}

	membersPath, err := p.Paths.GetInputPath(p.Date, pathutil.MembersFile)
	if err != nil {
		return nil, err
	}
	members, err := records.ReadMembers(membersPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read members: %w", err)
	}

	correctionsPath, err := p.Paths.GetInputPath(p.Date, pathutil.CorrectionsFile)
	if err != nil {
		return nil, err
	}
	corrections, err := records.ReadCorrections(correctionsPath, members)
	if err != nil {
		return nil, fmt.Errorf("failed to read corrections: %w", err)
	}

	return &Inputs{Products: products, Members: members, Corrections: corrections}, nil
}

// Policy returns the confirmation policy for the given members.
func (p *Period) Policy(members *records.MemberTable) confirmation.Policy {
	return confirmation.NewPolicy(p.Settings.OCR.ConfidenceFloor, members.IDs())
}

// Acknowledge records operator acknowledgments of one kind.
func (p *Period) Acknowledge(kind db.AckKind, subjects ...string) error {
	for _, subject := range subjects {
		if err := p.History.Acknowledge(p.Date, kind, subject, ""); err != nil {
			return err
		}
		p.Logger.Info("Recorded acknowledgment", "kind", kind, "subject", subject)
	}
	return nil
}

// Reconcile runs the join barrier and the quantity reconciler.
func (p *Period) Reconcile(in *Inputs) (*reconcile.Result, error) {
	sheets, err := p.Store.ListSheets(p.Date)
	if err != nil {
		return nil, err
	}
	accounted, err := p.Store.Accounted(p.Date)
	if err != nil {
		return nil, err
	}
	oversold, err := p.History.Acknowledged(p.Date, db.AckOversold)
	if err != nil {
		return nil, err
	}
	rephoto, err := p.Store.ListRephoto(p.Date)
	if err != nil {
		return nil, err
	}

	result, err := reconcile.Reconcile(in.Products, sheets, accounted, reconcile.Options{
		MaxSheetsPerProduct:  p.Settings.Gen.MaxNumSheetsPerProduct,
		MinNotableDifference: p.Settings.Account.MinNotableInventoryDifference,
		Oversold:             oversold,
		Rephoto:              rephoto,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile: %w", err)
	}

	p.Logger.Info("Reconciled quantities",
		"sheets", len(sheets),
		"tags", len(result.Tags),
		"differences", len(result.Differences),
	)
	return result, nil
}

// Status summarizes the confirmation state of a period.
type Status struct {
	Sheets  []*confirmation.Sheet
	Pending int
	Rephoto []confirmation.RephotoRequest
}

// Confirmed reports whether every sheet is confirmed or excluded and
// nothing waits for a new photograph.
func (s *Status) Confirmed() bool {
	for _, sheet := range s.Sheets {
		if sheet.Status == confirmation.SheetDecoded {
			return false
		}
	}
	return len(s.Rephoto) == 0
}

// Status lists the sheets of the period and the rephoto queue.
func (p *Period) Status() (*Status, error) {
	sheets, err := p.Store.ListSheets(p.Date)
	if err != nil {
		return nil, err
	}
	rephoto, err := p.Store.ListRephoto(p.Date)
	if err != nil {
		return nil, err
	}

	status := &Status{Sheets: sheets, Rephoto: rephoto}
	for _, s := range sheets {
		status.Pending += len(s.Pending())
	}
	return status, nil
}
