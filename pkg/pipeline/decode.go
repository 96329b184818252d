package pipeline

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/confirmation"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/layout"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/recognition"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/records"
)

// ReasonHeaderUnresolved marks sheets whose header did not name a known sheet.
const ReasonHeaderUnresolved = "sheet header not recognized"

// DecodeSummary is the outcome of a decode run.
type DecodeSummary struct {
	Ingested  []*confirmation.Sheet
	Unchanged []string
	Rephoto   []confirmation.RephotoRequest
}

// Decode splits the scans into sheets, reads every cell and ingests the
// readings into the confirmation store. Sheets with layout errors or an
// unreadable header are queued for a new photograph instead.
func (p *Period) Decode(ctx context.Context, recognizer recognition.Recognizer, scans []string) (*DecodeSummary, error) {
	in, err := p.LoadInputs()
	if err != nil {
		return nil, err
	}

	decoder := layout.NewDecoder(layout.GeometryFromSettings(p.Settings.OCR))
	results := make([][]layout.Result, len(scans))

	g, gctx := errgroup.WithContext(ctx)
	for i, scan := range scans {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := decoder.DecodeFile(scan)
			if err != nil {
				return fmt.Errorf("failed to decode %s: %w", scan, err)
			}
			p.Logger.Debug("Decoded scan", "path", scan, "positions", len(r))
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := &DecodeSummary{}
	var sheets []*layout.Sheet
	for i, scanResults := range results {
		for _, r := range scanResults {
			var layoutErr *layout.LayoutError
			if errors.As(r.Err, &layoutErr) {
				req := confirmation.RephotoRequest{Source: scans[i], Position: r.Position, Reason: layoutErr.Error()}
				if err := p.queueRephoto(summary, req); err != nil {
					return nil, err
				}
				continue
			}
			if r.Err != nil {
				return nil, r.Err
			}
			sheets = append(sheets, r.Sheet)
		}
	}

	engine := recognition.NewEngine(recognizer, recognition.OptionsFromSettings(p.Settings.OCR), p.Logger)
	readings, err := engine.ReadSheets(ctx, sheets,
		recognition.NewMatcher(sheetCandidates(in.Products, p.Settings.Gen.MaxNumSheetsPerProduct), p.Settings.OCR.MaxCandidateDistance),
		recognition.NewMatcher(in.Members.IDs(), p.Settings.OCR.MaxCandidateDistance),
	)
	if err != nil {
		return nil, err
	}

	if err := p.ingest(summary, p.Policy(in.Members), readings); err != nil {
		return nil, err
	}

	p.Logger.Info("Decoded scans",
		"scans", len(scans),
		"ingested", len(summary.Ingested),
		"unchanged", len(summary.Unchanged),
		"rephoto", len(summary.Rephoto),
	)
	return summary, nil
}

// ingest stores sheet readings. A header below the confidence floor is
// never trusted, since the cells would land on the wrong sheet.
func (p *Period) ingest(summary *DecodeSummary, policy confirmation.Policy, readings []recognition.SheetReading) error {
	for _, r := range readings {
		if r.Reason != "" || r.SheetID == "" || r.HeaderConfidence < policy.Floor {
			reason := ReasonHeaderUnresolved
			if r.Reason != "" {
				reason = fmt.Sprintf("%s: %s", ReasonHeaderUnresolved, r.Reason)
			}
			req := confirmation.RephotoRequest{Source: r.Source, Position: r.Position, SheetID: r.SheetID, Reason: reason}
			if err := p.queueRephoto(summary, req); err != nil {
				return err
			}
			continue
		}

		sheet, changed, err := p.Store.Ingest(p.Date, policy, r.SheetID, r.Source, r.Cells)
		if err != nil {
			return err
		}
		if err := p.Store.ResolveRephoto(p.Date, r.Source, r.Position); err != nil {
			return fmt.Errorf("failed to resolve rephoto request: %w", err)
		}
		if err := p.Store.ResolveRephotoSheet(p.Date, r.SheetID); err != nil {
			return fmt.Errorf("failed to resolve rephoto requests of %s: %w", r.SheetID, err)
		}
		if !changed {
			p.Logger.Info("Sheet already confirmed", "sheet", r.SheetID, "source", r.Source)
			summary.Unchanged = append(summary.Unchanged, r.SheetID)
			continue
		}
		p.Logger.Info("Ingested sheet", "sheet", sheet.ID, "status", sheet.Status, "pending", len(sheet.Pending()))
		summary.Ingested = append(summary.Ingested, sheet)
	}
	return nil
}

func (p *Period) queueRephoto(summary *DecodeSummary, req confirmation.RephotoRequest) error {
	if err := p.Store.QueueRephoto(p.Date, req); err != nil {
		return fmt.Errorf("failed to queue rephoto request: %w", err)
	}
	p.Logger.Warn("Sheet needs a new photograph", "source", req.Source, "position", req.Position, "reason", req.Reason)
	summary.Rephoto = append(summary.Rephoto, req)
	return nil
}

// sheetCandidates lists every sheet id that may appear in a header.
func sheetCandidates(products *records.ProductTable, maxSheets int) []string {
	var ids []string
	for _, product := range products.Products {
		for n := 1; n <= maxSheets; n++ {
			ids = append(ids, confirmation.SheetID(product.ID, n))
		}
	}
	return ids
}
