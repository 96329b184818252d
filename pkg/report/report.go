// Package report writes the reconciliation workbook of a period.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/bank"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/billing"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/reconcile"
)

// Sheet names of the workbook.
const (
	SheetInventory = "Inventory"
	SheetBills     = "Bills"
	SheetBank      = "Bank"
	SheetWarnings  = "Warnings"
)

// Report collects what the operator reviews before closing a period.
// Nil parts are left out of the workbook.
type Report struct {
	Period    string
	Reconcile *reconcile.Result
	Bills     []*billing.Bill
	Bank      *bank.Report
	Warnings  []string
}

// rowSource yields the cell values of one workbook row.
type rowSource interface {
	cellValues() []interface{}
}

type inventoryRow struct {
	result *reconcile.Result
	index  int
}

func (r inventoryRow) cellValues() []interface{} {
	p := r.result.Products.Products[r.index]
	values := []interface{}{p.ID, p.Description, p.PreviousQuantity, p.AddedQuantity, p.SoldQuantity, p.ExpectedQuantity}
	if p.HasInventory() {
		values = append(values, *p.InventoryQuantity)
	} else {
		values = append(values, "")
	}
	for _, d := range r.result.Differences {
		if d.Product.ID == p.ID {
			return append(values, d.Difference, d.Notable)
		}
	}
	return append(values, 0, false)
}

type billRow struct{ bill *billing.Bill }

func (r billRow) cellValues() []interface{} {
	b := r.bill
	return []interface{}{
		b.MemberID, b.MemberName,
		b.TotalPrice.InexactFloat64(), b.PreviousBalance.InexactFloat64(), b.Correction.InexactFloat64(),
		b.CurrentBalance.InexactFloat64(), b.ExpectedPayment().InexactFloat64(), b.TotalGCo2e.InexactFloat64(),
	}
}

type bankRow struct {
	status string
	t      bank.Transaction
	member string
	note   string
}

func (r bankRow) cellValues() []interface{} {
	direction := "debit"
	if r.t.Credit {
		direction = "credit"
	}
	return []interface{}{
		r.status, r.t.ID, r.t.BookingDate.Format("2006-01-02"), direction,
		r.t.Amount.InexactFloat64(), r.t.NotificationText, r.member, r.note,
	}
}

type paymentRow struct {
	status  string
	payment bank.ExpectedPayment
	note    string
}

func (r paymentRow) cellValues() []interface{} {
	return []interface{}{r.status, "", "", "expected", r.payment.Amount.InexactFloat64(), "", r.payment.MemberID, r.note}
}

type textRow string

func (r textRow) cellValues() []interface{} {
	return []interface{}{string(r)}
}

// Workbook builds the excelize workbook.
func (r *Report) Workbook() (*excelize.File, error) {
	f := excelize.NewFile()

	if r.Reconcile != nil {
		rows := make([]rowSource, 0, len(r.Reconcile.Products.Products))
		for i := range r.Reconcile.Products.Products {
			rows = append(rows, inventoryRow{result: r.Reconcile, index: i})
		}
		if err := writeSheet(f, SheetInventory, rows,
			"productId", "description", "previous", "added", "sold", "expected", "inventory", "difference", "notable"); err != nil {
			return nil, err
		}
	}

	if r.Bills != nil {
		rows := make([]rowSource, 0, len(r.Bills))
		for _, b := range r.Bills {
			rows = append(rows, billRow{bill: b})
		}
		if err := writeSheet(f, SheetBills, rows,
			"memberId", "name", "totalPrice", "previousBalance", "correction", "currentBalance", "expectedPayment", "totalGCo2e"); err != nil {
			return nil, err
		}
	}

	if r.Bank != nil {
		var rows []rowSource
		for _, p := range r.Bank.Matched {
			member := p.MemberID
			if member == "" {
				member = p.Account
			}
			rows = append(rows, bankRow{status: "matched", t: p.Transaction, member: member, note: p.How})
		}
		for _, u := range r.Bank.UnmatchedTransactions {
			rows = append(rows, bankRow{status: "unmatched", t: u.Transaction, note: u.Reason})
		}
		for _, u := range r.Bank.UnmatchedPayments {
			rows = append(rows, paymentRow{status: "unpaid", payment: u.Payment, note: u.Reason})
		}
		for _, w := range r.Bank.Waived {
			rows = append(rows, paymentRow{status: "waived", payment: w})
		}
		if err := writeSheet(f, SheetBank, rows,
			"status", "transactionId", "bookingDate", "direction", "amount", "text", "member", "note"); err != nil {
			return nil, err
		}
	}

	if len(r.Warnings) > 0 {
		rows := make([]rowSource, 0, len(r.Warnings))
		for _, w := range r.Warnings {
			rows = append(rows, textRow(w))
		}
		if err := writeSheet(f, SheetWarnings, rows, "warning"); err != nil {
			return nil, err
		}
	}

	// excelize starts with an empty Sheet1
	if len(f.GetSheetList()) > 1 {
		if err := f.DeleteSheet("Sheet1"); err != nil {
			return nil, fmt.Errorf("failed to drop default sheet: %w", err)
		}
	}
	return f, nil
}

func writeSheet(f *excelize.File, name string, rows []rowSource, headings ...string) error {
	if _, err := f.NewSheet(name); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", name, err)
	}

	for col, h := range headings {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(name, cell, h); err != nil {
			return fmt.Errorf("failed to write heading: %w", err)
		}
	}

	for i, row := range rows {
		for col, value := range row.cellValues() {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(name, cell, value); err != nil {
				return fmt.Errorf("failed to write %s!%s: %w", name, cell, err)
			}
		}
	}
	return nil
}

// WriteTo writes the workbook to w.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	f, err := r.Workbook()
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.WriteTo(w)
}

// Save writes the workbook to path, creating parent directories.
func (r *Report) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := r.Workbook()
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}
