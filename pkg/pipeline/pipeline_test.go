package pipeline

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/billing"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/config"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/confirmation"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/db"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/notify"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/pathutil"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/recognition"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/records"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/reconcile"
)

const (
	period  = "2024-01-31"
	ourIBAN = "CH3609000000890399940"
)

const productsCSV = `previousQuantityDate;2024-01-01
expectedQuantityDate;
inventoryQuantityDate;
id;description;amount;unit;purchasePrice;previousQuantity;addedQuantity;soldQuantity;expectedQuantity;inventoryQuantity;sheetsToPrint;comment;eaternityName;origin;production;transport;conservation;gCo2e
apfel;Apfel;1;Stk;0.50;10;0;0;10;;1;;apple;;;;;120
reis;Reis;500;g;2.00;4;0;0;4;;1;;rice;;;;;1300
`

const membersCSV = `accountingDate;2024-01-01
id;name;emails;balance
LILA;Lila;lila@example.com;0.00
MAX;Max;;10.00
`

func testSettings() config.Settings {
	s := config.DefaultSettings()
	s.General.OurIBAN = ourIBAN
	s.Send.FromAddress = "kasse@example.org"
	return s
}

type fixture struct {
	period *Period
	paths  *pathutil.PathResolver
	store  *confirmation.Store
	hist   *db.History
}

func newFixture(t *testing.T, settings config.Settings) *fixture {
	t.Helper()
	root := t.TempDir()
	paths := pathutil.New(pathutil.Config{Root: root})

	writeInput(t, paths, pathutil.ProductsFile, productsCSV)
	writeInput(t, paths, pathutil.MembersFile, membersCSV)

	store, err := confirmation.Open(filepath.Join(root, "cells.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	conn, err := db.Open(paths.GetDatabasePath())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	hist := db.NewHistory(conn)

	p, err := New(period, Options{Settings: settings, Paths: paths, Store: store, History: hist})
	require.NoError(t, err)
	return &fixture{period: p, paths: paths, store: store, hist: hist}
}

func writeInput(t *testing.T, paths *pathutil.PathResolver, name, content string) string {
	t.Helper()
	path, err := paths.GetInputPath(period, name)
	require.NoError(t, err)
	require.NoError(t, paths.EnsureParentDir(path))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func writeStatement(t *testing.T, paths *pathutil.PathResolver, rows string) string {
	t.Helper()
	content := "Datum von:;2024-01-01\n" +
		"Datum bis:;2024-01-31\n" +
		"Buchungsart:;Alle Buchungen\n" +
		"Konto:;" + ourIBAN + "\n" +
		"Währung:;CHF\n" +
		"\n" +
		"Buchungsdatum;Avisierungstext;Gutschrift in CHF;Lastschrift in CHF;Valuta;Saldo in CHF\n" +
		rows
	encoded, err := charmap.ISO8859_1.NewEncoder().String(content)
	require.NoError(t, err)
	return writeInput(t, paths, pathutil.StatementFile, encoded)
}

func readings(values ...string) []recognition.CellReading {
	out := make([]recognition.CellReading, len(values))
	for i, v := range values {
		out[i] = recognition.CellReading{Index: i, Raw: v, Value: v, Confidence: 0.95}
	}
	return out
}

// ingestSheets stores LILA 2x apfel + 1x reis and MAX 1x apfel.
func (f *fixture) ingestSheets(t *testing.T) {
	t.Helper()
	policy := confirmation.NewPolicy(f.period.Settings.OCR.ConfidenceFloor, []string{"LILA", "MAX"})
	_, _, err := f.store.Ingest(period, policy, "apfel_1", "scan.jpg", readings("LILA", "LILA", "MAX", ""))
	require.NoError(t, err)
	_, _, err = f.store.Ingest(period, policy, "reis_1", "scan.jpg", readings("LILA", ""))
	require.NoError(t, err)
}

func TestReconcileWaitsForConfirmation(t *testing.T) {
	f := newFixture(t, testSettings())
	policy := confirmation.NewPolicy(0.5, []string{"LILA", "MAX"})
	_, _, err := f.store.Ingest(period, policy, "apfel_1", "scan.jpg", []recognition.CellReading{
		{Index: 0, Raw: "LIL", Value: "LILA", Confidence: 0.2},
	})
	require.NoError(t, err)

	in, err := f.period.LoadInputs()
	require.NoError(t, err)
	_, err = f.period.Reconcile(in)
	assert.ErrorIs(t, err, reconcile.ErrNotConfirmed)

	status, err := f.period.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, status.Pending)
	assert.False(t, status.Confirmed())
}

func TestBill(t *testing.T) {
	f := newFixture(t, testSettings())
	f.ingestSheets(t)

	run, err := f.period.Bill(context.Background())
	require.NoError(t, err)
	require.Len(t, run.Bills, 2)

	lila := run.Bills[0]
	assert.Equal(t, "LILA", lila.MemberID)
	assert.Equal(t, "3.2", lila.TotalPrice.String())
	assert.Equal(t, "-3.2", lila.CurrentBalance.String())
	assert.Equal(t, "9.45", run.Bills[1].CurrentBalance.String())

	path, err := f.paths.GetBillPath(period, "LILA", "csv")
	require.NoError(t, err)
	assert.FileExists(t, path)

	snapshots, err := f.hist.GetPriceSnapshots(period)
	require.NoError(t, err)
	assert.Equal(t, "0.55", snapshots["apfel"].UnitPrice.StringFixed(2))

	// later price edits do not change the bills of the period
	f.period.Settings.General.ProductMarginPercentage = decimal.RequireFromString("0.5")
	again, err := f.period.ComputeBills(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3.2", again.Bills[0].TotalPrice.String())
}

func TestBillBlockedByPriceChange(t *testing.T) {
	f := newFixture(t, testSettings())
	f.ingestSheets(t)
	require.NoError(t, f.hist.SavePriceSnapshots("2023-12-31", []db.PriceSnapshot{
		{ProductID: "reis", PurchasePrice: decimal.RequireFromString("1.40"), UnitPrice: decimal.RequireFromString("1.50"), UnitGCo2e: decimal.Zero},
	}))

	_, err := f.period.Bill(context.Background())
	require.ErrorIs(t, err, billing.ErrUnacknowledgedPriceChange)
	assert.Contains(t, err.Error(), "reis")

	snapshots, err := f.hist.GetPriceSnapshots(period)
	require.NoError(t, err)
	assert.Empty(t, snapshots)

	require.NoError(t, f.period.Acknowledge(db.AckPrice, "reis"))
	run, err := f.period.Bill(context.Background())
	require.NoError(t, err)
	require.Len(t, run.PriceWarnings, 1)
}

func TestCloseRequiresResolvedBank(t *testing.T) {
	f := newFixture(t, testSettings())
	f.ingestSheets(t)

	_, err := f.period.Close(context.Background(), "")
	require.ErrorIs(t, err, ErrUnresolvedReconciliation)
	assert.Contains(t, err.Error(), "LILA")

	record, err := f.hist.GetPeriod(period)
	require.NoError(t, err)
	assert.Nil(t, record)

	require.NoError(t, f.period.Acknowledge(db.AckUnpaid, "LILA"))
	summary, err := f.period.Close(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, summary.Bank.UnmatchedPayments)
	require.Len(t, summary.Bank.Waived, 1)
}

func TestCloseBlockedByRephotoQueue(t *testing.T) {
	f := newFixture(t, testSettings())
	f.ingestSheets(t)
	require.NoError(t, f.store.QueueRephoto(period, confirmation.RephotoRequest{Source: "scan2.jpg", Position: 1, Reason: "aspect ratio"}))
	require.NoError(t, f.period.Acknowledge(db.AckUnpaid, "LILA"))

	status, err := f.period.Status()
	require.NoError(t, err)
	assert.False(t, status.Confirmed())

	_, err = f.period.Close(context.Background(), "")
	require.ErrorIs(t, err, reconcile.ErrNotConfirmed)
	assert.Contains(t, err.Error(), "scan2.jpg sheet 1")

	record, err := f.hist.GetPeriod(period)
	require.NoError(t, err)
	assert.Nil(t, record)

	require.NoError(t, f.store.DismissRephoto(period, "scan2.jpg", 1))
	summary, err := f.period.Close(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, summary.Run.Bills, 2)
}

func TestClose(t *testing.T) {
	f := newFixture(t, testSettings())
	f.ingestSheets(t)
	writeStatement(t, f.paths, "2024-01-20;GIRO MITTEILUNGEN: LILA januar;3.20;;2024-01-20;103.20\n")

	summary, err := f.period.Close(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, summary.Reclosed)
	require.Len(t, summary.Bank.Matched, 1)
	assert.True(t, summary.Ledger.Sum().IsZero())
	assert.Len(t, summary.Accounts, 2)

	record, err := f.hist.GetPeriod(period)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, 2, record.NumBills)
	assert.Equal(t, "3.75", record.TotalBilled.StringFixed(2))

	for _, name := range []string{TransactionsFile, BeancountFile, AccountsFile} {
		path, err := f.paths.GetLedgerPath(period, name)
		require.NoError(t, err)
		assert.FileExists(t, path)
	}
	reportPath, err := f.paths.GetReportPath(period)
	require.NoError(t, err)
	assert.FileExists(t, reportPath)

	membersPath, err := f.paths.GetNextPath(period, pathutil.MembersFile)
	require.NoError(t, err)
	members, err := records.ReadMembers(membersPath)
	require.NoError(t, err)
	assert.Equal(t, period, members.AccountingDate)
	lila, _ := members.Get("LILA")
	assert.True(t, lila.Balance.IsZero())
	maxMember, _ := members.Get("MAX")
	assert.Equal(t, "9.45", maxMember.Balance.StringFixed(2))

	productsPath, err := f.paths.GetNextPath(period, pathutil.ProductsFile)
	require.NoError(t, err)
	products, err := records.ReadProducts(productsPath)
	require.NoError(t, err)
	apfel, _ := products.Get("apfel")
	assert.Equal(t, 7, apfel.PreviousQuantity)

	accounted, err := f.store.Accounted("2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, "LILA", accounted["apfel_1"].Value(0))

	journalPath, err := f.paths.GetLedgerPath(period, BeancountFile)
	require.NoError(t, err)
	first, err := os.ReadFile(journalPath)
	require.NoError(t, err)

	again, err := f.period.Close(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, again.Reclosed)
	assert.Equal(t, summary.Record.BillsDigest, again.Record.BillsDigest)
	assert.Equal(t, summary.Record.LedgerDigest, again.Record.LedgerDigest)
	assert.Len(t, again.Accounts, 2)

	second, err := os.ReadFile(journalPath)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCloseDetectsDrift(t *testing.T) {
	f := newFixture(t, testSettings())
	f.ingestSheets(t)
	require.NoError(t, f.period.Acknowledge(db.AckUnpaid, "LILA"))

	_, err := f.period.Close(context.Background(), "")
	require.NoError(t, err)

	templatePath := filepath.Join(t.TempDir(), "bill.tmpl")
	require.NoError(t, os.WriteFile(templatePath, []byte("{{.MemberID}} owes {{money .TotalPrice}}\n"), 0644))
	f.period.Settings.Gen.BillTemplate = templatePath

	_, err = f.period.Close(context.Background(), "")
	assert.ErrorIs(t, err, ErrPeriodDrift)
}

type recordingSender struct {
	sent []notify.Message
}

func (s *recordingSender) Send(ctx context.Context, msg notify.Message) error {
	s.sent = append(s.sent, msg)
	return nil
}

func TestSend(t *testing.T) {
	f := newFixture(t, testSettings())
	f.ingestSheets(t)

	sender := &recordingSender{}
	summary, err := f.period.Send(context.Background(), sender)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, []string{"MAX"}, summary.Skipped)
	assert.Empty(t, summary.Failures)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "LILA", sender.sent[0].MemberID)
	// -3.20 is still above the liquidity threshold
	assert.Contains(t, sender.sent[0].Body, "no payment is needed")
	assert.Contains(t, string(sender.sent[0].Attachment), "apfel")
}

// stubRecognizer reads every header as apfel_1 and every cell as empty.
type stubRecognizer struct{ header string }

func (r stubRecognizer) Recognize(ctx context.Context, img image.Image) (recognition.Reading, error) {
	b := img.Bounds()
	if b.Dx() > 4*b.Dy() {
		return recognition.Reading{Raw: r.header, Confidence: 0.95}, nil
	}
	return recognition.Reading{Raw: "", Confidence: 0.9}, nil
}

func TestDecode(t *testing.T) {
	settings := testSettings()
	settings.OCR.SheetCoordinates = [][]float64{
		{0, 0, 0.5, 0.5},
		{0, 0, 0, 0},
		{0, 0, 0, 0},
		{0.5, 0.5, 1, 0.6},
	}
	f := newFixture(t, settings)

	scan := filepath.Join(t.TempDir(), "scan.png")
	require.NoError(t, imaging.Save(imaging.New(283, 400, color.White), scan))

	summary, err := f.period.Decode(context.Background(), stubRecognizer{header: "APFEL_1"}, []string{scan})
	require.NoError(t, err)

	require.Len(t, summary.Ingested, 1)
	sheet := summary.Ingested[0]
	assert.Equal(t, "apfel_1", sheet.ID)
	assert.Equal(t, confirmation.SheetConfirmed, sheet.Status)
	assert.Len(t, sheet.Cells, 75)

	require.Len(t, summary.Rephoto, 1)
	assert.Equal(t, 3, summary.Rephoto[0].Position)
	assert.Contains(t, summary.Rephoto[0].Reason, "aspect ratio")

	queue, err := f.store.ListRephoto(period)
	require.NoError(t, err)
	assert.Len(t, queue, 1)

	again, err := f.period.Decode(context.Background(), stubRecognizer{header: "APFEL_1"}, []string{scan})
	require.NoError(t, err)
	assert.Empty(t, again.Ingested)
	assert.Equal(t, []string{"apfel_1"}, again.Unchanged)
}

func TestIngestQueuesUnresolvedHeaders(t *testing.T) {
	f := newFixture(t, testSettings())
	policy := confirmation.NewPolicy(0.5, []string{"LILA"})

	tests := []struct {
		name    string
		reading recognition.SheetReading
	}{
		{"no match", recognition.SheetReading{Source: "a.jpg", Position: 0, HeaderRaw: "xxxxxxxx"}},
		{"low confidence", recognition.SheetReading{Source: "a.jpg", Position: 1, HeaderRaw: "apfel_", SheetID: "apfel_1", HeaderConfidence: 0.3}},
		{"recognition failed", recognition.SheetReading{Source: "a.jpg", Position: 2, Reason: recognition.ReasonRecognitionFailed}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary := &DecodeSummary{}
			require.NoError(t, f.period.ingest(summary, policy, []recognition.SheetReading{tt.reading}))
			assert.Empty(t, summary.Ingested)
			require.Len(t, summary.Rephoto, 1)
			assert.Contains(t, summary.Rephoto[0].Reason, ReasonHeaderUnresolved)
		})
	}

	sheets, err := f.store.ListSheets(period)
	require.NoError(t, err)
	assert.Empty(t, sheets)
}

func TestIngestResolvesRephotoOfSameSheet(t *testing.T) {
	f := newFixture(t, testSettings())
	policy := confirmation.NewPolicy(0.5, []string{"LILA", "MAX"})

	require.NoError(t, f.store.QueueRephoto(period, confirmation.RephotoRequest{
		Source: "IMG_0001.jpg", Position: 2, SheetID: "apfel_1", Reason: ReasonHeaderUnresolved,
	}))
	require.NoError(t, f.store.QueueRephoto(period, confirmation.RephotoRequest{
		Source: "IMG_0001.jpg", Position: 3, Reason: "aspect ratio",
	}))

	summary := &DecodeSummary{}
	require.NoError(t, f.period.ingest(summary, policy, []recognition.SheetReading{{
		Source: "IMG_0002.jpg", Position: 0, SheetID: "apfel_1", HeaderConfidence: 0.9, Cells: readings("LILA", ""),
	}}))
	require.Len(t, summary.Ingested, 1)

	queue, err := f.store.ListRephoto(period)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, 3, queue[0].Position)
}
