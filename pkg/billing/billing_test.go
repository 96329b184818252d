package billing

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/reconcile"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/records"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testInput() Input {
	products := &records.ProductTable{Products: []records.Product{
		{ID: "reis", Description: "Reis 500g", PurchasePrice: d("2.30"), GCo2e: d("1300")},
		{ID: "apfel", Description: "Apfel", PurchasePrice: d("0.50"), GCo2e: d("120")},
	}}
	return Input{
		Period:   "2024-01-31",
		Currency: "CHF",
		Members: &records.MemberTable{Members: []records.Member{
			{ID: "MAX", Name: "Max", Balance: d("-3.00")},
			{ID: "LILA", Name: "Lila", Balance: d("12.50")},
			{ID: "IDLE", Name: "Idle"},
		}},
		Products: products,
		Prices:   Prices(products, d("0.05")),
		Corrections: map[string]records.Correction{
			"MAX": {MemberID: "MAX", Amount: d("1.00"), Justification: "Refund"},
		},
		Tags: []reconcile.Tag{
			{ProductID: "reis", SheetID: "reis_1", Index: 0, MemberID: "LILA"},
			{ProductID: "reis", SheetID: "reis_1", Index: 1, MemberID: "LILA"},
			{ProductID: "apfel", SheetID: "apfel_1", Index: 0, MemberID: "LILA"},
			{ProductID: "apfel", SheetID: "apfel_1", Index: 1, MemberID: "MAX"},
		},
	}
}

func TestCompute(t *testing.T) {
	bills, err := Compute(testInput())
	require.NoError(t, err)
	require.Len(t, bills, 3)

	assert.Equal(t, "IDLE", bills[0].MemberID)
	assert.Empty(t, bills[0].Lines)
	assert.True(t, bills[0].TotalPrice.IsZero())

	lila := bills[1]
	require.Len(t, lila.Lines, 2)
	assert.Equal(t, "apfel", lila.Lines[0].ProductID)
	// 0.50 * 1.05 = 0.525 -> 0.55
	assert.Equal(t, "0.55", lila.Lines[0].UnitPrice.StringFixed(2))
	assert.Equal(t, 2, lila.Lines[1].NumTags)
	assert.Equal(t, "4.8", lila.Lines[1].TotalPrice.String())
	assert.Equal(t, "5.35", lila.TotalPrice.StringFixed(2))
	assert.Equal(t, "2720", lila.TotalGCo2e.String())
	assert.Equal(t, "5.10", lila.MerchandiseValue().StringFixed(2))
	assert.Equal(t, "7.15", lila.CurrentBalance.StringFixed(2))
	assert.True(t, lila.ExpectedPayment().IsZero())

	max := bills[2]
	assert.Equal(t, "Refund", max.CorrectionJustification)
	assert.Equal(t, "-2.55", max.CurrentBalance.StringFixed(2))
	// 0.55 + 3.00 - 1.00
	assert.Equal(t, "2.55", max.ExpectedPayment().StringFixed(2))

	for _, b := range bills {
		sum := decimal.Zero
		for _, l := range b.Lines {
			sum = sum.Add(l.TotalPrice)
		}
		assert.True(t, sum.Equal(b.TotalPrice), b.MemberID)
	}
}

func TestComputeUnknownMember(t *testing.T) {
	in := testInput()
	in.Tags = append(in.Tags, reconcile.Tag{ProductID: "reis", SheetID: "reis_2", MemberID: "BOB"})

	_, err := Compute(in)
	assert.ErrorContains(t, err, "unknown member BOB")
}

func TestPriceWarnings(t *testing.T) {
	previous := map[string]Price{
		"reis":  {ProductID: "reis", UnitPrice: d("2.00")},
		"apfel": {ProductID: "apfel", UnitPrice: d("0.50")},
	}
	current := map[string]Price{
		"reis":  {ProductID: "reis", UnitPrice: d("2.40")},
		"apfel": {ProductID: "apfel", UnitPrice: d("0.55")},
		"neu":   {ProductID: "neu", UnitPrice: d("9.00")},
	}

	warnings := PriceWarnings(current, previous, d("10"))
	require.Len(t, warnings, 1)
	assert.Equal(t, "reis", warnings[0].ProductID)
	assert.Equal(t, "20", warnings[0].Percent.String())

	err := CheckAcknowledged(warnings, nil)
	assert.ErrorIs(t, err, ErrUnacknowledgedPriceChange)
	assert.ErrorContains(t, err, "reis: 2.00 -> 2.40")

	assert.NoError(t, CheckAcknowledged(warnings, map[string]bool{"reis": true}))
}

func TestRenderingIsConsistent(t *testing.T) {
	bills, err := Compute(testInput())
	require.NoError(t, err)
	lila := bills[1]

	var csvOut bytes.Buffer
	require.NoError(t, WriteCSV(&csvOut, lila))
	lines := strings.Split(csvOut.String(), "\n")
	assert.Equal(t, "totalPrice;5.35", lines[7])
	assert.Equal(t, strings.Join(BillColumns, ";"), lines[10])
	assert.Equal(t, "apfel;Apfel;1;0.55;120;0.55;120", lines[11])

	tmpl, err := LoadTemplate("")
	require.NoError(t, err)
	var text bytes.Buffer
	require.NoError(t, WriteText(&text, tmpl, lila))
	assert.Contains(t, text.String(), "Total:            5.35 CHF")
	assert.Contains(t, text.String(), "Current balance:  7.15 CHF")
	assert.NotContains(t, text.String(), "Correction:")

	text.Reset()
	require.NoError(t, WriteText(&text, tmpl, bills[2]))
	assert.Contains(t, text.String(), "Correction:       1.00 CHF (Refund)")
}

func TestWriteFilesIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, "bill.tmpl")
	require.NoError(t, os.WriteFile(tmplPath, []byte("{{.MemberID}} owes {{money .TotalPrice}}\n"), 0644))
	tmpl, err := LoadTemplate(tmplPath)
	require.NoError(t, err)

	render := func() ([]byte, []byte) {
		bills, err := Compute(testInput())
		require.NoError(t, err)
		csvPath := filepath.Join(dir, "bills", "LILA.csv")
		textPath := filepath.Join(dir, "bills", "LILA.txt")
		require.NoError(t, WriteFiles(csvPath, textPath, tmpl, bills[1]))
		csvData, err := os.ReadFile(csvPath)
		require.NoError(t, err)
		textData, err := os.ReadFile(textPath)
		require.NoError(t, err)
		return csvData, textData
	}

	csv1, text1 := render()
	csv2, text2 := render()
	assert.Equal(t, csv1, csv2)
	assert.Equal(t, text1, text2)
	assert.Equal(t, "LILA owes 5.35\n", string(text1))
}
