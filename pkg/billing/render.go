package billing

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/template"

	"github.com/shopspring/decimal"

	"github.com/shunichi-ikebuchi/tagtrail/pkg/money"
	"github.com/shunichi-ikebuchi/tagtrail/pkg/records"
)

// BillColumns is the row schema of a bill table.
var BillColumns = []string{"productId", "description", "numTags", "unitPrice", "unitGCo2e", "totalProductPrice", "totalGCo2e"}

// DefaultTemplate renders a bill as plain text.
const DefaultTemplate = `Bill {{.Period}} for {{.MemberName}} ({{.MemberID}})

{{range .Lines}}{{printf "%-30s" .Description}} {{printf "%4d" .NumTags}} x {{money .UnitPrice | printf "%8s"}} = {{money .TotalPrice | printf "%9s"}}  {{gco2e .TotalGCo2e}} gCO2e
{{else}}No purchases this period.
{{end}}
Total:            {{money .TotalPrice}} {{.Currency}}
Emissions:        {{gco2e .TotalGCo2e}} gCO2e
Previous balance: {{money .PreviousBalance}} {{.Currency}}
{{if not .Correction.IsZero}}Correction:       {{money .Correction}} {{.Currency}} ({{.CorrectionJustification}})
{{end}}Current balance:  {{money .CurrentBalance}} {{.Currency}}
`

var templateFuncs = template.FuncMap{
	"money": money.Format,
	"gco2e": func(d decimal.Decimal) string { return d.StringFixed(0) },
}

// LoadTemplate parses a bill template file, or DefaultTemplate when path is empty.
func LoadTemplate(path string) (*template.Template, error) {
	text := DefaultTemplate
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read bill template: %w", err)
		}
		text = string(data)
	}
	tmpl, err := template.New("bill").Funcs(templateFuncs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bill template: %w", err)
	}
	return tmpl, nil
}

// Table converts a bill to its tabular form.
func Table(b *Bill) *records.Table {
	table := &records.Table{
		Prefix: []records.PrefixRow{
			{Label: "memberId", Value: b.MemberID},
			{Label: "name", Value: b.MemberName},
			{Label: "accountingDate", Value: b.Period},
			{Label: "currency", Value: b.Currency},
			{Label: "previousBalance", Value: money.Format(b.PreviousBalance)},
			{Label: "correction", Value: money.Format(b.Correction)},
			{Label: "correctionJustification", Value: b.CorrectionJustification},
			{Label: "totalPrice", Value: money.Format(b.TotalPrice)},
			{Label: "totalGCo2e", Value: b.TotalGCo2e.StringFixed(0)},
			{Label: "currentBalance", Value: money.Format(b.CurrentBalance)},
		},
		Header: BillColumns,
	}
	for _, l := range b.Lines {
		table.Rows = append(table.Rows, []string{
			l.ProductID,
			l.Description,
			strconv.Itoa(l.NumTags),
			money.Format(l.UnitPrice),
			l.UnitGCo2e.String(),
			money.Format(l.TotalPrice),
			l.TotalGCo2e.StringFixed(0),
		})
	}
	return table
}

// WriteCSV writes the tabular form of a bill.
func WriteCSV(w io.Writer, b *Bill) error {
	return records.WriteTable(w, Table(b))
}

// WriteText renders a bill with tmpl.
func WriteText(w io.Writer, tmpl *template.Template, b *Bill) error {
	if err := tmpl.Execute(w, b); err != nil {
		return fmt.Errorf("failed to render bill %s: %w", b.MemberID, err)
	}
	return nil
}

// WriteFiles writes the CSV and text renderings of a bill next to each other.
func WriteFiles(csvPath, textPath string, tmpl *template.Template, b *Bill) error {
	if err := os.MkdirAll(filepath.Dir(csvPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := records.WriteTableFile(csvPath, Table(b)); err != nil {
		return fmt.Errorf("failed to write bill %s: %w", b.MemberID, err)
	}

	f, err := os.Create(textPath)
	if err != nil {
		return fmt.Errorf("failed to create bill text: %w", err)
	}
	if err := WriteText(f, tmpl, b); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
