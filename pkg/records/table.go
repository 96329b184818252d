// Package records reads and writes the tabular stores the pipeline runs on:
// products, members and correction transactions. Every table is a
// delimiter-separated file made of optional prefix rows, a header row with a
// fixed column contract, and data rows.
package records

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding"
)

var (
	// ErrColumnContract is returned when a header row does not match the expected columns.
	ErrColumnContract = errors.New("column contract violated")

	// ErrMissingHeader is returned when a table ends before its header row.
	ErrMissingHeader = errors.New("missing header row")
)

// DefaultDelimiter separates the columns of every table written by tagtrail.
const DefaultDelimiter = ';'

// PrefixRow is a "label;value" row preceding the header.
type PrefixRow struct {
	Label string
	Value string
}

// Table is a parsed table.
type Table struct {
	Prefix []PrefixRow
	Header []string
	Rows   [][]string
}

// PrefixValue returns the value of a prefix row, or "" when absent.
func (t *Table) PrefixValue(label string) string {
	for _, row := range t.Prefix {
		if row.Label == label {
			return row.Value
		}
	}
	return ""
}

// tableReader holds the options of ReadTable.
type tableReader struct {
	delimiter    rune
	charset      encoding.Encoding
	prefixLabels []string
	skip         func(row []string) bool
}

// TableOption is a functional option for ReadTable.
type TableOption func(*tableReader)

// WithDelimiter sets the field delimiter (default is ';').
func WithDelimiter(d rune) TableOption {
	return func(r *tableReader) {
		r.delimiter = d
	}
}

// WithCharset decodes the input from a legacy charset before parsing.
func WithCharset(enc encoding.Encoding) TableOption {
	return func(r *tableReader) {
		r.charset = enc
	}
}

// WithPrefix declares the labels of the prefix rows, in order.
func WithPrefix(labels ...string) TableOption {
	return func(r *tableReader) {
		r.prefixLabels = labels
	}
}

// WithSkip drops data rows for which skip returns true (e.g. disclaimers).
func WithSkip(skip func(row []string) bool) TableOption {
	return func(r *tableReader) {
		r.skip = skip
	}
}

// ReadTable parses a table. If header is non-nil, the header row must start
// with exactly these columns, in this order.
func ReadTable(r io.Reader, header []string, opts ...TableOption) (*Table, error) {
	tr := &tableReader{delimiter: DefaultDelimiter}
	for _, opt := range opts {
		opt(tr)
	}

	if tr.charset != nil {
		r = tr.charset.NewDecoder().Reader(r)
	}

	// Detect and strip UTF-8 BOM
	br := bufio.NewReader(r)
	if bom, err := br.Peek(3); err == nil && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		_, _ = br.Discard(3)
	}

	reader := csv.NewReader(br)
	reader.Comma = tr.delimiter
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	table := &Table{}
	line := 0
	next := func() ([]string, error) {
		for {
			record, err := reader.Read()
			if err != nil {
				return nil, err
			}
			line++
			if !isBlank(record) {
				return record, nil
			}
		}
	}

	for _, label := range tr.prefixLabels {
		record, err := next()
		if err == io.EOF {
			return nil, fmt.Errorf("missing prefix row %q", label)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read prefix row: %w", err)
		}
		if strings.TrimSpace(record[0]) != label {
			return nil, fmt.Errorf("line %d: expected prefix %q, got %q", line, label, record[0])
		}
		value := ""
		if len(record) > 1 {
			value = strings.TrimSpace(record[1])
		}
		table.Prefix = append(table.Prefix, PrefixRow{Label: label, Value: value})
	}

	record, err := next()
	if err == io.EOF {
		return nil, ErrMissingHeader
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	table.Header = trimAll(record)
	if header != nil {
		if err := checkHeader(table.Header, header); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}

	for {
		record, err := next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		record = trimAll(record)
		if tr.skip != nil && tr.skip(record) {
			continue
		}
		table.Rows = append(table.Rows, record)
	}

	return table, nil
}

// ReadTableFile opens and parses a table file.
func ReadTableFile(path string, header []string, opts ...TableOption) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open table: %w", err)
	}
	defer f.Close()

	table, err := ReadTable(f, header, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// WriteTable writes prefix rows, the header and all rows with the default delimiter.
func WriteTable(w io.Writer, table *Table) error {
	writer := csv.NewWriter(w)
	writer.Comma = DefaultDelimiter

	for _, row := range table.Prefix {
		if err := writer.Write([]string{row.Label, row.Value}); err != nil {
			return fmt.Errorf("failed to write prefix row: %w", err)
		}
	}
	if err := writer.Write(table.Header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, row := range table.Rows {
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// WriteTableFile writes a table to path, creating parent directories.
func WriteTableFile(path string, table *Table) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	if err := WriteTable(f, table); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// checkHeader compares a header row with the column contract.
func checkHeader(got, want []string) error {
	if len(got) < len(want) {
		return fmt.Errorf("%w: expected %d columns %v, got %v", ErrColumnContract, len(want), want, got)
	}
	for i, column := range want {
		if got[i] != column {
			return fmt.Errorf("%w: column %d is %q, expected %q", ErrColumnContract, i+1, got[i], column)
		}
	}
	return nil
}

func isBlank(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

func trimAll(record []string) []string {
	out := make([]string, len(record))
	for i, field := range record {
		out[i] = strings.TrimSpace(field)
	}
	return out
}

// column returns the i-th field of a row, or "" when the row is short.
func column(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
