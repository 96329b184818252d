package records

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

const productsCSV = `previousQuantityDate;2024-01-01
expectedQuantityDate;2024-01-31
inventoryQuantityDate;2024-01-31
id;description;amount;unit;purchasePrice;previousQuantity;addedQuantity;soldQuantity;expectedQuantity;inventoryQuantity;sheetsToPrint;comment;eaternityName;origin;production;transport;conservation;gCo2e
apfel;Apfel;1;Stk;0.50;10;5;0;15;2;1;;apple;CH;standard;ground;fresh;120
reis;Reis;500;g;2.30;4;0;0;4;;0;bio;rice;IT;organic;ground;dried;1300.5
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReadProducts(t *testing.T) {
	products, err := ReadProducts(writeFile(t, "products.csv", productsCSV))
	require.NoError(t, err)

	assert.Equal(t, "2024-01-01", products.PreviousQuantityDate)
	assert.Equal(t, "2024-01-31", products.InventoryQuantityDate)
	require.Len(t, products.Products, 2)

	apfel, ok := products.Get("apfel")
	require.True(t, ok)
	assert.Equal(t, 10, apfel.PreviousQuantity)
	assert.Equal(t, 5, apfel.AddedQuantity)
	require.True(t, apfel.HasInventory())
	assert.Equal(t, 2, *apfel.InventoryQuantity)
	assert.Equal(t, "120", apfel.GCo2e.String())

	reis, _ := products.Get("reis")
	assert.False(t, reis.HasInventory())
	assert.Equal(t, "bio", reis.Comment)
}

func TestProductsRoundTripPreservesColumns(t *testing.T) {
	src := writeFile(t, "products.csv", productsCSV)
	products, err := ReadProducts(src)
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "out", "products.csv")
	require.NoError(t, WriteProducts(dst, products))

	written, err := os.ReadFile(dst)
	require.NoError(t, err)
	lines := strings.Split(string(written), "\n")
	assert.Equal(t, strings.Join(ProductColumns, ";"), lines[3])
	assert.Equal(t, "apfel;Apfel;1;Stk;0.50;10;5;0;15;2;1;;apple;CH;standard;ground;fresh;120", lines[4])
}

func TestReadProductsColumnContract(t *testing.T) {
	broken := strings.Replace(productsCSV, "purchasePrice;previousQuantity", "previousQuantity;purchasePrice", 1)
	_, err := ReadProducts(writeFile(t, "products.csv", broken))
	assert.ErrorIs(t, err, ErrColumnContract)
}

func TestGrossSalesPrice(t *testing.T) {
	p := Product{PurchasePrice: decimal.RequireFromString("2.30")}
	// 2.30 * 1.05 = 2.415 -> 2.40
	assert.Equal(t, "2.4", p.GrossSalesPrice(decimal.RequireFromString("0.05")).String())
}

func TestMembers(t *testing.T) {
	path := writeFile(t, "members.csv", `accountingDate;2024-01-01
id;name;emails;balance
LILA;Lila Muster;lila@example.com, l@example.org;12.50
MAX;Max;;-3.00
`)

	members, err := ReadMembers(path)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", members.AccountingDate)
	assert.Equal(t, []string{"LILA", "MAX"}, members.IDs())

	lila, _ := members.Get("LILA")
	assert.Equal(t, []string{"lila@example.com", "l@example.org"}, lila.Emails)
	assert.Equal(t, "12.5", lila.Balance.String())

	out := filepath.Join(t.TempDir(), "members.csv")
	require.NoError(t, WriteMembers(out, members))
	written, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "accountingDate;2024-01-01\nid;name;emails;balance\nLILA;Lila Muster;lila@example.com,l@example.org;12.50\nMAX;Max;;-3.00\n", string(written))
}

func TestReadCorrections(t *testing.T) {
	members := &MemberTable{Members: []Member{{ID: "LILA"}, {ID: "MAX"}}}

	t.Run("missing file", func(t *testing.T) {
		corrections, err := ReadCorrections(filepath.Join(t.TempDir(), "none.csv"), members)
		require.NoError(t, err)
		assert.Empty(t, corrections)
	})

	t.Run("valid", func(t *testing.T) {
		corrections, err := ReadCorrections(writeFile(t, "c.csv", "memberId;amount;justification\nLILA;2.30;Refunded curry\n"), members)
		require.NoError(t, err)
		assert.Equal(t, "2.3", corrections["LILA"].Amount.String())
	})

	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"unknown member", "memberId;amount;justification\nBOB;1;x\n", "unknown member"},
		{"missing justification", "memberId;amount;justification\nLILA;1;\n", "justification"},
		{"duplicate", "memberId;amount;justification\nLILA;1;a\nLILA;2;b\n", "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCorrections(writeFile(t, "c.csv", tt.content), members)
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestReadTableOptions(t *testing.T) {
	var latin bytes.Buffer
	encoded, err := charmap.ISO8859_1.NewEncoder().String("Währung:,CHF\n\nDatum,Text\n2024-01-05,Zahlung\nDisclaimer:,\n")
	require.NoError(t, err)
	latin.WriteString(encoded)

	table, err := ReadTable(&latin, nil,
		WithDelimiter(','),
		WithCharset(charmap.ISO8859_1),
		WithPrefix("Währung:"),
		WithSkip(func(row []string) bool { return row[0] == "Disclaimer:" }),
	)
	require.NoError(t, err)

	assert.Equal(t, "CHF", table.PrefixValue("Währung:"))
	assert.Equal(t, []string{"Datum", "Text"}, table.Header)
	assert.Equal(t, [][]string{{"2024-01-05", "Zahlung"}}, table.Rows)
}

func TestReadTableMissingHeader(t *testing.T) {
	_, err := ReadTable(strings.NewReader("accountingDate;2024-01-01\n"), MemberColumns, WithPrefix(LabelAccountingDate))
	assert.ErrorIs(t, err, ErrMissingHeader)
}
