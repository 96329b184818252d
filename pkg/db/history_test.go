package db

import (
	"path/filepath"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openHistory(t *testing.T) *History {
	t.Helper()
	conn, err := Open(filepath.Join(t.TempDir(), "nested", "tagtrail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewHistory(conn)
}

func TestPeriodHistory(t *testing.T) {
	h := openHistory(t)

	record, err := h.GetPeriod("2024-01-31")
	require.NoError(t, err)
	assert.Nil(t, record)

	require.NoError(t, h.RecordPeriod(PeriodRecord{
		Period: "2024-01-31", BillsDigest: "aaa", LedgerDigest: "bbb",
		NumBills: 3, NumTransactions: 7, TotalBilled: decimal.RequireFromString("42.50"),
	}))
	require.NoError(t, h.RecordPeriod(PeriodRecord{
		Period: "2024-01-31", BillsDigest: "ccc", LedgerDigest: "bbb",
		NumBills: 3, NumTransactions: 7, TotalBilled: decimal.RequireFromString("42.50"),
	}))
	require.NoError(t, h.RecordPeriod(PeriodRecord{Period: "2024-02-29", TotalBilled: decimal.Zero}))

	record, err = h.GetPeriod("2024-01-31")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "ccc", record.BillsDigest)
	assert.Equal(t, "42.5", record.TotalBilled.String())

	periods, err := h.ListPeriods()
	require.NoError(t, err)
	require.Len(t, periods, 2)
	assert.Equal(t, "2024-02-29", periods[0].Period)
}

func TestPriceSnapshots(t *testing.T) {
	h := openHistory(t)

	previous, err := h.PreviousPriceSnapshots("2024-01-31")
	require.NoError(t, err)
	assert.Empty(t, previous)

	jan := []PriceSnapshot{{ProductID: "reis", PurchasePrice: decimal.RequireFromString("2.30"),
		UnitPrice: decimal.RequireFromString("2.40"), UnitGCo2e: decimal.RequireFromString("1300")}}
	require.NoError(t, h.SavePriceSnapshots("2024-01-31", jan))

	// the first snapshot of a period wins
	changed := []PriceSnapshot{{ProductID: "reis", PurchasePrice: decimal.RequireFromString("3.00"),
		UnitPrice: decimal.RequireFromString("3.15"), UnitGCo2e: decimal.Zero}}
	require.NoError(t, h.SavePriceSnapshots("2024-01-31", changed))
	require.NoError(t, h.SavePriceSnapshots("2024-02-29", changed))

	snapshots, err := h.GetPriceSnapshots("2024-01-31")
	require.NoError(t, err)
	assert.Equal(t, "2.4", snapshots["reis"].UnitPrice.String())

	previous, err = h.PreviousPriceSnapshots("2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, "2.4", previous["reis"].UnitPrice.String())
}

func TestAcknowledgments(t *testing.T) {
	h := openHistory(t)

	require.NoError(t, h.Acknowledge("2024-01-31", AckPrice, "reis", "supplier raised prices"))
	require.NoError(t, h.Acknowledge("2024-01-31", AckPrice, "reis", "confirmed"))
	require.NoError(t, h.Acknowledge("2024-01-31", AckUnpaid, "MAX", ""))
	require.NoError(t, h.Acknowledge("2024-02-29", AckPrice, "apfel", ""))

	acked, err := h.Acknowledged("2024-01-31", AckPrice)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"reis": true}, acked)

	acks, err := h.ListAcknowledgments("2024-01-31")
	require.NoError(t, err)
	require.Len(t, acks, 2)
	assert.Equal(t, AckPrice, acks[0].Kind)
	assert.Equal(t, "confirmed", acks[0].Note)
}

func TestKnownAccounts(t *testing.T) {
	h := openHistory(t)

	require.NoError(t, h.RecordKnownAccounts("2024-02-29", []string{"Liabilities:Members:LILA", "Liabilities:Members:MAX"}))
	require.NoError(t, h.RecordKnownAccounts("2024-01-31", []string{"Liabilities:Members:LILA"}))
	// re-running February does not move LILA back
	require.NoError(t, h.RecordKnownAccounts("2024-02-29", []string{"Liabilities:Members:LILA", "Liabilities:Members:MAX"}))

	jan, err := h.AccountsFirstSeenIn("2024-01-31")
	require.NoError(t, err)
	assert.Equal(t, []string{"Liabilities:Members:LILA"}, jan)

	feb, err := h.AccountsFirstSeenIn("2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, []string{"Liabilities:Members:MAX"}, feb)

	stats, err := h.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.KnownAccounts)
	assert.Equal(t, 0, stats.ClosedPeriods)
	assert.False(t, stats.LastClosed.Valid)
}

func TestMetadata(t *testing.T) {
	h := openHistory(t)

	value, err := h.GetMetadata("last_statement")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, h.SetMetadata("last_statement", "2024-01"))
	require.NoError(t, h.SetMetadata("last_statement", "2024-02"))
	value, err = h.GetMetadata("last_statement")
	require.NoError(t, err)
	assert.Equal(t, "2024-02", value)
}

func TestOpenSchemaVersion(t *testing.T) {
	tests := []struct {
		name    string
		stored  string
		wantErr bool
	}{
		{"fresh database", "", false},
		{"older version is stamped", "0", false},
		{"current version", strconv.Itoa(SchemaVersion), false},
		{"newer version", strconv.Itoa(SchemaVersion + 1), true},
		{"garbage", "abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tagtrail.db")
			conn, err := Open(path)
			require.NoError(t, err)
			if tt.stored != "" {
				require.NoError(t, NewHistory(conn).SetMetadata(schemaVersionKey, tt.stored))
			}
			require.NoError(t, conn.Close())

			conn, err = Open(path)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrSchemaVersion)
				return
			}
			require.NoError(t, err)
			defer conn.Close()

			value, err := NewHistory(conn).GetMetadata(schemaVersionKey)
			require.NoError(t, err)
			assert.Equal(t, strconv.Itoa(SchemaVersion), value)
		})
	}
}
