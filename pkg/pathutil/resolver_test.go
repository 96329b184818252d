package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	p := New(Config{Root: "/coop"})

	assert.Equal(t, filepath.Join("/coop", ".tagtrail", "tagtrail.db"), p.GetDatabasePath())
	assert.Equal(t, filepath.Join("/coop", ".tagtrail", "cells.db"), p.GetStatePath())

	p = New(Config{Root: "/coop", DatabasePath: "/tmp/x.db", StatePath: "/tmp/y.db"})
	assert.Equal(t, "/tmp/x.db", p.GetDatabasePath())
	assert.Equal(t, "/tmp/y.db", p.GetStatePath())
}

func TestPeriodPaths(t *testing.T) {
	p := New(Config{Root: "/coop"})

	tests := []struct {
		name     string
		get      func() (string, error)
		expected string
	}{
		{"input", func() (string, error) { return p.GetInputPath("2024-01-31", ProductsFile) }, "/coop/2024-01-31/input/products.csv"},
		{"scans", func() (string, error) { return p.GetScansDir("2024-01-31") }, "/coop/2024-01-31/scans"},
		{"bill", func() (string, error) { return p.GetBillPath("2024-01-31", "LILA", "csv") }, "/coop/2024-01-31/bills/LILA.csv"},
		{"ledger", func() (string, error) { return p.GetLedgerPath("2024-01-31", "transactions.csv") }, "/coop/2024-01-31/ledger/transactions.csv"},
		{"next", func() (string, error) { return p.GetNextPath("2024-01-31", MembersFile) }, "/coop/2024-01-31/next/members.csv"},
		{"outbox", func() (string, error) { return p.GetOutboxPath("2024-01-31", "LILA") }, "/coop/2024-01-31/outbox/LILA.eml"},
		{"report", func() (string, error) { return p.GetReportPath("2024-01-31") }, "/coop/2024-01-31/report.xlsx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.get()
			require.NoError(t, err)
			assert.Equal(t, filepath.FromSlash(tt.expected), result)
		})
	}
}

func TestInvalidPeriod(t *testing.T) {
	p := New(Config{Root: "/coop"})

	for _, period := range []string{"2024-01", "31.01.2024", ""} {
		_, err := p.GetPeriodDir(period)
		assert.Error(t, err, "period %q", period)
	}
}

func TestEnsureParentDir(t *testing.T) {
	root := t.TempDir()
	p := New(Config{Root: root})

	file := filepath.Join(root, "2024-01-31", "bills", "LILA.csv")
	require.NoError(t, p.EnsureParentDir(file))
	assert.False(t, p.FileExists(file))

	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	assert.True(t, p.FileExists(file))
}
