// Package pathutil provides centralized path management for accounting periods.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Input file names inside a period's input directory.
const (
	ProductsFile        = "products.csv"
	MembersFile         = "members.csv"
	CorrectionsFile     = "corrections.csv"
	StatementFile       = "statement.csv"
	BankAssignmentsFile = "bankAssignments.csv"
	DecisionsFile       = "decisions.csv"
)

// PathResolver manages paths for period directories, the database and the cell state store.
type PathResolver struct {
	root      string
	dbPath    string
	statePath string
}

// Config represents the configuration for PathResolver.
type Config struct {
	// Root is the directory holding one sub-directory per accounting period (e.g. ~/coop/tagtrail)
	Root string
	// DatabasePath is the path to the SQLite database file for period history
	DatabasePath string
	// StatePath is the path to the bbolt file holding sheet confirmation state
	StatePath string
}

// New creates a new PathResolver with the given configuration.
// If DatabasePath is empty, it defaults to {Root}/.tagtrail/tagtrail.db
// If StatePath is empty, it defaults to {Root}/.tagtrail/cells.db
func New(config Config) *PathResolver {
	dbPath := config.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(config.Root, ".tagtrail", "tagtrail.db")
	}

	statePath := config.StatePath
	if statePath == "" {
		statePath = filepath.Join(config.Root, ".tagtrail", "cells.db")
	}

	return &PathResolver{
		root:      config.Root,
		dbPath:    dbPath,
		statePath: statePath,
	}
}

// GetRoot returns the root directory.
func (p *PathResolver) GetRoot() string {
	return p.root
}

// GetDatabasePath returns the database file path.
func (p *PathResolver) GetDatabasePath() string {
	return p.dbPath
}

// GetStatePath returns the cell state store path.
func (p *PathResolver) GetStatePath() string {
	return p.statePath
}

// ValidatePeriod checks that a period is an accounting date in YYYY-MM-DD format.
func ValidatePeriod(period string) error {
	if _, err := time.Parse("2006-01-02", period); err != nil {
		return fmt.Errorf("invalid period format: %s. Expected YYYY-MM-DD", period)
	}
	return nil
}

// GetPeriodDir returns the directory of an accounting period.
// Example: ~/coop/tagtrail/2024-01-31
func (p *PathResolver) GetPeriodDir(period string) (string, error) {
	if err := ValidatePeriod(period); err != nil {
		return "", err
	}
	return filepath.Join(p.root, period), nil
}

// periodSubPath joins elements below a period directory.
func (p *PathResolver) periodSubPath(period string, elem ...string) (string, error) {
	dir, err := p.GetPeriodDir(period)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{dir}, elem...)...), nil
}

// GetInputPath returns the path of an input table of a period.
// Example: ~/coop/tagtrail/2024-01-31/input/products.csv
func (p *PathResolver) GetInputPath(period, name string) (string, error) {
	return p.periodSubPath(period, "input", name)
}

// GetScansDir returns the directory of photographed sheets of a period.
func (p *PathResolver) GetScansDir(period string) (string, error) {
	return p.periodSubPath(period, "scans")
}

// GetBillPath returns the bill file of a member, ext is "csv" or "txt".
// Example: ~/coop/tagtrail/2024-01-31/bills/LILA.csv
func (p *PathResolver) GetBillPath(period, memberID, ext string) (string, error) {
	return p.periodSubPath(period, "bills", fmt.Sprintf("%s.%s", memberID, ext))
}

// GetLedgerPath returns a ledger export file of a period.
// Example: ~/coop/tagtrail/2024-01-31/ledger/transactions.csv
func (p *PathResolver) GetLedgerPath(period, name string) (string, error) {
	return p.periodSubPath(period, "ledger", name)
}

// GetNextPath returns a table prepared for the following period.
func (p *PathResolver) GetNextPath(period, name string) (string, error) {
	return p.periodSubPath(period, "next", name)
}

// GetOutboxPath returns the outbox file of a member's bill email.
func (p *PathResolver) GetOutboxPath(period, memberID string) (string, error) {
	return p.periodSubPath(period, "outbox", memberID+".eml")
}

// GetReportPath returns the reconciliation workbook of a period.
func (p *PathResolver) GetReportPath(period string) (string, error) {
	return p.periodSubPath(period, "report.xlsx")
}

// EnsureDir creates a directory if it doesn't exist.
// It creates all parent directories as needed (like mkdir -p).
func (p *PathResolver) EnsureDir(dirPath string) error {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dirPath, err)
	}
	return nil
}

// EnsureParentDir ensures the parent directory of a file exists.
func (p *PathResolver) EnsureParentDir(filePath string) error {
	dir := filepath.Dir(filePath)
	return p.EnsureDir(dir)
}

// FileExists checks if a file exists.
func (p *PathResolver) FileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return err == nil
}
