// Package db provides SQLite storage for closed periods, price snapshots,
// acknowledgments and the member accounts known to the ledger.
package db

// Schema defines the SQL statements to create database tables.
const Schema = `
-- Closed accounting periods
-- Digests let a re-close detect drift in regenerated output
CREATE TABLE IF NOT EXISTS period_history (
    period TEXT PRIMARY KEY,           -- YYYY-MM-DD accounting date
    bills_digest TEXT NOT NULL,        -- sha256 over all bill files
    ledger_digest TEXT NOT NULL,       -- sha256 over all ledger files
    num_bills INTEGER NOT NULL,
    num_transactions INTEGER NOT NULL,
    total_billed TEXT NOT NULL,        -- decimal string
    closed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Unit prices fixed at the first bill run of a period
CREATE TABLE IF NOT EXISTS price_snapshots (
    period TEXT NOT NULL,
    product_id TEXT NOT NULL,
    purchase_price TEXT NOT NULL,
    unit_price TEXT NOT NULL,
    unit_gco2e TEXT NOT NULL,
    PRIMARY KEY (period, product_id)
);

-- Explicit operator acknowledgments ('price', 'oversold', 'unpaid')
CREATE TABLE IF NOT EXISTS acknowledgments (
    period TEXT NOT NULL,
    kind TEXT NOT NULL,
    subject TEXT NOT NULL,             -- product or member id
    note TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (period, kind, subject)
);

-- Member accounts and the period they were first exported in
CREATE TABLE IF NOT EXISTS known_accounts (
    account TEXT PRIMARY KEY,
    first_period TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_known_accounts_period
    ON known_accounts(first_period);

-- Key-value metadata
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// InitializeSchema creates all tables if they don't exist.
func InitializeSchema(conn *Connection) error {
	if _, err := conn.Exec(Schema); err != nil {
		return err
	}
	return nil
}
