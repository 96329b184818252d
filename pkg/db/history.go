package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AckKind is the kind of an operator acknowledgment.
type AckKind string

const (
	AckPrice    AckKind = "price"
	AckOversold AckKind = "oversold"
	AckUnpaid   AckKind = "unpaid"
)

// PeriodRecord represents a closed accounting period.
type PeriodRecord struct {
	Period          string
	BillsDigest     string
	LedgerDigest    string
	NumBills        int
	NumTransactions int
	TotalBilled     decimal.Decimal
	ClosedAt        time.Time
}

// PriceSnapshot is the price of a product fixed for one period.
type PriceSnapshot struct {
	ProductID     string
	PurchasePrice decimal.Decimal
	UnitPrice     decimal.Decimal
	UnitGCo2e     decimal.Decimal
}

// Acknowledgment is an explicit operator decision recorded for a period.
type Acknowledgment struct {
	Period    string
	Kind      AckKind
	Subject   string
	Note      string
	CreatedAt time.Time
}

// History manages period history operations.
type History struct {
	conn *Connection
}

// NewHistory creates a new History instance.
func NewHistory(conn *Connection) *History {
	return &History{conn: conn}
}

// RecordPeriod records a closed period.
// If the period was recorded before, it is updated.
func (h *History) RecordPeriod(record PeriodRecord) error {
	query := `
		INSERT INTO period_history (period, bills_digest, ledger_digest, num_bills, num_transactions, total_billed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(period) DO UPDATE SET
			bills_digest = excluded.bills_digest,
			ledger_digest = excluded.ledger_digest,
			num_bills = excluded.num_bills,
			num_transactions = excluded.num_transactions,
			total_billed = excluded.total_billed,
			closed_at = CURRENT_TIMESTAMP
	`

	_, err := h.conn.Exec(query,
		record.Period,
		record.BillsDigest,
		record.LedgerDigest,
		record.NumBills,
		record.NumTransactions,
		record.TotalBilled.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to record period: %w", err)
	}

	return nil
}

func scanPeriod(scan func(dest ...interface{}) error) (*PeriodRecord, error) {
	var record PeriodRecord
	var total string
	if err := scan(
		&record.Period,
		&record.BillsDigest,
		&record.LedgerDigest,
		&record.NumBills,
		&record.NumTransactions,
		&total,
		&record.ClosedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if record.TotalBilled, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("invalid total for period %s: %w", record.Period, err)
	}
	return &record, nil
}

// GetPeriod retrieves a closed period, or nil if it was never closed.
func (h *History) GetPeriod(period string) (*PeriodRecord, error) {
	query := `
		SELECT period, bills_digest, ledger_digest, num_bills, num_transactions, total_billed, closed_at
		FROM period_history
		WHERE period = ?
	`

	record, err := scanPeriod(h.conn.QueryRow(query, period).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get period: %w", err)
	}

	return record, nil
}

// ListPeriods retrieves all closed periods, latest first.
func (h *History) ListPeriods() ([]PeriodRecord, error) {
	query := `
		SELECT period, bills_digest, ledger_digest, num_bills, num_transactions, total_billed, closed_at
		FROM period_history
		ORDER BY period DESC
	`

	rows, err := h.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list periods: %w", err)
	}
	defer rows.Close()

	var records []PeriodRecord
	for rows.Next() {
		record, err := scanPeriod(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan period: %w", err)
		}
		records = append(records, *record)
	}

	return records, rows.Err()
}

// SavePriceSnapshots stores the prices of a period. Prices already
// snapshotted for the period are kept.
func (h *History) SavePriceSnapshots(period string, snapshots []PriceSnapshot) error {
	return h.conn.Transaction(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO price_snapshots (period, product_id, purchase_price, unit_price, unit_gco2e)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(period, product_id) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare snapshot insert: %w", err)
		}
		defer stmt.Close()

		for _, s := range snapshots {
			if _, err := stmt.Exec(period, s.ProductID, s.PurchasePrice.String(), s.UnitPrice.String(), s.UnitGCo2e.String()); err != nil {
				return fmt.Errorf("failed to save price snapshot %s: %w", s.ProductID, err)
			}
		}
		return nil
	})
}

// GetPriceSnapshots retrieves the prices of a period keyed by product id.
func (h *History) GetPriceSnapshots(period string) (map[string]PriceSnapshot, error) {
	query := `
		SELECT product_id, purchase_price, unit_price, unit_gco2e
		FROM price_snapshots
		WHERE period = ?
	`

	rows, err := h.conn.Query(query, period)
	if err != nil {
		return nil, fmt.Errorf("failed to get price snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := make(map[string]PriceSnapshot)
	for rows.Next() {
		var s PriceSnapshot
		var purchase, unit, gco2e string
		if err := rows.Scan(&s.ProductID, &purchase, &unit, &gco2e); err != nil {
			return nil, fmt.Errorf("failed to scan price snapshot: %w", err)
		}
		if s.PurchasePrice, err = decimal.NewFromString(purchase); err != nil {
			return nil, fmt.Errorf("invalid purchase price for %s: %w", s.ProductID, err)
		}
		if s.UnitPrice, err = decimal.NewFromString(unit); err != nil {
			return nil, fmt.Errorf("invalid unit price for %s: %w", s.ProductID, err)
		}
		if s.UnitGCo2e, err = decimal.NewFromString(gco2e); err != nil {
			return nil, fmt.Errorf("invalid gCO2e for %s: %w", s.ProductID, err)
		}
		snapshots[s.ProductID] = s
	}

	return snapshots, rows.Err()
}

// PreviousPriceSnapshots retrieves the prices of the latest period before period.
func (h *History) PreviousPriceSnapshots(period string) (map[string]PriceSnapshot, error) {
	var previous sql.NullString
	err := h.conn.QueryRow(`SELECT MAX(period) FROM price_snapshots WHERE period < ?`, period).Scan(&previous)
	if err != nil {
		return nil, fmt.Errorf("failed to find previous price period: %w", err)
	}
	if !previous.Valid {
		return map[string]PriceSnapshot{}, nil
	}
	return h.GetPriceSnapshots(previous.String)
}

// Acknowledge records an acknowledgment. Repeating it updates the note.
func (h *History) Acknowledge(period string, kind AckKind, subject, note string) error {
	query := `
		INSERT INTO acknowledgments (period, kind, subject, note)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(period, kind, subject) DO UPDATE SET
			note = excluded.note
	`

	if _, err := h.conn.Exec(query, period, string(kind), subject, note); err != nil {
		return fmt.Errorf("failed to record acknowledgment: %w", err)
	}

	return nil
}

// Acknowledged returns the acknowledged subjects of a kind for a period.
func (h *History) Acknowledged(period string, kind AckKind) (map[string]bool, error) {
	rows, err := h.conn.Query(`SELECT subject FROM acknowledgments WHERE period = ? AND kind = ?`, period, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to get acknowledgments: %w", err)
	}
	defer rows.Close()

	subjects := make(map[string]bool)
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, fmt.Errorf("failed to scan acknowledgment: %w", err)
		}
		subjects[subject] = true
	}

	return subjects, rows.Err()
}

// ListAcknowledgments retrieves all acknowledgments of a period.
func (h *History) ListAcknowledgments(period string) ([]Acknowledgment, error) {
	query := `
		SELECT period, kind, subject, note, created_at
		FROM acknowledgments
		WHERE period = ?
		ORDER BY kind, subject
	`

	rows, err := h.conn.Query(query, period)
	if err != nil {
		return nil, fmt.Errorf("failed to list acknowledgments: %w", err)
	}
	defer rows.Close()

	var acks []Acknowledgment
	for rows.Next() {
		var ack Acknowledgment
		var kind string
		if err := rows.Scan(&ack.Period, &kind, &ack.Subject, &ack.Note, &ack.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan acknowledgment: %w", err)
		}
		ack.Kind = AckKind(kind)
		acks = append(acks, ack)
	}

	return acks, rows.Err()
}

// RecordKnownAccounts records accounts seen in a period. An account keeps
// the earliest period it was recorded for.
func (h *History) RecordKnownAccounts(period string, accounts []string) error {
	return h.conn.Transaction(func(tx *sql.Tx) error {
		for _, account := range accounts {
			_, err := tx.Exec(`
				INSERT INTO known_accounts (account, first_period)
				VALUES (?, ?)
				ON CONFLICT(account) DO UPDATE SET
					first_period = MIN(first_period, excluded.first_period)
			`, account, period)
			if err != nil {
				return fmt.Errorf("failed to record account %s: %w", account, err)
			}
		}
		return nil
	})
}

// AccountsFirstSeenIn returns the accounts first recorded for period, sorted.
func (h *History) AccountsFirstSeenIn(period string) ([]string, error) {
	rows, err := h.conn.Query(`SELECT account FROM known_accounts WHERE first_period = ? ORDER BY account`, period)
	if err != nil {
		return nil, fmt.Errorf("failed to get known accounts: %w", err)
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var account string
		if err := rows.Scan(&account); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}

	return accounts, rows.Err()
}

// Stats represents history statistics.
type Stats struct {
	ClosedPeriods   int
	LastClosed      sql.NullString
	PricedProducts  int
	Acknowledgments int
	KnownAccounts   int
}

// GetStats retrieves history statistics.
func (h *History) GetStats() (*Stats, error) {
	var stats Stats

	err := h.conn.QueryRow(`SELECT COUNT(*), MAX(period) FROM period_history`).Scan(&stats.ClosedPeriods, &stats.LastClosed)
	if err != nil {
		return nil, fmt.Errorf("failed to get period count: %w", err)
	}

	err = h.conn.QueryRow(`SELECT COUNT(DISTINCT product_id) FROM price_snapshots`).Scan(&stats.PricedProducts)
	if err != nil {
		return nil, fmt.Errorf("failed to get product count: %w", err)
	}

	err = h.conn.QueryRow(`SELECT COUNT(*) FROM acknowledgments`).Scan(&stats.Acknowledgments)
	if err != nil {
		return nil, fmt.Errorf("failed to get acknowledgment count: %w", err)
	}

	err = h.conn.QueryRow(`SELECT COUNT(*) FROM known_accounts`).Scan(&stats.KnownAccounts)
	if err != nil {
		return nil, fmt.Errorf("failed to get account count: %w", err)
	}

	return &stats, nil
}

// GetMetadata retrieves a metadata value.
func (h *History) GetMetadata(key string) (string, error) {
	var value string
	err := h.conn.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get metadata: %w", err)
	}

	return value, nil
}

// SetMetadata sets a metadata value.
func (h *History) SetMetadata(key, value string) error {
	query := `
		INSERT INTO metadata (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := h.conn.Exec(query, key, value); err != nil {
		return fmt.Errorf("failed to set metadata: %w", err)
	}

	return nil
}
