package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SchemaVersion is stamped into the metadata table of every history database.
const SchemaVersion = 1

const schemaVersionKey = "schema_version"

// ErrSchemaVersion is returned when the history was written by a newer tagtrail.
var ErrSchemaVersion = errors.New("unsupported history schema version")

// Connection is the period history database of one tagtrail root.
type Connection struct {
	db     *sql.DB
	dbPath string
}

// Open opens the history database, creating its directory and tables.
// WAL mode lets `tagtrail stats` read while a close is being recorded.
func Open(dbPath string) (*Connection, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn := &Connection{db: db, dbPath: dbPath}
	if err := InitializeSchema(conn); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := conn.stampVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return conn, nil
}

// stampVersion records SchemaVersion on fresh and older databases and
// refuses one written by a newer schema.
func (c *Connection) stampVersion() error {
	var stored string
	err := c.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, schemaVersionKey).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	default:
		version, err := strconv.Atoi(stored)
		if err != nil {
			return fmt.Errorf("%w: %q in %s", ErrSchemaVersion, stored, c.dbPath)
		}
		if version > SchemaVersion {
			return fmt.Errorf("%w: %s has version %d, this build supports %d", ErrSchemaVersion, c.dbPath, version, SchemaVersion)
		}
		if version == SchemaVersion {
			return nil
		}
	}

	_, err = c.db.Exec(`
		INSERT INTO metadata (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, schemaVersionKey, strconv.Itoa(SchemaVersion))
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

func (c *Connection) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *Connection) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.Query(query, args...)
}

func (c *Connection) QueryRow(query string, args ...interface{}) *sql.Row {
	return c.db.QueryRow(query, args...)
}

func (c *Connection) Exec(query string, args ...interface{}) (sql.Result, error) {
	return c.db.Exec(query, args...)
}

// Transaction runs fn in a transaction that is committed only if fn succeeds.
// Price snapshots and known accounts of a period are written all or nothing.
func (c *Connection) Transaction(fn func(*sql.Tx) error) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
