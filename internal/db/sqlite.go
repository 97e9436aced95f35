// Package db opens the SQL databases used by the sql storage backends.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteBusyTimeoutMs = 5000

// OpenSQLite opens (creating if needed) the database file at path, with its
// parent directory, in WAL mode behind a single connection.
func OpenSQLite(path string) (*sql.DB, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// The file may be shared by several workers.
	dsn := fmt.Sprintf("file:%s?_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		abs, sqliteBusyTimeoutMs)
	conn, err := sql.Open(SQLite3, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", abs, err)
	}
	return conn, nil
}
