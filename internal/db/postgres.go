package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultPostgresConns = 4

// OpenPostgres connects to PostgreSQL through the pgx database/sql driver.
// A maxConns of 0 selects the default pool size.
func OpenPostgres(dsn string, maxConns int) (*sql.DB, error) {
	if maxConns <= 0 {
		maxConns = defaultPostgresConns
	}

	conn, err := sql.Open(PGX, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(maxConns)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	return conn, nil
}
