// Package sqlstore is a storage backend that keeps artifact bytes as blobs in
// a SQL database. The "sqlite" backend uses a local database file, the
// "postgres" backend a shared server. Blobs may be zstd-compressed.
package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/Pandinosaurus/deepforge/internal/common/logger"
	"github.com/Pandinosaurus/deepforge/internal/db"
	"github.com/Pandinosaurus/deepforge/internal/storage"
)

// Registry names of the backends served by this package.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Blob encodings.
const (
	EncodingIdentity = "identity"
	EncodingZstd     = "zstd"
)

type dataInfo struct {
	ID string `json:"id"`
}

type artifactRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Encoding  string    `db:"encoding"`
	Size      int64     `db:"size"`
	Content   []byte    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}

// Client stores blobs in the artifacts table.
type Client struct {
	db       *sqlx.DB
	backend  string
	encoding string
	logger   *logger.Logger
}

// Register adds the sqlite and postgres backends to reg.
func Register(reg *storage.Registry) {
	reg.Register(BackendSQLite, NewSQLite)
	reg.Register(BackendPostgres, NewPostgres)
}

// NewSQLite is the storage.Factory of the sqlite backend.
// Config: path (required), compression ("zstd" or empty).
func NewSQLite(_ context.Context, _ storage.Mode, cfg storage.Config, log *logger.Logger) (storage.Client, error) {
	path, err := cfg.Require("path")
	if err != nil {
		return nil, err
	}
	conn, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return newClient(sqlx.NewDb(conn, db.SQLite3), BackendSQLite, cfg, log)
}

// NewPostgres is the storage.Factory of the postgres backend.
// Config: dsn (required), maxConns, compression ("zstd" or empty).
func NewPostgres(_ context.Context, _ storage.Mode, cfg storage.Config, log *logger.Logger) (storage.Client, error) {
	dsn, err := cfg.Require("dsn")
	if err != nil {
		return nil, err
	}
	conn, err := db.OpenPostgres(dsn, cfg.Int("maxConns", 0))
	if err != nil {
		return nil, err
	}
	return newClient(sqlx.NewDb(conn, db.PGX), BackendPostgres, cfg, log)
}

func newClient(conn *sqlx.DB, backend string, cfg storage.Config, log *logger.Logger) (*Client, error) {
	encoding := EncodingIdentity
	switch c := cfg.String("compression", ""); c {
	case "", "none", EncodingIdentity:
	case EncodingZstd:
		encoding = EncodingZstd
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unsupported compression %q", c)
	}

	client := &Client{db: conn, backend: backend, encoding: encoding, logger: log}
	if err := client.initSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return client, nil
}

func (c *Client) initSchema() error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		encoding TEXT NOT NULL,
		size BIGINT NOT NULL,
		content %s NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`, db.BlobType(c.db.DriverName()))
	_, err := c.db.Exec(schema)
	return err
}

func (c *Client) encode(dst io.Writer, r io.Reader) (int64, error) {
	if c.encoding != EncodingZstd {
		return io.Copy(dst, r)
	}
	enc, err := zstd.NewWriter(dst)
	if err != nil {
		return 0, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	n, err := io.Copy(enc, r)
	if err != nil {
		_ = enc.Close()
		return n, err
	}
	return n, enc.Close()
}

// PutFileStream stores r as one row. The row needs the whole blob, so the
// content is buffered in memory once; with zstd it is compressed while it is
// read.
func (c *Client) PutFileStream(ctx context.Context, name string, r io.Reader) (storage.DataInfo, error) {
	var content bytes.Buffer
	size, err := c.encode(&content, r)
	if err != nil {
		return storage.DataInfo{}, fmt.Errorf("failed to read %s: %w", name, err)
	}

	row := artifactRow{
		ID:        uuid.New().String(),
		Name:      name,
		Encoding:  c.encoding,
		Size:      size,
		Content:   content.Bytes(),
		CreatedAt: time.Now().UTC(),
	}
	_, err = c.db.NamedExecContext(ctx, `
		INSERT INTO artifacts (id, name, encoding, size, content, created_at)
		VALUES (:id, :name, :encoding, :size, :content, :created_at)`, row)
	if err != nil {
		return storage.DataInfo{}, fmt.Errorf("failed to insert %s: %w", name, err)
	}

	c.logger.Debug("stored blob",
		zap.String("id", row.ID),
		zap.String("name", name),
		zap.Int64("bytes", row.Size),
		zap.Int("stored_bytes", content.Len()),
	)
	return storage.NewDataInfo(c.backend, dataInfo{ID: row.ID})
}

// GetFileStream returns a reader over the decoded blob.
func (c *Client) GetFileStream(ctx context.Context, info storage.DataInfo) (io.ReadCloser, error) {
	var data dataInfo
	if err := info.Decode(&data); err != nil {
		return nil, err
	}

	var row artifactRow
	err := c.db.GetContext(ctx, &row, c.db.Rebind(`
		SELECT id, name, encoding, size, content, created_at
		FROM artifacts WHERE id = ?`), data.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, data.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", data.ID, err)
	}

	switch row.Encoding {
	case EncodingIdentity:
		return io.NopCloser(bytes.NewReader(row.Content)), nil
	case EncodingZstd:
		dec, err := zstd.NewReader(bytes.NewReader(row.Content))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unknown blob encoding %q", row.Encoding)
	}
}

// Close closes the database connection.
func (c *Client) Close() error {
	return c.db.Close()
}
