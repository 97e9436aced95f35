package sqlstore

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pandinosaurus/deepforge/internal/common/logger"
	"github.com/Pandinosaurus/deepforge/internal/storage"
)

func openSQLite(t *testing.T, cfg storage.Config) storage.Client {
	t.Helper()
	client, err := NewSQLite(context.Background(), storage.ModeWrite, cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSQLiteRoundTrip(t *testing.T) {
	for _, compression := range []string{"", EncodingZstd} {
		t.Run("compression="+compression, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "artifacts.db")
			payload := strings.Repeat("tensor-data ", 2048)
			ctx := context.Background()

			writer := openSQLite(t, storage.Config{"path": path, "compression": compression})
			info, err := writer.PutFileStream(ctx, "weights", strings.NewReader(payload))
			require.NoError(t, err)
			assert.Equal(t, BackendSQLite, info.Backend)

			// a separate client sees the row
			reader := openSQLite(t, storage.Config{"path": path})
			rc, err := reader.GetFileStream(ctx, info)
			require.NoError(t, err)
			defer rc.Close()

			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, payload, string(got))
		})
	}
}

func TestSQLiteMissingRow(t *testing.T) {
	client := openSQLite(t, storage.Config{"path": filepath.Join(t.TempDir(), "a.db")})
	info, err := storage.NewDataInfo(BackendSQLite, map[string]string{"id": "missing"})
	require.NoError(t, err)

	_, err = client.GetFileStream(context.Background(), info)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSQLiteConfigErrors(t *testing.T) {
	_, err := NewSQLite(context.Background(), storage.ModeRead, storage.Config{}, logger.Nop())
	assert.Error(t, err)

	_, err = NewSQLite(context.Background(), storage.ModeRead, storage.Config{
		"path":        filepath.Join(t.TempDir(), "a.db"),
		"compression": "brotli",
	}, logger.Nop())
	assert.ErrorContains(t, err, "unsupported compression")
}

func TestPostgresRequiresDSN(t *testing.T) {
	_, err := NewPostgres(context.Background(), storage.ModeRead, storage.Config{}, logger.Nop())
	assert.Error(t, err)
}

func TestZstdRowKeepsOriginalSize(t *testing.T) {
	payload := strings.Repeat("layer-0 weights ", 4096)
	client := openSQLite(t, storage.Config{
		"path":        filepath.Join(t.TempDir(), "artifacts.db"),
		"compression": EncodingZstd,
	}).(*Client)
	ctx := context.Background()

	info, err := client.PutFileStream(ctx, "weights", strings.NewReader(payload))
	require.NoError(t, err)
	var data dataInfo
	require.NoError(t, info.Decode(&data))

	var row artifactRow
	require.NoError(t, client.db.GetContext(ctx, &row,
		client.db.Rebind(`SELECT encoding, size, content FROM artifacts WHERE id = ?`), data.ID))
	assert.Equal(t, EncodingZstd, row.Encoding)
	assert.Equal(t, int64(len(payload)), row.Size)
	assert.Less(t, len(row.Content), len(payload))
}
