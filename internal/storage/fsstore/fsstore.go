// Package fsstore is a storage backend that keeps data as files under a
// local (or mounted) directory.
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/Pandinosaurus/deepforge/internal/common/logger"
	"github.com/Pandinosaurus/deepforge/internal/storage"
)

// Backend is the registry name of this backend.
const Backend = "fs"

type dataInfo struct {
	Path string `json:"path"`
}

// Client reads and writes files below Root.
type Client struct {
	root   string
	logger *logger.Logger
}

// Register adds the fs backend to reg.
func Register(reg *storage.Registry) {
	reg.Register(Backend, New)
}

// New is the storage.Factory of the fs backend. Config: root (required).
func New(_ context.Context, mode storage.Mode, cfg storage.Config, log *logger.Logger) (storage.Client, error) {
	root, err := cfg.Require("root")
	if err != nil {
		return nil, err
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}
	if mode == storage.ModeWrite {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create root: %w", err)
		}
	}
	return &Client{root: root, logger: log}, nil
}

// GetFileStream opens the file named in info.
func (c *Client) GetFileStream(_ context.Context, info storage.DataInfo) (io.ReadCloser, error) {
	var data dataInfo
	if err := info.Decode(&data); err != nil {
		return nil, err
	}
	path, err := c.resolve(data.Path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, data.Path)
		}
		return nil, fmt.Errorf("failed to open %s: %w", data.Path, err)
	}
	return f, nil
}

// PutFileStream copies r into <root>/<name>. The file only appears under its
// final name once the copy has completed.
func (c *Client) PutFileStream(_ context.Context, name string, r io.Reader) (storage.DataInfo, error) {
	path, err := c.resolve(name)
	if err != nil {
		return storage.DataInfo{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return storage.DataInfo{}, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return storage.DataInfo{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmp.Name())
		return storage.DataInfo{}, fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return storage.DataInfo{}, fmt.Errorf("failed to store %s: %w", name, err)
	}

	rel, _ := filepath.Rel(c.root, path)
	c.logger.Debug("stored file", zap.String("path", rel), zap.Int64("bytes", n))
	return storage.NewDataInfo(Backend, dataInfo{Path: filepath.ToSlash(rel)})
}

// Close implements storage.Client.
func (c *Client) Close() error { return nil }

func (c *Client) resolve(name string) (string, error) {
	if name == "" {
		return "", errors.New("empty path")
	}
	full := filepath.Join(c.root, filepath.FromSlash(name))
	rel, err := filepath.Rel(c.root, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes storage root", name)
	}
	return full, nil
}
