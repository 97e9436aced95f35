// Package natsstore is a storage backend on top of a NATS JetStream object
// store bucket.
package natsstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Pandinosaurus/deepforge/internal/common/logger"
	"github.com/Pandinosaurus/deepforge/internal/storage"
)

// Backend is the registry name of this backend.
const Backend = "nats"

const (
	defaultBucket         = "deepforge-artifacts"
	defaultConnectTimeout = 5 * time.Second
)

type dataInfo struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
	Digest string `json:"digest,omitempty"`
}

// Client reads and writes objects in one bucket.
type Client struct {
	conn   *nats.Conn
	store  nats.ObjectStore
	bucket string
	logger *logger.Logger
}

// Register adds the nats backend to reg.
func Register(reg *storage.Registry) {
	reg.Register(Backend, New)
}

// New is the storage.Factory of the nats backend.
// Config: url (required), bucket, connectTimeout (seconds).
// In write mode a missing bucket is created.
func New(_ context.Context, mode storage.Mode, cfg storage.Config, log *logger.Logger) (storage.Client, error) {
	url, err := cfg.Require("url")
	if err != nil {
		return nil, err
	}
	bucket := cfg.String("bucket", defaultBucket)
	timeout := defaultConnectTimeout
	if secs := cfg.Int("connectTimeout", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	conn, err := nats.Connect(url,
		nats.Name("deepforge-worker"),
		nats.Timeout(timeout),
		nats.MaxReconnects(3),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open JetStream: %w", err)
	}

	store, err := js.ObjectStore(bucket)
	if isMissingBucket(err) && mode == storage.ModeWrite {
		log.Info("creating object store bucket", zap.String("bucket", bucket))
		store, err = js.CreateObjectStore(&nats.ObjectStoreConfig{Bucket: bucket})
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open bucket %s: %w", bucket, err)
	}

	return &Client{conn: conn, store: store, bucket: bucket, logger: log}, nil
}

func isMissingBucket(err error) bool {
	return errors.Is(err, nats.ErrBucketNotFound) || errors.Is(err, nats.ErrStreamNotFound)
}

// PutFileStream uploads r as a new object. Object names are prefixed with a
// random id so uploads of the same file never collide.
func (c *Client) PutFileStream(ctx context.Context, name string, r io.Reader) (storage.DataInfo, error) {
	objectName := objectKey(name)
	info, err := c.store.Put(&nats.ObjectMeta{Name: objectName}, r, nats.Context(ctx))
	if err != nil {
		return storage.DataInfo{}, fmt.Errorf("failed to upload %s: %w", name, err)
	}

	c.logger.Debug("uploaded object",
		zap.String("bucket", c.bucket),
		zap.String("object", objectName),
		zap.Uint64("bytes", info.Size),
	)
	return storage.NewDataInfo(Backend, dataInfo{Bucket: c.bucket, Name: objectName, Digest: info.Digest})
}

// GetFileStream opens the object described by info. Objects in another bucket
// than the client's are rejected.
func (c *Client) GetFileStream(ctx context.Context, info storage.DataInfo) (io.ReadCloser, error) {
	var data dataInfo
	if err := info.Decode(&data); err != nil {
		return nil, err
	}
	if data.Bucket != "" && data.Bucket != c.bucket {
		return nil, fmt.Errorf("object %s is in bucket %s, client is bound to %s", data.Name, data.Bucket, c.bucket)
	}

	result, err := c.store.Get(data.Name, nats.Context(ctx))
	if errors.Is(err, nats.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, data.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", data.Name, err)
	}
	return result, nil
}

// Close closes the NATS connection.
func (c *Client) Close() error {
	c.conn.Close()
	return nil
}

func objectKey(name string) string {
	return uuid.New().String() + "/" + name
}
