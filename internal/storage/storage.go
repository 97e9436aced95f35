// Package storage defines the capability interface of artifact storage
// backends and the registry that resolves them by name.
//
// The worker core only talks to Client values obtained from a Resolver; the
// concrete backends (fsstore, sqlstore, natsstore) register factories at
// startup.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Pandinosaurus/deepforge/internal/common/logger"
)

// ErrUnknownBackend is returned when no factory is registered for a backend.
var ErrUnknownBackend = errors.New("unknown storage backend")

// ErrNotFound is returned by backends when the requested data does not exist.
var ErrNotFound = errors.New("data not found")

// Mode tells a factory whether the client will read or write.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// DataInfo describes where a backend keeps a piece of data. Data is opaque to
// everything except the backend named in Backend.
type DataInfo struct {
	Backend string          `json:"backend"`
	Data    json.RawMessage `json:"data"`
}

// NewDataInfo encodes data into a DataInfo for backend.
func NewDataInfo(backend string, data interface{}) (DataInfo, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return DataInfo{}, fmt.Errorf("failed to encode %s data info: %w", backend, err)
	}
	return DataInfo{Backend: backend, Data: raw}, nil
}

// Decode unmarshals the backend-specific part of the descriptor.
func (d DataInfo) Decode(v interface{}) error {
	if len(d.Data) == 0 {
		return fmt.Errorf("%s data info is empty", d.Backend)
	}
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("invalid %s data info: %w", d.Backend, err)
	}
	return nil
}

// Client streams bytes to and from one backend.
type Client interface {
	// GetFileStream opens the data described by info for reading.
	GetFileStream(ctx context.Context, info DataInfo) (io.ReadCloser, error)
	// PutFileStream stores everything read from r under name and returns the
	// descriptor to fetch it again.
	PutFileStream(ctx context.Context, name string, r io.Reader) (DataInfo, error)
	// Close releases the client's connections.
	Close() error
}

// Resolver hands out clients for named backends.
type Resolver interface {
	ResolveClient(ctx context.Context, backend string, mode Mode, cfg Config) (Client, error)
}

// Factory builds a client for one backend.
type Factory func(ctx context.Context, mode Mode, cfg Config, log *logger.Logger) (Client, error)

// Registry is a Resolver backed by named factories.
type Registry struct {
	logger *logger.Logger

	mu        sync.RWMutex
	factories map[string]Factory
	defaults  map[string]Config
}

var _ Resolver = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		logger:    log.WithComponent("storage"),
		factories: make(map[string]Factory),
		defaults:  make(map[string]Config),
	}
}

// Register adds or replaces the factory for backend.
func (r *Registry) Register(backend string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[backend] = f
}

// SetDefaults sets configuration used for backend when a request leaves keys
// unset.
func (r *Registry) SetDefaults(backend string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[backend] = cfg
}

// Backends lists the registered backend names.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveClient builds a client for backend, with cfg merged over the
// backend's defaults.
func (r *Registry) ResolveClient(ctx context.Context, backend string, mode Mode, cfg Config) (Client, error) {
	r.mu.RLock()
	factory, ok := r.factories[backend]
	defaults := r.defaults[backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}

	log := r.logger.WithFields(zap.String("backend", backend), zap.String("mode", string(mode)))
	client, err := factory(ctx, mode, defaults.Merge(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", backend, err)
	}
	log.Debug("storage client resolved")
	return client, nil
}
