package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/Pandinosaurus/deepforge/internal/artifact"
	"github.com/Pandinosaurus/deepforge/internal/storage"
	"github.com/Pandinosaurus/deepforge/internal/worker/task"
	"github.com/Pandinosaurus/deepforge/pkg/protocol"
)

// backendConfig decodes the optional config argument at index i.
func backendConfig(msg *protocol.Message, i int) (storage.Config, error) {
	var cfg storage.Config
	if _, err := msg.OptionalArg(i, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// addArtifact handles [name, dataInfo, type, config?].
func (s *Session) addArtifact(msg *protocol.Message) task.Operation {
	return func(ctx context.Context) (interface{}, error) {
		var (
			name     string
			info     storage.DataInfo
			dataType string
		)
		if err := msg.Arg(0, &name); err != nil {
			return nil, err
		}
		if err := msg.Arg(1, &info); err != nil {
			return nil, err
		}
		if err := msg.Arg(2, &dataType); err != nil {
			return nil, err
		}
		cfg, err := backendConfig(msg, 3)
		if err != nil {
			return nil, err
		}

		dir, err := EnsureValidPath(s.deps.Root, name)
		if err != nil {
			return nil, err
		}

		client, err := s.deps.Resolver.ResolveClient(ctx, info.Backend, storage.ModeRead, cfg)
		if err != nil {
			return nil, err
		}
		defer client.Close()

		desc, err := artifact.Fetch(ctx, client, dir, name, dataType, info)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch artifact %s: %w", name, err)
		}
		s.logger.Info("artifact fetched",
			zap.String("artifact", name),
			zap.String("type", dataType),
			zap.String("backend", info.Backend),
			zap.String("serializer", desc.Serializer),
		)
		return nil, nil
	}
}

// saveArtifact handles [filepath, name, backend, config?] and returns the
// backend's data descriptor.
func (s *Session) saveArtifact(msg *protocol.Message) task.Operation {
	return func(ctx context.Context) (interface{}, error) {
		var path, name, backend string
		if err := msg.StringArgs(&path, &name, &backend); err != nil {
			return nil, err
		}
		cfg, err := backendConfig(msg, 3)
		if err != nil {
			return nil, err
		}

		source := path
		if !filepath.IsAbs(source) {
			source = filepath.Join(s.deps.Root, source)
		}
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()

		client, err := s.deps.Resolver.ResolveClient(ctx, backend, storage.ModeWrite, cfg)
		if err != nil {
			return nil, err
		}
		defer client.Close()

		info, err := client.PutFileStream(ctx, name, f)
		if err != nil {
			return nil, fmt.Errorf("failed to upload %s: %w", path, err)
		}
		s.logger.Info("artifact saved",
			zap.String("path", path),
			zap.String("artifact", name),
			zap.String("backend", backend),
		)
		return info, nil
	}
}
