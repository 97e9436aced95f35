package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/Pandinosaurus/deepforge/internal/worker/task"
	"github.com/Pandinosaurus/deepforge/pkg/protocol"
)

// ErrPathOutsideWorkspace is returned for paths that resolve outside the
// workspace root.
var ErrPathOutsideWorkspace = errors.New("path is outside the workspace")

// EnsureValidPath resolves path against root and returns the absolute result,
// or ErrPathOutsideWorkspace if it escapes root. Absolute paths are checked
// as given.
func EnsureValidPath(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(absRoot, target)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideWorkspace, path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideWorkspace, path)
	}
	return target, nil
}

func (s *Session) addFile(msg *protocol.Message) task.Operation {
	return func(context.Context) (interface{}, error) {
		var path, content string
		if err := msg.StringArgs(&path, &content); err != nil {
			return nil, err
		}
		target, err := EnsureValidPath(s.deps.Root, path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directories for %s: %w", path, err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", path, err)
		}
		s.logger.Debug("file written", zap.String("path", path), zap.Int("bytes", len(content)))
		return nil, nil
	}
}

func (s *Session) removeFile(msg *protocol.Message) task.Operation {
	return func(context.Context) (interface{}, error) {
		var path string
		if err := msg.StringArgs(&path); err != nil {
			return nil, err
		}
		target, err := EnsureValidPath(s.deps.Root, path)
		if err != nil {
			return nil, err
		}
		if err := os.Remove(target); err != nil {
			return nil, fmt.Errorf("failed to remove %s: %w", path, err)
		}
		s.logger.Debug("file removed", zap.String("path", path))
		return nil, nil
	}
}

func (s *Session) setEnv(msg *protocol.Message) task.Operation {
	return func(context.Context) (interface{}, error) {
		var name, value string
		if err := msg.StringArgs(&name, &value); err != nil {
			return nil, err
		}
		s.deps.Env.Set(name, value)
		s.logger.Debug("environment variable set", zap.String("name", name))
		return nil, nil
	}
}
