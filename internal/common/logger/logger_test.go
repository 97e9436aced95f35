package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLoggerWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.WithSessionID("s-1").Info("task finished", zap.Int("exit_code", 0))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	assert.True(t, strings.Contains(line, `"session_id":"s-1"`), line)
	assert.True(t, strings.Contains(line, `"exit_code":0`), line)
	assert.True(t, strings.Contains(line, `"level":"info"`), line)
}

func TestNewLoggerFallsBackToInfoOnBadLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	log, err := NewLogger(LoggingConfig{Level: "loud", OutputPath: path})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("shown")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestDetectFormat(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "")
	t.Setenv("DEEPFORGE_ENV", "")
	assert.Equal(t, "text", DetectFormat())

	t.Setenv("DEEPFORGE_ENV", "production")
	assert.Equal(t, "json", DetectFormat())
}

func TestSetDefault(t *testing.T) {
	prev := Default()
	t.Cleanup(func() { SetDefault(prev) })

	l := Nop()
	SetDefault(l)
	assert.Same(t, l, Default())
}

func TestNewLoggerRejectsUnwritablePath(t *testing.T) {
	_, err := NewLogger(LoggingConfig{OutputPath: filepath.Join(t.TempDir(), "missing", "worker.log")})
	assert.ErrorContains(t, err, "failed to open log file")
}
