package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadFromFlags(t *testing.T) {
	root := t.TempDir()
	fs := newFlags(t, "--url", "ws://localhost:8888/worker", "--id", "worker-1", "--workspace", root)

	cfg, err := Load(fs)
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:8888/worker", cfg.Server.URL)
	assert.Equal(t, "worker-1", cfg.Worker.ID)
	assert.Equal(t, root, cfg.Workspace.Root)
	assert.Equal(t, 2, cfg.Process.KillGracePeriod)
	assert.Equal(t, 9998, cfg.Status.Port)
	assert.False(t, cfg.Status.Enabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DEEPFORGE_WORKER_SERVER_URL", "wss://controller.example/ws")
	t.Setenv("DEEPFORGE_WORKER_PROCESS_KILL_GRACE_PERIOD", "5")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "wss://controller.example/ws", cfg.Server.URL)
	assert.Equal(t, 5, cfg.Process.KillGracePeriod)
	assert.NotEmpty(t, cfg.Worker.ID, "worker id is generated when unset")
	exe, err := os.Executable()
	require.NoError(t, err)
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	assert.Equal(t, filepath.Dir(exe), cfg.Workspace.Root, "workspace root defaults to the binary's directory")
}

func TestLoadFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := `
server:
  url: ws://127.0.0.1:9000/ws
storage:
  backends:
    sqlite:
      path: /var/lib/deepforge/artifacts.db
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "worker.yaml"), []byte(content), 0o644))

	cfg, err := Load(newFlags(t, "--config", dir))
	require.NoError(t, err)

	assert.Equal(t, "ws://127.0.0.1:9000/ws", cfg.Server.URL)
	require.Contains(t, cfg.Storage.Backends, "sqlite")
	assert.Equal(t, "/var/lib/deepforge/artifacts.db", cfg.Storage.Backends["sqlite"]["path"])
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "missing url", args: nil},
		{name: "http url", args: []string{"--url", "http://localhost"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(newFlags(t, tt.args...))
			assert.Error(t, err)
		})
	}
}
