package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pandinosaurus/deepforge/internal/artifact"
	"github.com/Pandinosaurus/deepforge/internal/storage"
	"github.com/Pandinosaurus/deepforge/pkg/protocol"
)

func TestSaveThenAddArtifactThroughFSBackend(t *testing.T) {
	f := newFixture(t)
	store := t.TempDir()
	cfg := map[string]interface{}{"root": store}

	require.NoError(t, os.WriteFile(filepath.Join(f.root, "result.bin"), []byte("weights"), 0o644))

	saved := f.do(t, protocol.KindSaveArtifact, "result.bin", "models/result.bin", "fs", cfg)
	require.Equal(t, protocol.ExitOK, saved.code)
	info, ok := saved.result.(storage.DataInfo)
	require.True(t, ok, "result is the backend's data descriptor")
	assert.Equal(t, "fs", info.Backend)
	assert.JSONEq(t, `{"path":"models/result.bin"}`, string(info.Data))

	added := f.do(t, protocol.KindAddArtifact, "model", info, "numpy.ndarray", cfg)
	require.Equal(t, protocol.ExitOK, added.code)

	desc, err := artifact.ReadDescriptor(filepath.Join(f.root, "model"))
	require.NoError(t, err)
	assert.Equal(t, "model", desc.Name)
	assert.Equal(t, "numpy.ndarray", desc.Type)

	data, err := os.ReadFile(filepath.Join(f.root, "model", artifact.DataFile))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
}

func TestSaveArtifactResultSurvivesTheWire(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "out.txt"), []byte("x"), 0o644))

	saved := f.do(t, protocol.KindSaveArtifact, "out.txt", "out.txt", "fs", map[string]string{"root": t.TempDir()})
	require.Equal(t, protocol.ExitOK, saved.code)

	msg, err := protocol.NewComplete("s", saved.code, saved.result)
	require.NoError(t, err)
	var decoded storage.DataInfo
	require.NoError(t, msg.Arg(1, &decoded))
	assert.Equal(t, "fs", decoded.Backend)
	assert.JSONEq(t, `{"path":"out.txt"}`, string(decoded.Data))
}

func TestSaveArtifactUploadsFileOutsideWorkspace(t *testing.T) {
	f := newFixture(t)
	store := t.TempDir()
	outside := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(outside, []byte("trained"), 0o644))
	cfg := map[string]interface{}{"root": store}

	o := f.do(t, protocol.KindSaveArtifact, outside, "model.bin", "fs", cfg)
	require.Equal(t, protocol.ExitOK, o.code)
	info, ok := o.result.(storage.DataInfo)
	require.True(t, ok)
	assert.JSONEq(t, `{"path":"model.bin"}`, string(info.Data))

	data, err := os.ReadFile(filepath.Join(store, "model.bin"))
	require.NoError(t, err)
	assert.Equal(t, "trained", string(data))
}

func TestArtifactFailures(t *testing.T) {
	f := newFixture(t)
	missing, err := storage.NewDataInfo("fs", map[string]string{"path": "missing.bin"})
	require.NoError(t, err)
	unknown := storage.DataInfo{Backend: "s3", Data: json.RawMessage(`{}`)}
	cfg := map[string]string{"root": t.TempDir()}

	tests := []struct {
		name string
		kind protocol.Kind
		args []interface{}
	}{
		{name: "add missing data", kind: protocol.KindAddArtifact, args: []interface{}{"a", missing, "str", cfg}},
		{name: "add unknown backend", kind: protocol.KindAddArtifact, args: []interface{}{"a", unknown, "str"}},
		{name: "add outside workspace", kind: protocol.KindAddArtifact, args: []interface{}{"../a", missing, "str", cfg}},
		{name: "save missing file", kind: protocol.KindSaveArtifact, args: []interface{}{"nope.txt", "n", "fs", cfg}},
		{name: "save unknown backend", kind: protocol.KindSaveArtifact, args: []interface{}{"nope.txt", "n", "s3"}},
		{name: "save without backend config", kind: protocol.KindSaveArtifact, args: []interface{}{"nope.txt", "n", "fs", nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := f.do(t, tt.kind, tt.args...)
			assert.Equal(t, protocol.ExitFailure, o.code)
			assert.Nil(t, o.result)
		})
	}

	_, err = os.Stat(filepath.Join(f.root, "a", artifact.DescriptorFile))
	assert.True(t, os.IsNotExist(err))
}
