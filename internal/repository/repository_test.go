package repository

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcom-dev/tileserver/internal/store"
	"github.com/jcom-dev/tileserver/internal/store/xyzstore"
)

func writeConfig(t *testing.T, dataDir string, entries []rawEntry) {
	t.Helper()
	data, err := json.Marshal(rawConfig{Repositories: entries})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "config.json"), data, 0o644))
}

func newRegistry() *store.Registry {
	r := store.NewRegistry()
	r.Register(store.KindXYZ, xyzstore.Open)
	return r
}

func TestLoadBuildsMapForValidRepositories(t *testing.T) {
	dataDir := t.TempDir()
	writeConfig(t, dataDir, []rawEntry{
		{ID: "parks", Kind: "xyz", Location: filepath.Join(dataDir, "xyzs", "parks"), Writable: true},
	})

	m, err := Load(context.Background(), dataDir, newRegistry())
	require.NoError(t, err)
	require.Contains(t, m, "parks")

	entry := m["parks"]
	assert.Equal(t, "parks", entry.ID)
	assert.False(t, entry.IsMBTiles)
	assert.Equal(t, "xyz", entry.TileJSON["scheme"])
	assert.Equal(t, "parks", entry.TileJSON["name"])

	m.Close()
}

func TestLoadExcludesRepositoryWhoseStoreFailsToOpen(t *testing.T) {
	dataDir := t.TempDir()
	writeConfig(t, dataDir, []rawEntry{
		{ID: "broken", Kind: "unsupported-kind", Location: filepath.Join(dataDir, "xyzs", "broken")},
		{ID: "ok", Kind: "xyz", Location: filepath.Join(dataDir, "xyzs", "ok"), Writable: true},
	})

	m, err := Load(context.Background(), dataDir, newRegistry())
	require.NoError(t, err)

	assert.NotContains(t, m, "broken")
	assert.Contains(t, m, "ok")

	m.Close()
}

func TestLoadErrorsWhenConfigMissing(t *testing.T) {
	dataDir := t.TempDir()

	_, err := Load(context.Background(), dataDir, newRegistry())
	require.Error(t, err)
}

func TestLoadUsesNameFromPersistedMetadataWhenPresent(t *testing.T) {
	dataDir := t.TempDir()
	root := filepath.Join(dataDir, "xyzs", "named")
	require.NoError(t, os.MkdirAll(root, 0o755))
	metadata, err := json.Marshal(map[string]any{"name": "Named Layer", "type": "overlay"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "metadata.json"), metadata, 0o644))

	writeConfig(t, dataDir, []rawEntry{
		{ID: "named", Kind: "xyz", Location: root, Writable: false},
	})

	m, err := Load(context.Background(), dataDir, newRegistry())
	require.NoError(t, err)
	require.Contains(t, m, "named")
	assert.Equal(t, "Named Layer", m["named"].TileJSON["name"])

	m.Close()
}
