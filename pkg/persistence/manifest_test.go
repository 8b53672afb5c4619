package persistence

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManifestPersistsRuns(t *testing.T) {
	dir := t.TempDir()

	m := NewManifest(dir, "engine-1")
	require.NoError(t, m.Load())
	require.FileExists(t, filepath.Join(dir, ManifestFileName))

	id1 := m.NextRunID()
	id2 := m.NextRunID()
	require.Equal(t, uint64(1), id1)
	require.Equal(t, uint64(2), id2)

	require.NoError(t, m.AddRun(RunInfo{ID: id1, FilePath: "run-1.sst", Entries: 10, Size: 100}))
	require.NoError(t, m.AddRun(RunInfo{ID: id2, FilePath: "run-2.sst", Entries: 5, Size: 50}))

	reloaded := NewManifest(dir, "")
	require.NoError(t, reloaded.Load())

	runs := reloaded.Runs()
	require.Len(t, runs, 2)
	require.Equal(t, "run-1.sst", runs[0].FilePath)
	require.Equal(t, uint64(5), runs[1].Entries)
	require.Equal(t, uint64(3), reloaded.NextRunID())
}
