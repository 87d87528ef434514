package compaction

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_CreatesDirectoryWithArchiveAndMetadata(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t)
	require.NoError(t, NewCompactor(dir, store).Compact())

	sm := NewSnapshotManager(dir, 48)
	require.NoError(t, sm.Snapshot())

	names, err := sm.List()
	require.NoError(t, err)
	require.Len(t, names, 1)
}

func TestSnapshot_EnforcesRetention(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t)
	require.NoError(t, NewCompactor(dir, store).Compact())

	sm := NewSnapshotManager(dir, 2)
	require.NoError(t, os.MkdirAll(sm.snapshotsDir(), 0o755))
	// Pre-seed three older snapshot directories (lexicographically earlier
	// than anything Snapshot() will generate today) to exercise pruning
	// without depending on wall-clock timestamp granularity.
	for _, name := range []string{"snapshot-20200101T000000Z", "snapshot-20200102T000000Z", "snapshot-20200103T000000Z"} {
		require.NoError(t, os.MkdirAll(filepath.Join(sm.snapshotsDir(), name), 0o755))
	}

	require.NoError(t, sm.Snapshot())

	names, err := sm.List()
	require.NoError(t, err)
	assert.Len(t, names, 2)
	assert.Equal(t, "snapshot-20200103T000000Z", names[0])
}
