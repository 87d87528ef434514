package compaction

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivellm/vectorizer/internal/collection"
	"github.com/hivellm/vectorizer/internal/model"
	"github.com/hivellm/vectorizer/internal/vecindex"
	"github.com/hivellm/vectorizer/internal/vectorstore"
)

func newTestStore(t *testing.T) *vectorstore.Store {
	t.Helper()
	s := vectorstore.New()
	_, err := s.CreateCollection(collection.Config{
		Name:   "docs",
		Dim:    3,
		Metric: model.MetricCosine,
		HNSW:   vecindex.Config{M: 8},
	})
	require.NoError(t, err)
	require.NoError(t, s.Insert("docs", []model.Vector{
		{ID: "a", Data: []float32{1, 0, 0}, Payload: model.Payload{"file_path": "a.go"}},
		{ID: "b", Data: []float32{0, 1, 0}, Payload: model.Payload{"file_path": "b.go"}},
	}))
	return s
}

func TestCompact_ThenLoadArchive_RoundTripsVectors(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t)
	c := NewCompactor(dir, store)

	require.NoError(t, c.Compact())

	collections, err := LoadArchive(filepath.Join(dir, ArchiveFileName))
	require.NoError(t, err)
	require.Len(t, collections, 1)

	pc := collections[0]
	assert.Equal(t, "docs", pc.Name)
	assert.Len(t, pc.Vectors, 2)
}

func TestLoadArchive_RejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ArchiveFileName)
	require.NoError(t, writeAtomic(path, []byte("not an archive at all")))

	_, err := LoadArchive(path)
	assert.Error(t, err)
}

func TestLoadArchive_RejectsCorruptedManifestCRC(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t)
	c := NewCompactor(dir, store)
	require.NoError(t, c.Compact())

	path := filepath.Join(dir, ArchiveFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF // flip a bit in the footer CRC
	require.NoError(t, writeAtomic(path, data))

	_, err = LoadArchive(path)
	assert.Error(t, err)
}
