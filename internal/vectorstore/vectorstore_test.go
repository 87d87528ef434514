package vectorstore

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivellm/vectorizer/internal/collection"
	"github.com/hivellm/vectorizer/internal/model"
	"github.com/hivellm/vectorizer/internal/vecindex"
)

func testConfig(name string) collection.Config {
	return collection.Config{
		Name:   name,
		Dim:    3,
		Metric: model.MetricCosine,
		HNSW:   vecindex.Config{M: 8},
	}
}

func TestCreateCollection_ThenGet_ReturnsSameCollection(t *testing.T) {
	s := New()
	c, err := s.CreateCollection(testConfig("docs"))
	require.NoError(t, err)

	got, err := s.Get("docs")
	require.NoError(t, err)
	assert.Same(t, c, got)
}

func TestCreateCollection_Duplicate_ReturnsConflict(t *testing.T) {
	s := New()
	_, err := s.CreateCollection(testConfig("docs"))
	require.NoError(t, err)

	_, err = s.CreateCollection(testConfig("docs"))
	assert.Error(t, err)
}

func TestGet_NotFound_ReturnsError(t *testing.T) {
	s := New()
	_, err := s.Get("missing")
	assert.Error(t, err)
}

func TestDeleteCollection_RemovesFromList(t *testing.T) {
	s := New()
	_, err := s.CreateCollection(testConfig("docs"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteCollection("docs"))
	assert.Empty(t, s.List())
}

func TestDeleteCollection_NotFound_ReturnsError(t *testing.T) {
	s := New()
	err := s.DeleteCollection("missing")
	assert.Error(t, err)
}

func TestList_ReturnsSortedNames(t *testing.T) {
	s := New()
	_, err := s.CreateCollection(testConfig("zeta"))
	require.NoError(t, err)
	_, err = s.CreateCollection(testConfig("alpha"))
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "zeta"}, s.List())
}

func TestInsertAndSearch_Dispatches(t *testing.T) {
	s := New()
	_, err := s.CreateCollection(testConfig("docs"))
	require.NoError(t, err)

	require.NoError(t, s.Insert("docs", []model.Vector{{ID: "a", Data: []float32{1, 0, 0}}}))

	results, err := s.Search("docs", []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestInsert_UnknownCollection_ReturnsNotFound(t *testing.T) {
	s := New()
	err := s.Insert("missing", []model.Vector{{ID: "a", Data: []float32{1, 0, 0}}})
	assert.Error(t, err)
}

func TestInsert_LargeBatch_SplitsAcrossWorkers(t *testing.T) {
	s := New()
	_, err := s.CreateCollection(testConfig("docs"))
	require.NoError(t, err)

	vectors := make([]model.Vector, parallelThreshold+10)
	for i := range vectors {
		vectors[i] = model.Vector{ID: fmt.Sprintf("v%d", i), Data: []float32{1, 0, 0}}
	}
	require.NoError(t, s.Insert("docs", vectors))

	c, err := s.Get("docs")
	require.NoError(t, err)
	assert.Equal(t, len(vectors), c.Len())
}

func TestUpdateDeleteGetVector_Dispatch(t *testing.T) {
	s := New()
	_, err := s.CreateCollection(testConfig("docs"))
	require.NoError(t, err)
	require.NoError(t, s.Insert("docs", []model.Vector{{ID: "a", Data: []float32{1, 0, 0}}}))

	require.NoError(t, s.Update("docs", model.Vector{ID: "a", Data: []float32{0, 1, 0}}))

	v, err := s.GetVector("docs", "a")
	require.NoError(t, err)
	assert.InDelta(t, 0, v.Data[0], 1e-6)

	require.NoError(t, s.DeleteVector("docs", "a"))
	_, err = s.GetVector("docs", "a")
	assert.Error(t, err)
}

func TestTenantName_PrefixesWithTenantID(t *testing.T) {
	assert.Equal(t, "user_t1:docs", TenantName("t1", "docs"))
	assert.Equal(t, "docs", TenantName("", "docs"))
}
