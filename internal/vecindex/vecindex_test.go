package vecindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vecerrors "github.com/hivellm/vectorizer/internal/errors"
	"github.com/hivellm/vectorizer/internal/model"
)

func newTestIndex(t *testing.T, metric model.Metric) *Index {
	t.Helper()
	ix, err := New(Config{Dim: 3, Metric: metric, M: 8})
	require.NoError(t, err)
	return ix
}

func TestAdd_ThenSearch_ReturnsSelf(t *testing.T) {
	ix := newTestIndex(t, model.MetricCosine)

	require.NoError(t, ix.Add("a", []float32{1, 0, 0}))
	require.NoError(t, ix.Add("b", []float32{0, 1, 0}))

	results, err := ix.Search([]float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestAdd_WrongDimension_ReturnsValidationError(t *testing.T) {
	ix := newTestIndex(t, model.MetricCosine)
	err := ix.Add("a", []float32{1, 0})
	assert.Error(t, err)
}

func TestRemove_NotFound_ReturnsError(t *testing.T) {
	ix := newTestIndex(t, model.MetricCosine)
	err := ix.Remove("missing")
	assert.Error(t, err)
}

func TestRemove_MakesIDAbsentFromSearch(t *testing.T) {
	ix := newTestIndex(t, model.MetricCosine)
	require.NoError(t, ix.Add("a", []float32{1, 0, 0}))
	require.NoError(t, ix.Remove("a"))

	assert.False(t, ix.Contains("a"))
	assert.Equal(t, 0, ix.Len())

	results, err := ix.Search([]float32{1, 0, 0}, 5)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a", r.ID)
	}
}

func TestUpdate_ExistingID_ReindexesVector(t *testing.T) {
	ix := newTestIndex(t, model.MetricCosine)
	require.NoError(t, ix.Add("a", []float32{1, 0, 0}))
	require.NoError(t, ix.Update("a", []float32{0, 1, 0}))

	results, err := ix.Search([]float32{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestUpdate_NonexistentID_ReturnsNotFound(t *testing.T) {
	ix := newTestIndex(t, model.MetricCosine)
	err := ix.Update("missing", []float32{1, 0, 0})
	assert.Error(t, err)
}

func TestBatchAdd_AllOrNothingOnBadDimension(t *testing.T) {
	ix := newTestIndex(t, model.MetricCosine)
	err := ix.BatchAdd([]Pair{
		{ID: "a", Vector: []float32{1, 0, 0}},
		{ID: "b", Vector: []float32{1, 0}}, // wrong dim
	})
	assert.Error(t, err)
	assert.Equal(t, 0, ix.Len())
}

func TestAdd_DuplicateID_ReturnsDuplicateVectorID(t *testing.T) {
	ix := newTestIndex(t, model.MetricCosine)
	require.NoError(t, ix.Add("a", []float32{1, 0, 0}))

	err := ix.Add("a", []float32{0, 1, 0})
	require.Error(t, err)
	assert.Equal(t, vecerrors.ErrCodeDuplicateVectorID, vecerrors.GetCode(err))
	assert.Equal(t, 1, ix.Len())
}

func TestBatchAdd_DuplicateIDWithinBatch_RejectsWholeBatch(t *testing.T) {
	ix := newTestIndex(t, model.MetricCosine)

	err := ix.BatchAdd([]Pair{
		{ID: "a", Vector: []float32{1, 0, 0}},
		{ID: "a", Vector: []float32{0, 1, 0}},
	})
	require.Error(t, err)
	assert.Equal(t, vecerrors.ErrCodeDuplicateVectorID, vecerrors.GetCode(err))
	assert.Equal(t, 0, ix.Len())
}

func TestOptimize_DropsOrphansWithoutChangingLiveCount(t *testing.T) {
	ix := newTestIndex(t, model.MetricCosine)
	require.NoError(t, ix.Add("a", []float32{1, 0, 0}))
	require.NoError(t, ix.Update("a", []float32{0, 1, 0})) // update orphans old key
	require.NoError(t, ix.Add("b", []float32{0, 0, 1}))

	statsBefore := ix.Stats()
	assert.Greater(t, statsBefore.Orphans, 0)

	require.NoError(t, ix.Optimize())
	statsAfter := ix.Stats()
	assert.Equal(t, 0, statsAfter.Orphans)
	assert.Equal(t, 2, ix.Len())
}

func TestDotProduct_PrefersHigherMagnitudeOverCloserAngle(t *testing.T) {
	ix := newTestIndex(t, model.MetricDotProduct)
	// "far" shares the query's direction exactly but at larger magnitude;
	// "near" is unit-length. A cosine-collapsed index would rank these
	// identically (or invert the choice after normalization); genuine
	// dot-product search must prefer the larger inner product.
	require.NoError(t, ix.Add("near", []float32{1, 0, 0}))
	require.NoError(t, ix.Add("far", []float32{5, 0, 0}))

	results, err := ix.Search([]float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "far", results[0].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestFileDump_LoadFromDump_RoundTrips(t *testing.T) {
	ix := newTestIndex(t, model.MetricCosine)
	require.NoError(t, ix.Add("a", []float32{1, 0, 0}))
	require.NoError(t, ix.Add("b", []float32{0, 1, 0}))

	dir := t.TempDir()
	require.NoError(t, ix.FileDump(dir, "idx"))

	loaded, err := LoadFromDump(dir, "idx")
	require.NoError(t, err)
	assert.Equal(t, ix.Len(), loaded.Len())

	results, err := loaded.Search([]float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestSearch_EuclideanMetric_OrdersCloserFirst(t *testing.T) {
	ix := newTestIndex(t, model.MetricEuclidean)
	require.NoError(t, ix.Add("near", []float32{1, 0, 0}))
	require.NoError(t, ix.Add("far", []float32{10, 0, 0}))

	results, err := ix.Search([]float32{0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "near", results[0].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}
