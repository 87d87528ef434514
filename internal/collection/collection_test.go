package collection

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivellm/vectorizer/internal/model"
	"github.com/hivellm/vectorizer/internal/vecindex"
)

func newTestCollection(t *testing.T, metric model.Metric, quant model.QuantizationMode) *Collection {
	t.Helper()
	c, err := New(Config{
		Name:         "test",
		Dim:          3,
		Metric:       metric,
		Quantization: quant,
		HNSW:         vecindex.Config{M: 8},
		CacheSize:    16,
	})
	require.NoError(t, err)
	return c
}

func TestInsertBatch_CosineVectorsAreUnitNorm(t *testing.T) {
	c := newTestCollection(t, model.MetricCosine, model.QuantizationNone)
	require.NoError(t, c.InsertBatch([]model.Vector{{ID: "a", Data: []float32{3, 4, 0}}}))

	v, err := c.GetVector("a")
	require.NoError(t, err)

	var sumSquares float64
	for _, x := range v.Data {
		sumSquares += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumSquares), 1e-6)
}

func TestInsertBatch_DotProductVectorsKeepMagnitude(t *testing.T) {
	c := newTestCollection(t, model.MetricDotProduct, model.QuantizationNone)
	require.NoError(t, c.InsertBatch([]model.Vector{{ID: "a", Data: []float32{3, 4, 0}}}))

	v, err := c.GetVector("a")
	require.NoError(t, err)
	assert.InDelta(t, 3.0, v.Data[0], 1e-6)
	assert.InDelta(t, 4.0, v.Data[1], 1e-6)
}

func TestInsertBatch_AtomicOnValidationFailure(t *testing.T) {
	c := newTestCollection(t, model.MetricCosine, model.QuantizationNone)
	err := c.InsertBatch([]model.Vector{
		{ID: "a", Data: []float32{1, 0, 0}},
		{ID: "b", Data: []float32{1, 0}}, // wrong dim
	})
	assert.Error(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestInsertBatch_DuplicateID_RejectedWithoutOverwrite(t *testing.T) {
	c := newTestCollection(t, model.MetricCosine, model.QuantizationNone)
	require.NoError(t, c.InsertBatch([]model.Vector{{ID: "a", Data: []float32{1, 0, 0}}}))

	err := c.InsertBatch([]model.Vector{{ID: "a", Data: []float32{0, 1, 0}}})
	assert.Error(t, err)

	v, err := c.GetVector("a")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v.Data[0], 1e-6)
}

func TestDelete_RemovesFromAllStorage(t *testing.T) {
	c := newTestCollection(t, model.MetricCosine, model.QuantizationNone)
	require.NoError(t, c.InsertBatch([]model.Vector{{ID: "a", Data: []float32{1, 0, 0}}}))
	require.NoError(t, c.Delete("a"))

	assert.Equal(t, 0, c.Len())
	_, err := c.GetVector("a")
	assert.Error(t, err)
}

func TestDelete_NotFound(t *testing.T) {
	c := newTestCollection(t, model.MetricCosine, model.QuantizationNone)
	err := c.Delete("missing")
	assert.Error(t, err)
}

func TestUpdate_NotFound(t *testing.T) {
	c := newTestCollection(t, model.MetricCosine, model.QuantizationNone)
	err := c.Update(model.Vector{ID: "missing", Data: []float32{1, 0, 0}})
	assert.Error(t, err)
}

func TestQuantizedStorage_GetVectorDequantizesWithinTolerance(t *testing.T) {
	c := newTestCollection(t, model.MetricEuclidean, model.QuantizationSQ8)
	original := []float32{1.5, -2.25, 10}
	require.NoError(t, c.InsertBatch([]model.Vector{{ID: "a", Data: original}}))

	v, err := c.GetVector("a")
	require.NoError(t, err)
	for i := range original {
		assert.InDelta(t, original[i], v.Data[i], 1.0)
	}
}

func TestSearch_ReturnsPayload(t *testing.T) {
	c := newTestCollection(t, model.MetricCosine, model.QuantizationNone)
	require.NoError(t, c.InsertBatch([]model.Vector{
		{ID: "a", Data: []float32{1, 0, 0}, Payload: model.Payload{"file_path": "a.go"}},
	}))

	results, err := c.Search([]float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a.go", results[0].Payload.FilePath())
}

func TestInsertBatch_TracksDocumentSet(t *testing.T) {
	c := newTestCollection(t, model.MetricCosine, model.QuantizationNone)
	require.NoError(t, c.InsertBatch([]model.Vector{
		{ID: "a", Data: []float32{1, 0, 0}, Payload: model.Payload{"file_path": "a.go"}},
		{ID: "b", Data: []float32{0, 1, 0}, Payload: model.Payload{"file_path": "a.go"}},
	}))
	assert.Equal(t, 1, c.Metadata().DocumentCount)
}

func TestRequantizeExistingVectors_MigratesToQuantizedStorage(t *testing.T) {
	c := newTestCollection(t, model.MetricEuclidean, model.QuantizationNone)
	require.NoError(t, c.InsertBatch([]model.Vector{{ID: "a", Data: []float32{1, 2, 3}}}))

	require.NoError(t, c.RequantizeExistingVectors())

	v, err := c.GetVector("a")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v.Data[0], 1.0)
}

func TestDumpAndLoadFromCacheWithHNSWDump_RoundTrips(t *testing.T) {
	c := newTestCollection(t, model.MetricCosine, model.QuantizationNone)
	vecs := []model.Vector{
		{ID: "a", Data: []float32{1, 0, 0}},
		{ID: "b", Data: []float32{0, 1, 0}},
	}
	require.NoError(t, c.InsertBatch(vecs))

	dir := t.TempDir()
	basename, err := c.DumpHNSWIndex(dir)
	require.NoError(t, err)

	c2 := newTestCollection(t, model.MetricCosine, model.QuantizationNone)
	require.NoError(t, c2.LoadFromCacheWithHNSWDump(vecs, dir, basename))

	results, err := c2.Search([]float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}
