package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantizeVector_RoundTripWithinTolerance(t *testing.T) {
	v := Vector{ID: "a", Data: []float32{-1.5, 0.0, 2.25, 10.0}}

	q := QuantizeVector(v)
	require.Len(t, q.Data, len(v.Data))

	restored := q.ToVector()
	span := q.Max - q.Min
	maxErr := float64(span) / 510

	for i := range v.Data {
		assert.LessOrEqual(t, math.Abs(float64(v.Data[i]-restored.Data[i])), maxErr+1e-6)
	}
}

func TestQuantizeVector_ConstantVectorHasZeroSpan(t *testing.T) {
	v := Vector{ID: "b", Data: []float32{5, 5, 5}}
	q := QuantizeVector(v)
	assert.Equal(t, q.Min, q.Max)

	restored := q.ToVector()
	for _, x := range restored.Data {
		assert.Equal(t, float32(5), x)
	}
}

func TestQuantizeVector_PreservesIDAndPayload(t *testing.T) {
	v := Vector{ID: "c", Data: []float32{1, 2}, Payload: Payload{"file_path": "a.go"}}
	q := QuantizeVector(v)
	assert.Equal(t, "c", q.ID)
	assert.Equal(t, "a.go", q.Payload.FilePath())
}
