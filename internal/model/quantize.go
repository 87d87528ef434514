package model

import "math"

// QuantizationMode names a collection's vector storage strategy.
type QuantizationMode string

const (
	QuantizationNone   QuantizationMode = "none"
	QuantizationSQ8    QuantizationMode = "sq8"
	QuantizationBinary QuantizationMode = "binary"
)

// QuantizedVector is the scalar-quantized (SQ-8bit) form of a Vector:
// each component is mapped to a single byte using the vector's own
// min/max range, reconstructable to within (max-min)/510 per component.
type QuantizedVector struct {
	ID   string
	Data []byte
	Min  float32
	Max  float32
	Payload Payload
}

// QuantizeVector produces a QuantizedVector from v using its own
// per-vector min/max range.
func QuantizeVector(v Vector) QuantizedVector {
	min, max := rangeOf(v.Data)

	data := make([]byte, len(v.Data))
	span := max - min
	for i, x := range v.Data {
		if span == 0 {
			data[i] = 0
			continue
		}
		q := math.Round(float64((x - min) / span * 255))
		data[i] = byte(clampByte(q))
	}

	return QuantizedVector{
		ID:      v.ID,
		Data:    data,
		Min:     min,
		Max:     max,
		Payload: v.Payload,
	}
}

// ToVector reconstructs a full-precision Vector from q. Per-component
// rounding error is bounded by (max-min)/510.
func (q QuantizedVector) ToVector() Vector {
	data := make([]float32, len(q.Data))
	span := q.Max - q.Min
	for i, b := range q.Data {
		if span == 0 {
			data[i] = q.Min
			continue
		}
		data[i] = q.Min + float32(b)/255*span
	}

	return Vector{ID: q.ID, Data: data, Payload: q.Payload}
}

func rangeOf(v []float32) (min, max float32) {
	if len(v) == 0 {
		return 0, 0
	}
	min, max = v[0], v[0]
	for _, x := range v[1:] {
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}
	return min, max
}

func clampByte(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}
