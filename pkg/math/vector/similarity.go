// Package vector provides vector math and the embedding blob codec for
// NodeSpace.
//
// All similarity calculations in the codebase go through this package. Use
// these functions instead of implementing your own to keep scoring consistent
// between the exact scan path and index-backed search.
package vector

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Dimensions is the fixed embedding dimension produced by the NLP service.
const Dimensions = 384

// BlobSize is the byte length of a packed embedding: Dimensions little-endian
// IEEE-754 float32 values.
const BlobSize = Dimensions * 4

// CosineSimilarity calculates cosine similarity between two float32 vectors.
// Returns a value in [-1, 1] where 1 = identical, 0 = orthogonal, -1 =
// opposite. Uses float64 accumulation for precision even with float32 inputs.
//
// Example:
//
//	a := []float32{1.0, 2.0, 3.0}
//	b := []float32{4.0, 5.0, 6.0}
//	sim := vector.CosineSimilarity(a, b) // 0.9746...
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProd, normA, normB float64
	for i := range a {
		dotProd += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProd / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Normalize returns a unit-length copy of v. Zero vectors are returned as-is.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if norm == 0 {
		copy(out, v)
		return out
	}
	inv := 1 / math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// ToBytes packs v as little-endian float32 bytes. The embedding subsystem
// stores vectors in this form on root nodes.
func ToBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

// FromBytes unpacks a little-endian float32 blob. The blob length must be a
// multiple of 4.
func FromBytes(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// FromBytesChecked unpacks a blob and verifies it holds exactly Dimensions
// values.
func FromBytesChecked(b []byte) ([]float32, error) {
	if len(b) != BlobSize {
		return nil, fmt.Errorf("vector blob length %d, want %d", len(b), BlobSize)
	}
	return FromBytes(b)
}
