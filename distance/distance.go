package distance

import (
	"errors"
	"math"
	"slices"

	"github.com/viterin/vek/vek32"
)

// ErrDegenerateVector is returned when a vector has zero or non-finite
// L2 norm. Such vectors carry no direction and must never reach the index.
var ErrDegenerateVector = errors.New("degenerate vector: zero or non-finite norm")

// Func is a function type for distance calculation between two vectors
// of equal length. Smaller values mean closer.
type Func func(a, b []float32) float32

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	return vek32.Dot(a, b)
}

// Norm calculates the L2 (Euclidean) norm of v.
func Norm(v []float32) float32 {
	return float32(math.Sqrt(float64(vek32.Dot(v, v))))
}

// CosineSimilarity calculates the cosine similarity of two unit-norm
// vectors, which reduces to their dot product. The result is clamped to
// [-1, 1] so float error near parallel vectors cannot leak out of range.
// Assumes vectors are the same length and unit norm.
func CosineSimilarity(a, b []float32) float32 {
	return Clamp(vek32.Dot(a, b))
}

// CosineDistance is 1 - CosineSimilarity, in [0, 2]. Smaller is closer,
// which is the orientation the index works in.
func CosineDistance(a, b []float32) float32 {
	return 1 - CosineSimilarity(a, b)
}

// Clamp bounds a similarity score to [-1, 1].
func Clamp(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns ErrDegenerateVector if v has zero or non-finite norm.
func NormalizeL2InPlace(v []float32) error {
	if len(v) == 0 {
		return ErrDegenerateVector
	}
	norm2 := float64(vek32.Dot(v, v))
	if norm2 == 0 || math.IsNaN(norm2) || math.IsInf(norm2, 0) {
		return ErrDegenerateVector
	}
	inv := float32(1 / math.Sqrt(norm2))
	vek32.MulNumber_Inplace(v, inv)
	return nil
}

// NormalizeL2Copy returns a normalized copy of src, leaving src untouched.
// Returns ErrDegenerateVector if src has zero or non-finite norm.
func NormalizeL2Copy(src []float32) ([]float32, error) {
	dst := slices.Clone(src)
	if err := NormalizeL2InPlace(dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// IsNormalized reports whether v has unit L2 norm within tol.
func IsNormalized(v []float32, tol float32) bool {
	if len(v) == 0 {
		return false
	}
	norm := float64(Norm(v))
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return false
	}
	return math.Abs(norm-1) <= float64(tol)
}
