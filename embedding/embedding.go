// Package embedding defines the typed embedding record that crosses
// layer boundaries, plus the validation applied once at ingestion and
// the binary blob codec used by the durable store.
package embedding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

var (
	// ErrNilVector is returned when a nil vector reaches a boundary.
	ErrNilVector = errors.New("vector is nil")
	// ErrNotFinite is returned when a vector contains NaN or Inf components.
	ErrNotFinite = errors.New("vector contains non-finite values")
	// ErrEmptyIdentity is returned when a record has no identity.
	ErrEmptyIdentity = errors.New("identity must not be empty")
	// ErrInvalidConfidence is returned when a detection confidence is
	// outside [0, 1].
	ErrInvalidConfidence = errors.New("confidence out of range [0, 1]")
)

// ErrDimensionMismatch indicates a vector of the wrong dimensionality.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Vector is a stored embedding record. Vector is always unit L2 norm;
// Confidence is the detector score in [0, 1]; ID and CreatedAt are
// assigned by the store at insert and CreatedAt is the tie-break key
// for equal-similarity matches.
type Vector struct {
	ID         uint64
	Identity   string
	Vector     []float32
	Confidence float32
	CreatedAt  time.Time
}

// Clone returns a deep copy so callers can hand records out without
// aliasing the store's float data.
func (v Vector) Clone() Vector {
	v.Vector = slices.Clone(v.Vector)
	return v
}

// Validate checks vector shape and finiteness against the configured
// dimension. It does not check the norm; the store guards that invariant
// separately so the two failure modes stay distinguishable.
func Validate(vec []float32, dimension int) error {
	if vec == nil {
		return ErrNilVector
	}
	if len(vec) != dimension {
		return &ErrDimensionMismatch{Expected: dimension, Actual: len(vec)}
	}
	for i, val := range vec {
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return fmt.Errorf("%w: component %d", ErrNotFinite, i)
		}
	}
	return nil
}

// ValidateRecord checks a full record at the store boundary.
func ValidateRecord(rec Vector, dimension int) error {
	if rec.Identity == "" {
		return ErrEmptyIdentity
	}
	if rec.Confidence < 0 || rec.Confidence > 1 {
		return fmt.Errorf("%w: %g", ErrInvalidConfidence, rec.Confidence)
	}
	return Validate(rec.Vector, dimension)
}

// EncodeVector encodes a vector as little-endian float32, the layout
// used for store blobs and snapshot records.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector decodes a little-endian float32 blob.
func DecodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}
