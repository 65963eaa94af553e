package facematch

import (
	"errors"
	"fmt"

	"github.com/hupe1980/facematch/distance"
	"github.com/hupe1980/facematch/embedding"
	"github.com/hupe1980/facematch/index"
	"github.com/hupe1980/facematch/store"
)

var (
	// ErrDegenerateVector is returned when a vector has zero or non-finite
	// norm and therefore no direction to match on.
	ErrDegenerateVector = errors.New("degenerate vector")

	// ErrNotNormalized is returned when a vector that should be unit
	// length is not.
	ErrNotNormalized = errors.New("vector not normalized")

	// ErrNotFound is returned when no embedding exists under an ID.
	ErrNotFound = errors.New("not found")

	// ErrIdentityNotFound is returned when an identity has no enrolled
	// embeddings.
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrIndexUnavailable is returned when the ANN index cannot serve and
	// the exhaustive fallback failed too.
	ErrIndexUnavailable = errors.New("index unavailable")

	// ErrNoExtractor is returned by image operations when the engine was
	// built without an extractor factory.
	ErrNoExtractor = errors.New("no extractor configured")

	// ErrNoSnapshots is returned by snapshot operations when the engine
	// was built without a snapshot manager.
	ErrNoSnapshots = errors.New("no snapshot manager configured")

	// ErrClosed is returned for operations on a closed engine.
	ErrClosed = errors.New("engine closed")
)

// ErrDimensionMismatch indicates a vector of the wrong dimensionality.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// translateError maps subpackage errors onto the public taxonomy. The
// original error stays reachable through errors.Is/As, so callers can
// still branch on the precise cause when they need to.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, distance.ErrDegenerateVector) {
		return fmt.Errorf("%w: %w", ErrDegenerateVector, err)
	}

	var nn *store.ErrNotNormalized
	if errors.As(err, &nn) {
		return fmt.Errorf("%w: %w", ErrNotNormalized, err)
	}

	if errors.Is(err, store.ErrIdentityNotFound) {
		return fmt.Errorf("%w: %w", ErrIdentityNotFound, err)
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var edm *embedding.ErrDimensionMismatch
	if errors.As(err, &edm) {
		return &ErrDimensionMismatch{Expected: edm.Expected, Actual: edm.Actual, cause: err}
	}
	var idm *index.ErrDimensionMismatch
	if errors.As(err, &idm) {
		return &ErrDimensionMismatch{Expected: idm.Expected, Actual: idm.Actual, cause: err}
	}

	if errors.Is(err, index.ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}

	return err
}
