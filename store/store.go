// Package store provides the system of record for enrolled face embeddings.
//
// The ANN index is a derived structure; everything needed to rebuild it lives
// here. Implementations assign IDs monotonically, so insertion order is
// recoverable by comparing IDs.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/facematch/distance"
	"github.com/hupe1980/facematch/embedding"
)

// NormTolerance is the maximum deviation from unit length accepted at
// insert time. Vectors outside the band fail with ErrNotNormalized.
const NormTolerance = 1e-3

var (
	// ErrNotFound is returned when no embedding exists under the given ID.
	ErrNotFound = errors.New("embedding not found")

	// ErrIdentityNotFound is returned when an identity has no embeddings.
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// ErrNotNormalized is returned when an inserted vector is not unit length.
// Callers normalize vectors before insertion; the store only verifies.
type ErrNotNormalized struct {
	Norm float32
}

func (e *ErrNotNormalized) Error() string {
	return fmt.Sprintf("vector is not normalized: norm %g", e.Norm)
}

// Store is the durable home of embedding records.
//
// Implementations must make DeleteIdentity atomic: a concurrent reader sees
// either all of an identity's embeddings or none of them.
type Store interface {
	// Insert persists a record and returns it with ID and CreatedAt filled.
	Insert(ctx context.Context, rec embedding.Vector) (embedding.Vector, error)

	// BatchInsert validates every record first, then persists them all
	// atomically with a shared creation timestamp.
	BatchInsert(ctx context.Context, recs []embedding.Vector) ([]embedding.Vector, error)

	// Get returns the record stored under id.
	Get(ctx context.Context, id uint64) (embedding.Vector, error)

	// DeleteIdentity removes every embedding of the identity and returns
	// the removed IDs in ascending order.
	DeleteIdentity(ctx context.Context, identity string) ([]uint64, error)

	// Enumerate calls fn for every record in ID order. Each call is an
	// independent full pass. fn must not call back into the store.
	Enumerate(ctx context.Context, fn func(rec embedding.Vector) error) error

	// Count returns the number of stored embeddings.
	Count(ctx context.Context) (int, error)

	// CountIdentities returns the number of distinct identities.
	CountIdentities(ctx context.Context) (int, error)

	Close() error
}

// validateRecord applies the shared insert-time checks.
func validateRecord(rec embedding.Vector, dimension int) error {
	if err := embedding.ValidateRecord(rec, dimension); err != nil {
		return err
	}

	if !distance.IsNormalized(rec.Vector, NormTolerance) {
		return &ErrNotNormalized{Norm: distance.Norm(rec.Vector)}
	}

	return nil
}
