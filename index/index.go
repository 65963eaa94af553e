// Package index defines the contract the matching engine expects from an
// approximate-nearest-neighbor index over stored embeddings.
package index

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable signals that the index cannot serve queries (never
	// built, rebuild failed, snapshot rejected). Callers degrade to a
	// full scan over the vector store instead of failing the request.
	ErrUnavailable = errors.New("index unavailable")

	// ErrNotFound is returned when a node ID is not present in the index.
	ErrNotFound = errors.New("node not found")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")
)

// ErrDimensionMismatch is a named error type for dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrDuplicateID is returned when an ID is inserted twice. Embedding IDs
// are store-assigned and never reused, so a duplicate means the caller
// fed the same record in twice.
type ErrDuplicateID struct {
	ID uint64
}

func (e *ErrDuplicateID) Error() string {
	return fmt.Sprintf("duplicate id: %d", e.ID)
}

// SearchResult is one candidate from a similarity query.
type SearchResult struct {
	// ID is the embedding ID of the candidate.
	ID uint64

	// Similarity is the cosine similarity to the query, in [-1, 1].
	Similarity float32
}

// Index answers top-k cosine-similarity queries over unit-norm vectors.
//
// Implementations serialize writes internally and allow concurrent
// readers (single-writer, multiple-reader). Results are ordered by
// similarity descending; ties at equal similarity order by insertion
// (earliest first) so repeated queries are reproducible.
type Index interface {
	// Insert adds a vector under a store-assigned embedding ID.
	Insert(id uint64, vector []float32) error

	// Remove soft-deletes a node. The node stops appearing in results
	// but stays in the graph for routing until the next rebuild.
	Remove(id uint64) error

	// Contains reports whether id is present and not soft-deleted.
	Contains(id uint64) bool

	// Search returns up to k live candidates. ef tunes the search beam;
	// ef <= 0 uses the index's configured default.
	Search(query []float32, k, ef int) ([]SearchResult, error)

	// Len returns the number of live (non-deleted) nodes.
	Len() int

	// Stats returns structural counters for observability.
	Stats() Stats
}

// Stats describes the shape of an index.
type Stats struct {
	Nodes      int `json:"nodes"`
	Live       int `json:"live"`
	Tombstones int `json:"tombstones"`
	MaxLayer   int `json:"max_layer"`
}
