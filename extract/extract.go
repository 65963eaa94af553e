// Package extract runs face embedding extraction on a bounded worker pool.
//
// Capacity is strict: at most the configured number of extractions is in
// flight at once, and everything beyond that fails immediately instead of
// queueing without bound. A request that reaches its deadline settles with
// ErrExtractionTimeout and frees its capacity slot right away, even when the
// worker computation keeps running; the stray result is discarded.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNoSubject is returned when no face is found in the image.
	ErrNoSubject = errors.New("no face found")

	// ErrCapacityExceeded is returned when the in-flight cap or admission
	// rate is exhausted. The caller may retry later.
	ErrCapacityExceeded = errors.New("extraction capacity exceeded")

	// ErrExtractionTimeout is returned when an extraction reaches its
	// deadline before a worker produced a result.
	ErrExtractionTimeout = errors.New("extraction timed out")

	// ErrPoolClosed is returned for submissions after Close.
	ErrPoolClosed = errors.New("extraction pool closed")
)

// ErrMultipleSubjects is returned when an image contains more than one face
// and the caller asked for exactly one.
type ErrMultipleSubjects struct {
	Count int
}

func (e *ErrMultipleSubjects) Error() string {
	return fmt.Sprintf("%d faces found, need exactly one", e.Count)
}

// ErrWorkerFailure is returned when a worker crashed while serving a
// request. The worker context is rebuilt afterwards, so the request is
// safe to retry.
type ErrWorkerFailure struct {
	cause error
}

func (e *ErrWorkerFailure) Error() string {
	return fmt.Sprintf("worker failure: %v", e.cause)
}

func (e *ErrWorkerFailure) Unwrap() error {
	return e.cause
}

// Result is a single-face extraction outcome. Vector is not yet normalized;
// Score is the detector confidence in [0, 1].
type Result struct {
	Vector []float32
	Score  float32
}

// Extractor computes a face embedding from an encoded image. Implementations
// need not be safe for concurrent use; the pool gives each worker its own
// instance.
type Extractor interface {
	Extract(ctx context.Context, img []byte) (Result, error)
}

// Factory builds a fresh Extractor. It is called once per worker at pool
// start and again whenever a crashed worker is rebuilt.
type Factory func(ctx context.Context) (Extractor, error)

func closeExtractor(ext Extractor) {
	if c, ok := ext.(io.Closer); ok {
		c.Close()
	}
}
