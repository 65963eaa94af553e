package facematch

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/facematch/extract"
	"github.com/hupe1980/facematch/index/hnsw"
	"github.com/hupe1980/facematch/matcher"
)

// Config is the complete engine configuration. Zero values for tuning
// fields fall back to defaults when the engine is built; Dimension is
// the only field without one.
type Config struct {
	// Dimension is the embedding dimensionality. Every vector that enters
	// the engine must have exactly this many components. Required.
	Dimension int

	// SimilarityThreshold is the minimum cosine similarity for a
	// recognition to count as a match. The comparison is inclusive:
	// a candidate exactly at the threshold matches.
	SimilarityThreshold float32

	// TopK is the default number of candidates a recognition returns.
	TopK int

	// M is the HNSW connectivity parameter: the maximum neighbors per
	// node on upper layers (layer 0 allows 2*M).
	M int

	// EFConstruction is the HNSW candidate list size during inserts.
	// Larger values build a better graph, slower.
	EFConstruction int

	// EFSearch is the HNSW candidate list size during queries. Larger
	// values raise recall, slower.
	EFSearch int

	// WorkerPoolSize is the number of extraction workers. Each worker
	// owns a private extractor instance with its own model state.
	WorkerPoolSize int

	// QueueDepth is the extraction task queue capacity shared by all
	// workers. Zero means WorkerPoolSize + 5.
	QueueDepth int

	// MaxInflightExtractions caps admitted extractions that have not
	// settled yet, queued and running combined. Zero means QueueDepth.
	MaxInflightExtractions int

	// ExtractionTimeout is the per-extraction deadline. A request that
	// reaches it fails with extract.ErrExtractionTimeout and frees its
	// capacity slot immediately.
	ExtractionTimeout time.Duration

	// ExtractionRate throttles extraction admissions per second on top
	// of the in-flight cap. Zero means no rate limit.
	ExtractionRate rate.Limit

	// ExtractionBurst is the burst size for ExtractionRate. Zero means
	// MaxInflightExtractions.
	ExtractionBurst int
}

// DefaultConfig returns a Config with production defaults for the given
// embedding dimension.
func DefaultConfig(dimension int) Config {
	return Config{
		Dimension:           dimension,
		SimilarityThreshold: matcher.DefaultThreshold,
		TopK:                matcher.DefaultTopK,
		M:                   hnsw.DefaultM,
		EFConstruction:      hnsw.DefaultEFConstruction,
		EFSearch:            hnsw.DefaultEFSearch,
		WorkerPoolSize:      extract.DefaultWorkers,
		ExtractionTimeout:   extract.DefaultTimeout,
	}
}

// Validate checks the configuration for values the engine cannot run
// with. Zero tuning fields are allowed; they are filled with defaults
// at construction.
func (c Config) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("config: dimension must be positive, got %d", c.Dimension)
	}
	if c.SimilarityThreshold < -1 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("config: similarity threshold must be in [-1, 1], got %g", c.SimilarityThreshold)
	}
	if c.TopK < 0 {
		return fmt.Errorf("config: top k must not be negative, got %d", c.TopK)
	}
	if c.M < 0 || c.EFConstruction < 0 || c.EFSearch < 0 {
		return fmt.Errorf("config: HNSW parameters must not be negative")
	}
	if c.WorkerPoolSize < 0 {
		return fmt.Errorf("config: worker pool size must not be negative, got %d", c.WorkerPoolSize)
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("config: queue depth must not be negative, got %d", c.QueueDepth)
	}
	if c.MaxInflightExtractions < 0 {
		return fmt.Errorf("config: max in-flight extractions must not be negative, got %d", c.MaxInflightExtractions)
	}
	if c.ExtractionTimeout < 0 {
		return fmt.Errorf("config: extraction timeout must not be negative, got %s", c.ExtractionTimeout)
	}
	if c.ExtractionRate < 0 {
		return fmt.Errorf("config: extraction rate must not be negative, got %g", float64(c.ExtractionRate))
	}
	return nil
}

// withDefaults fills zero tuning fields. The similarity threshold is
// left alone: zero is a meaningful choice (accept any non-negative
// similarity), so only DefaultConfig sets the 0.7 default.
func (c Config) withDefaults() Config {
	if c.TopK == 0 {
		c.TopK = matcher.DefaultTopK
	}
	if c.M == 0 {
		c.M = hnsw.DefaultM
	}
	if c.EFConstruction == 0 {
		c.EFConstruction = hnsw.DefaultEFConstruction
	}
	if c.EFSearch == 0 {
		c.EFSearch = hnsw.DefaultEFSearch
	}
	if c.WorkerPoolSize == 0 {
		c.WorkerPoolSize = extract.DefaultWorkers
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = c.WorkerPoolSize + 5
	}
	if c.MaxInflightExtractions == 0 {
		c.MaxInflightExtractions = c.QueueDepth
	}
	if c.ExtractionTimeout == 0 {
		c.ExtractionTimeout = extract.DefaultTimeout
	}
	return c
}
