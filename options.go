package facematch

import (
	"log/slog"

	"github.com/hupe1980/facematch/extract"
	"github.com/hupe1980/facematch/snapshot"
)

type options struct {
	logger          *Logger
	metrics         MetricsCollector
	factory         extract.Factory
	snapshots       *snapshot.Manager
	randomSeed      *int64
	snapshotOnClose bool
}

// Option configures engine collaborators. Tuning parameters live in
// Config; options only wire in optional components.
type Option func(*options)

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := facematch.NewJSONLogger(slog.LevelInfo)
//	eng, _ := facematch.New(ctx, cfg, store, facematch.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &facematch.BasicMetricsCollector{}
//	eng, _ := facematch.New(ctx, cfg, store, facematch.WithMetricsCollector(metrics))
//	// ... use eng ...
//	stats := metrics.GetStats()
//	fmt.Printf("Recognitions: %d, Avg latency: %dns\n", stats.RecognizeCount, stats.RecognizeAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metrics = mc
	}
}

// WithExtractor configures the factory that builds per-worker face
// extractors. Without it the engine only accepts pre-computed vectors
// and image operations fail with ErrNoExtractor.
func WithExtractor(factory extract.Factory) Option {
	return func(o *options) {
		o.factory = factory
	}
}

// WithSnapshotManager configures snapshot persistence for the ANN index.
// At startup the engine tries to restore from the latest snapshot and
// falls back to rebuilding from the store when none is usable.
func WithSnapshotManager(m *snapshot.Manager) Option {
	return func(o *options) {
		o.snapshots = m
	}
}

// WithSnapshotOnClose makes Close write a final snapshot before shutting
// down. Ignored without a snapshot manager.
func WithSnapshotOnClose() Option {
	return func(o *options) {
		o.snapshotOnClose = true
	}
}

// WithRandomSeed fixes the HNSW layer-assignment seed so index builds
// are reproducible. Intended for tests and benchmarks.
func WithRandomSeed(seed int64) Option {
	return func(o *options) {
		o.randomSeed = &seed
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metrics: NoopMetricsCollector{},
		logger:  NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metrics == nil {
		o.metrics = NoopMetricsCollector{}
	}
	return o
}
