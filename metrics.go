package facematch

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    registerCounter    prometheus.Counter
//	    recognizeHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordRegister(duration time.Duration, err error) {
//	    p.registerCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordRegister is called after each enrollment.
	// duration is the total time taken, err is nil if successful.
	RecordRegister(duration time.Duration, err error)

	// RecordBatchRegister is called after each batch enrollment.
	// count is the number of items attempted, failed is the number that
	// failed, duration is the total time taken.
	RecordBatchRegister(count, failed int, duration time.Duration)

	// RecordRecognize is called after each recognition query.
	// matched reports whether a candidate cleared the threshold.
	RecordRecognize(duration time.Duration, matched bool, err error)

	// RecordRemoveIdentity is called after each identity removal.
	// removed is the number of embeddings deleted.
	RecordRemoveIdentity(duration time.Duration, removed int, err error)

	// RecordRebuild is called after each index rebuild.
	// count is the number of embeddings indexed.
	RecordRebuild(duration time.Duration, count int, err error)

	// RecordSnapshot is called after each snapshot save.
	RecordSnapshot(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordRegister(time.Duration, error)            {}
func (NoopMetricsCollector) RecordBatchRegister(int, int, time.Duration)    {}
func (NoopMetricsCollector) RecordRecognize(time.Duration, bool, error)     {}
func (NoopMetricsCollector) RecordRemoveIdentity(time.Duration, int, error) {}
func (NoopMetricsCollector) RecordRebuild(time.Duration, int, error)        {}
func (NoopMetricsCollector) RecordSnapshot(time.Duration, error)            {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	RegisterCount        atomic.Int64
	RegisterErrors       atomic.Int64
	RegisterTotalNanos   atomic.Int64
	BatchRegisterCount   atomic.Int64
	BatchRegisterItems   atomic.Int64
	BatchRegisterFailed  atomic.Int64
	RecognizeCount       atomic.Int64
	RecognizeErrors      atomic.Int64
	RecognizeMatches     atomic.Int64
	RecognizeTotalNanos  atomic.Int64
	RemoveIdentityCount  atomic.Int64
	RemoveIdentityErrors atomic.Int64
	RemovedEmbeddings    atomic.Int64
	RebuildCount         atomic.Int64
	RebuildErrors        atomic.Int64
	RebuiltEmbeddings    atomic.Int64
	SnapshotCount        atomic.Int64
	SnapshotErrors       atomic.Int64
}

// RecordRegister implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRegister(duration time.Duration, err error) {
	b.RegisterCount.Add(1)
	b.RegisterTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.RegisterErrors.Add(1)
	}
}

// RecordBatchRegister implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBatchRegister(count, failed int, duration time.Duration) {
	b.BatchRegisterCount.Add(1)
	b.BatchRegisterItems.Add(int64(count))
	b.BatchRegisterFailed.Add(int64(failed))
}

// RecordRecognize implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRecognize(duration time.Duration, matched bool, err error) {
	b.RecognizeCount.Add(1)
	b.RecognizeTotalNanos.Add(duration.Nanoseconds())
	if matched {
		b.RecognizeMatches.Add(1)
	}
	if err != nil {
		b.RecognizeErrors.Add(1)
	}
}

// RecordRemoveIdentity implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRemoveIdentity(duration time.Duration, removed int, err error) {
	b.RemoveIdentityCount.Add(1)
	b.RemovedEmbeddings.Add(int64(removed))
	if err != nil {
		b.RemoveIdentityErrors.Add(1)
	}
}

// RecordRebuild implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRebuild(duration time.Duration, count int, err error) {
	b.RebuildCount.Add(1)
	b.RebuiltEmbeddings.Add(int64(count))
	if err != nil {
		b.RebuildErrors.Add(1)
	}
}

// RecordSnapshot implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSnapshot(duration time.Duration, err error) {
	b.SnapshotCount.Add(1)
	if err != nil {
		b.SnapshotErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		RegisterCount:        b.RegisterCount.Load(),
		RegisterErrors:       b.RegisterErrors.Load(),
		RegisterAvgNanos:     avgNanos(b.RegisterTotalNanos.Load(), b.RegisterCount.Load()),
		BatchRegisterCount:   b.BatchRegisterCount.Load(),
		BatchRegisterItems:   b.BatchRegisterItems.Load(),
		BatchRegisterFailed:  b.BatchRegisterFailed.Load(),
		RecognizeCount:       b.RecognizeCount.Load(),
		RecognizeErrors:      b.RecognizeErrors.Load(),
		RecognizeMatches:     b.RecognizeMatches.Load(),
		RecognizeAvgNanos:    avgNanos(b.RecognizeTotalNanos.Load(), b.RecognizeCount.Load()),
		RemoveIdentityCount:  b.RemoveIdentityCount.Load(),
		RemoveIdentityErrors: b.RemoveIdentityErrors.Load(),
		RemovedEmbeddings:    b.RemovedEmbeddings.Load(),
		RebuildCount:         b.RebuildCount.Load(),
		RebuildErrors:        b.RebuildErrors.Load(),
		RebuiltEmbeddings:    b.RebuiltEmbeddings.Load(),
		SnapshotCount:        b.SnapshotCount.Load(),
		SnapshotErrors:       b.SnapshotErrors.Load(),
	}
}

func avgNanos(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	RegisterCount        int64
	RegisterErrors       int64
	RegisterAvgNanos     int64
	BatchRegisterCount   int64
	BatchRegisterItems   int64
	BatchRegisterFailed  int64
	RecognizeCount       int64
	RecognizeErrors      int64
	RecognizeMatches     int64
	RecognizeAvgNanos    int64
	RemoveIdentityCount  int64
	RemoveIdentityErrors int64
	RemovedEmbeddings    int64
	RebuildCount         int64
	RebuildErrors        int64
	RebuiltEmbeddings    int64
	SnapshotCount        int64
	SnapshotErrors       int64
}
