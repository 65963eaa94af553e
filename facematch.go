package facematch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/facematch/blobstore"
	"github.com/hupe1980/facematch/distance"
	"github.com/hupe1980/facematch/embedding"
	"github.com/hupe1980/facematch/extract"
	"github.com/hupe1980/facematch/index"
	"github.com/hupe1980/facematch/index/hnsw"
	"github.com/hupe1980/facematch/matcher"
	"github.com/hupe1980/facematch/snapshot"
	"github.com/hupe1980/facematch/store"
)

// Engine is the face matching engine. It owns the ANN index derived from
// the vector store, the matcher that turns index hits into identity
// decisions, and the optional extraction pool for raw images. The store
// is the system of record; the index can always be rebuilt from it.
//
// All methods are safe for concurrent use. Construct an Engine with New
// and release it with Close; there is no package-level instance.
type Engine struct {
	cfg             Config
	store           store.Store
	idx             *indexHolder
	matcher         *matcher.Matcher
	disp            *extract.Dispatcher
	snaps           *snapshot.Manager
	seed            *int64
	snapshotOnClose bool

	logger  *Logger
	metrics MetricsCollector

	// indexMu serializes graph mutations (inserts, tombstones, swaps).
	// An enrollment racing a rebuild waits here and lands on the fresh
	// graph instead of vanishing with the old one. Searches do not take
	// this lock.
	indexMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates an Engine over the given store. The engine takes ownership
// of the store on success; Close closes it.
//
// When a snapshot manager is configured, New tries to restore the index
// from the latest snapshot and falls back to rebuilding from the store when
// none is usable. New fails only when the configuration is invalid, the
// extraction pool cannot start, or the fallback rebuild itself fails.
func New(ctx context.Context, cfg Config, s store.Store, optFns ...Option) (*Engine, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults()

	opts := applyOptions(optFns)

	e := &Engine{
		cfg:             cfg,
		store:           s,
		idx:             &indexHolder{},
		snaps:           opts.snapshots,
		seed:            opts.randomSeed,
		snapshotOnClose: opts.snapshotOnClose,
		logger:          opts.logger,
		metrics:         opts.metrics,
	}

	e.matcher = matcher.New(s, e.idx, func(o *matcher.Options) {
		o.Threshold = cfg.SimilarityThreshold
		o.TopK = cfg.TopK
	})

	restored := false

	if e.snaps != nil {
		err := e.restoreSnapshot(ctx)
		switch {
		case err == nil:
			restored = true
			e.logger.LogSnapshotLoad(ctx, true, nil)
		case errors.Is(err, blobstore.ErrNotFound):
			e.logger.LogSnapshotLoad(ctx, false, nil)
		default:
			e.logger.LogSnapshotLoad(ctx, false, err)
		}
	}

	if !restored {
		if err := e.RebuildIndex(ctx); err != nil {
			return nil, err
		}
	}

	if opts.factory != nil {
		pool, err := extract.NewPool(ctx, opts.factory, func(o *extract.PoolOptions) {
			o.Workers = cfg.WorkerPoolSize
			o.QueueDepth = cfg.QueueDepth
			o.OnRebuild = e.logger.LogWorkerRestart
		})
		if err != nil {
			return nil, fmt.Errorf("start extraction pool: %w", err)
		}

		e.disp = extract.NewDispatcher(pool, func(o *extract.DispatcherOptions) {
			o.MaxInflight = cfg.MaxInflightExtractions
			o.Timeout = cfg.ExtractionTimeout
			o.RateLimit = cfg.ExtractionRate
			o.RateBurst = cfg.ExtractionBurst
		})
	}

	return e, nil
}

// Register enrolls one embedding under an identity and returns the
// store-assigned embedding ID. The vector is normalized to unit length
// before storage; a vector with zero or non-finite norm fails with
// ErrDegenerateVector.
func (e *Engine) Register(ctx context.Context, identity string, vector []float32, confidence float32) (uint64, error) {
	start := time.Now()

	id, err := e.register(ctx, identity, vector, confidence)

	e.metrics.RecordRegister(time.Since(start), err)
	e.logger.LogRegister(ctx, identity, id, err)

	return id, err
}

func (e *Engine) register(ctx context.Context, identity string, vector []float32, confidence float32) (uint64, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}

	rec, err := e.enroll(identity, vector, confidence)
	if err != nil {
		return 0, err
	}

	stored, err := e.store.Insert(ctx, rec)
	if err != nil {
		return 0, translateError(err)
	}

	e.indexInsert(ctx, stored)

	return stored.ID, nil
}

// enroll validates and normalizes one raw vector into a record ready for
// the store.
func (e *Engine) enroll(identity string, vector []float32, confidence float32) (embedding.Vector, error) {
	if err := embedding.Validate(vector, e.cfg.Dimension); err != nil {
		return embedding.Vector{}, translateError(err)
	}

	unit, err := distance.NormalizeL2Copy(vector)
	if err != nil {
		return embedding.Vector{}, translateError(err)
	}

	return embedding.Vector{
		Identity:   identity,
		Vector:     unit,
		Confidence: confidence,
	}, nil
}

// indexInsert adds a freshly stored record to the live graph. Failures do
// not roll back the store row: the record is picked up by the next
// rebuild, and recognition still reaches it through the scan path while
// the index is unavailable.
func (e *Engine) indexInsert(ctx context.Context, rec embedding.Vector) {
	e.indexMu.Lock()
	err := e.idx.Insert(rec.ID, rec.Vector)
	e.indexMu.Unlock()

	if err != nil && !errors.Is(err, index.ErrUnavailable) {
		e.logger.WarnContext(ctx, "index insert failed, embedding becomes searchable with the next rebuild",
			"embedding_id", rec.ID,
			"error", err,
		)
	}
}

// Enrollment is one identity/vector pair for batch registration.
type Enrollment struct {
	Identity   string
	Vector     []float32
	Confidence float32
}

// BatchRegisterResult reports per-item outcomes of a batch registration,
// indexed like the input. Exactly one of IDs[i] and Errors[i] is set per
// item.
type BatchRegisterResult struct {
	IDs    []uint64
	Errors []error
}

// Failed counts the items that did not make it into the store.
func (r BatchRegisterResult) Failed() int {
	n := 0
	for _, err := range r.Errors {
		if err != nil {
			n++
		}
	}

	return n
}

// BatchRegister enrolls many embeddings in one store transaction. Items
// that fail validation are reported individually and do not block the
// rest; when the store rejects the whole batch, every valid item carries
// that error.
func (e *Engine) BatchRegister(ctx context.Context, items []Enrollment) BatchRegisterResult {
	start := time.Now()

	result := BatchRegisterResult{
		IDs:    make([]uint64, len(items)),
		Errors: make([]error, len(items)),
	}

	if e.closed.Load() {
		for i := range result.Errors {
			result.Errors[i] = ErrClosed
		}

		return result
	}

	recs := make([]embedding.Vector, 0, len(items))
	positions := make([]int, 0, len(items))

	for i, item := range items {
		rec, err := e.enroll(item.Identity, item.Vector, item.Confidence)
		if err != nil {
			result.Errors[i] = err
			continue
		}

		recs = append(recs, rec)
		positions = append(positions, i)
	}

	if len(recs) > 0 {
		stored, err := e.store.BatchInsert(ctx, recs)
		if err != nil {
			err = translateError(err)
			for _, pos := range positions {
				result.Errors[pos] = err
			}
		} else {
			for j, rec := range stored {
				result.IDs[positions[j]] = rec.ID
				e.indexInsert(ctx, rec)
			}
		}
	}

	failed := result.Failed()

	e.metrics.RecordBatchRegister(len(items), failed, time.Since(start))
	e.logger.LogBatchRegister(ctx, len(items), failed)

	return result
}

// Recognize matches a probe vector against the enrolled population. No
// match is a result, not an error: an empty store or a best candidate
// below the similarity threshold yields Matched == false. The probe is
// normalized before matching, so callers may pass raw extractor output.
func (e *Engine) Recognize(ctx context.Context, vector []float32) (matcher.Result, error) {
	start := time.Now()

	result, err := e.recognize(ctx, vector)

	e.metrics.RecordRecognize(time.Since(start), result.Matched, err)
	e.logger.LogRecognize(ctx, result.Matched, result.Similarity, err)

	return result, err
}

func (e *Engine) recognize(ctx context.Context, vector []float32) (matcher.Result, error) {
	if e.closed.Load() {
		return matcher.Result{}, ErrClosed
	}

	if err := embedding.Validate(vector, e.cfg.Dimension); err != nil {
		return matcher.Result{}, translateError(err)
	}

	probe, err := distance.NormalizeL2Copy(vector)
	if err != nil {
		return matcher.Result{}, translateError(err)
	}

	result, err := e.matcher.Match(ctx, probe, 0)
	if err != nil {
		return matcher.Result{}, translateError(err)
	}

	if result.Exhaustive {
		e.logger.LogFallbackScan(ctx)
	}

	return result, nil
}

// RemoveIdentity deletes every embedding enrolled under an identity. The
// store delete is atomic; afterwards the removed IDs are tombstoned in
// the index so they stop appearing in results immediately. An unknown
// identity fails with ErrIdentityNotFound.
func (e *Engine) RemoveIdentity(ctx context.Context, identity string) error {
	start := time.Now()

	removed, err := e.removeIdentity(ctx, identity)

	e.metrics.RecordRemoveIdentity(time.Since(start), removed, err)
	e.logger.LogRemoveIdentity(ctx, identity, removed, err)

	return err
}

func (e *Engine) removeIdentity(ctx context.Context, identity string) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}

	ids, err := e.store.DeleteIdentity(ctx, identity)
	if err != nil {
		return 0, translateError(err)
	}

	e.indexMu.Lock()
	for _, id := range ids {
		err := e.idx.Remove(id)
		if err != nil && !errors.Is(err, index.ErrUnavailable) && !errors.Is(err, index.ErrNotFound) {
			e.logger.WarnContext(ctx, "index remove failed",
				"embedding_id", id,
				"error", err,
			)
		}
	}
	e.indexMu.Unlock()

	return len(ids), nil
}

// RegisterImage extracts a face embedding from an encoded image and
// enrolls it under the identity. It returns the new embedding ID and the
// detector confidence. Fails with ErrNoExtractor when the engine was
// built without an extractor factory.
func (e *Engine) RegisterImage(ctx context.Context, identity string, img []byte) (uint64, float32, error) {
	if e.disp == nil {
		return 0, 0, ErrNoExtractor
	}

	if e.closed.Load() {
		return 0, 0, ErrClosed
	}

	res, err := e.disp.Extract(ctx, img)
	if err != nil {
		return 0, 0, err
	}

	id, err := e.Register(ctx, identity, res.Vector, res.Score)

	return id, res.Score, err
}

// RecognizeImage extracts a face embedding from an encoded image and
// matches it against the enrolled population. Fails with ErrNoExtractor
// when the engine was built without an extractor factory.
func (e *Engine) RecognizeImage(ctx context.Context, img []byte) (matcher.Result, error) {
	if e.disp == nil {
		return matcher.Result{}, ErrNoExtractor
	}

	if e.closed.Load() {
		return matcher.Result{}, ErrClosed
	}

	res, err := e.disp.Extract(ctx, img)
	if err != nil {
		return matcher.Result{}, err
	}

	return e.Recognize(ctx, res.Vector)
}

// RebuildIndex builds a fresh graph from the store and swaps it in
// atomically. On failure the index is marked unavailable and recognition
// degrades to exhaustive scans until a later rebuild succeeds.
func (e *Engine) RebuildIndex(ctx context.Context) error {
	start := time.Now()

	count, err := e.rebuildIndex(ctx)

	e.metrics.RecordRebuild(time.Since(start), count, err)
	e.logger.LogRebuild(ctx, count, err)

	return err
}

func (e *Engine) rebuildIndex(ctx context.Context) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}

	e.indexMu.Lock()
	defer e.indexMu.Unlock()

	fresh, err := e.newIndex()
	if err != nil {
		return 0, err
	}

	// Enumerate yields records in ascending ID order, which matches
	// insertion order. Rebuilding in that order keeps result ties between
	// equal vectors resolving the same way as on the original graph.
	count := 0

	err = e.store.Enumerate(ctx, func(rec embedding.Vector) error {
		if err := fresh.Insert(rec.ID, rec.Vector); err != nil {
			return fmt.Errorf("index embedding %d: %w", rec.ID, err)
		}

		count++

		return nil
	})
	if err != nil {
		e.idx.markUnavailable()
		return count, translateError(err)
	}

	e.idx.swap(fresh)

	return count, nil
}

func (e *Engine) newIndex() (*hnsw.HNSW, error) {
	return hnsw.New(func(o *hnsw.Options) {
		o.Dimension = e.cfg.Dimension
		o.M = e.cfg.M
		o.EFConstruction = e.cfg.EFConstruction
		o.EFSearch = e.cfg.EFSearch
		o.RandomSeed = e.seed
	})
}

// SaveSnapshot writes the current records and graph through the snapshot
// manager and returns the snapshot name. Fails with ErrNoSnapshots when
// the engine was built without a snapshot manager.
func (e *Engine) SaveSnapshot(ctx context.Context) (string, error) {
	start := time.Now()

	name, err := e.saveSnapshot(ctx)

	e.metrics.RecordSnapshot(time.Since(start), err)
	e.logger.LogSnapshotSave(ctx, name, err)

	return name, err
}

func (e *Engine) saveSnapshot(ctx context.Context) (string, error) {
	if e.snaps == nil {
		return "", ErrNoSnapshots
	}

	if e.closed.Load() {
		return "", ErrClosed
	}

	snap, err := e.collectSnapshot(ctx)
	if err != nil {
		return "", err
	}

	return e.snaps.Save(ctx, snap)
}

// collectSnapshot captures records and graph under the index mutation
// lock so the two sections agree with each other.
func (e *Engine) collectSnapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	e.indexMu.Lock()
	defer e.indexMu.Unlock()

	var records []embedding.Vector

	err := e.store.Enumerate(ctx, func(rec embedding.Vector) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, translateError(err)
	}

	return &snapshot.Snapshot{
		Dimension: e.cfg.Dimension,
		CreatedAt: time.Now(),
		Records:   records,
		Graph:     e.idx.export(),
	}, nil
}

// LoadSnapshot replaces the live index with the latest snapshot. Unlike
// the startup path it does not fall back to a rebuild; the returned error
// says why the snapshot was rejected. A missing snapshot surfaces as
// blobstore.ErrNotFound.
func (e *Engine) LoadSnapshot(ctx context.Context) error {
	if e.snaps == nil {
		return ErrNoSnapshots
	}

	if e.closed.Load() {
		return ErrClosed
	}

	err := e.restoreSnapshot(ctx)
	e.logger.LogSnapshotLoad(ctx, err == nil, err)

	return translateError(err)
}

// restoreSnapshot loads the current snapshot and swaps its graph in. It
// returns nil only when the graph went live; the caller decides whether a
// failure falls back to a rebuild.
func (e *Engine) restoreSnapshot(ctx context.Context) error {
	snap, err := e.snaps.Load(ctx)
	if err != nil {
		return err
	}

	if snap.Dimension != e.cfg.Dimension {
		return fmt.Errorf("snapshot dimension %d, engine configured for %d", snap.Dimension, e.cfg.Dimension)
	}

	if snap.Graph == nil {
		return errors.New("snapshot has no graph section")
	}

	// The graph must agree with the store, which may have moved on since
	// the snapshot was taken. A stale graph would silently lose matches,
	// so it is rejected here and the caller rebuilds instead.
	count, err := e.store.Count(ctx)
	if err != nil {
		return err
	}

	live := len(snap.Graph.Nodes) - len(snap.Graph.Tombstones)
	if live != count {
		return fmt.Errorf("snapshot carries %d live embeddings, store has %d", live, count)
	}

	idx, err := hnsw.Import(snap.Graph, func(o *hnsw.Options) {
		o.EFSearch = e.cfg.EFSearch
		o.RandomSeed = e.seed
	})
	if err != nil {
		return err
	}

	e.indexMu.Lock()
	e.idx.swap(idx)
	e.indexMu.Unlock()

	return nil
}

// Stats is a point-in-time view of the engine for health endpoints.
type Stats struct {
	// Embeddings is the number of stored embeddings.
	Embeddings int `json:"embeddings"`

	// Identities is the number of distinct enrolled identities.
	Identities int `json:"identities"`

	// IndexAvailable reports whether the ANN index is serving. When false,
	// recognition falls back to exhaustive scans.
	IndexAvailable bool `json:"index_available"`

	// Index describes the shape of the live graph.
	Index index.Stats `json:"index"`

	// Extraction carries dispatcher counters. Zero without an extractor.
	Extraction extract.DispatcherStats `json:"extraction"`
}

// Stats reports store counts, index shape and extraction counters.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	if e.closed.Load() {
		return Stats{}, ErrClosed
	}

	embeddings, err := e.store.Count(ctx)
	if err != nil {
		return Stats{}, translateError(err)
	}

	identities, err := e.store.CountIdentities(ctx)
	if err != nil {
		return Stats{}, translateError(err)
	}

	s := Stats{
		Embeddings:     embeddings,
		Identities:     identities,
		IndexAvailable: e.idx.available(),
		Index:          e.idx.Stats(),
	}

	if e.disp != nil {
		s.Extraction = e.disp.Stats()
	}

	return s, nil
}

// Config returns the effective configuration, with defaults applied.
func (e *Engine) Config() Config {
	return e.cfg
}

// Close stops the extraction pool and closes the store. With
// WithSnapshotOnClose set it writes a final snapshot first, best effort.
// Close is safe to call more than once; later calls return the first
// result.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		ctx := context.Background()

		if e.snapshotOnClose && e.snaps != nil {
			if _, err := e.SaveSnapshot(ctx); err != nil {
				e.logger.WarnContext(ctx, "snapshot on close failed", "error", err)
			}
		}

		e.closed.Store(true)

		var firstErr error

		if e.disp != nil {
			if err := e.disp.Close(); err != nil {
				firstErr = err
			}
		}

		if err := e.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		e.closeErr = firstErr
	})

	return e.closeErr
}

// indexHolder is the engine's swappable view of the ANN index. Rebuilds
// and snapshot restores replace the inner graph atomically; while no
// graph is present every query fails with index.ErrUnavailable, which
// the matcher answers with an exhaustive scan instead of an error.
type indexHolder struct {
	mu    sync.RWMutex
	inner index.Index
}

var _ index.Index = (*indexHolder)(nil)

func (h *indexHolder) swap(idx index.Index) {
	h.mu.Lock()
	h.inner = idx
	h.mu.Unlock()
}

func (h *indexHolder) markUnavailable() {
	h.mu.Lock()
	h.inner = nil
	h.mu.Unlock()
}

func (h *indexHolder) available() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.inner != nil
}

// export returns a dump of the inner graph, or nil when the index is
// unavailable or not exportable.
func (h *indexHolder) export() *hnsw.GraphDump {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if ex, ok := h.inner.(interface{ Export() *hnsw.GraphDump }); ok {
		return ex.Export()
	}

	return nil
}

func (h *indexHolder) get() (index.Index, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.inner == nil {
		return nil, index.ErrUnavailable
	}

	return h.inner, nil
}

func (h *indexHolder) Insert(id uint64, vector []float32) error {
	idx, err := h.get()
	if err != nil {
		return err
	}

	return idx.Insert(id, vector)
}

func (h *indexHolder) Remove(id uint64) error {
	idx, err := h.get()
	if err != nil {
		return err
	}

	return idx.Remove(id)
}

func (h *indexHolder) Contains(id uint64) bool {
	idx, err := h.get()
	if err != nil {
		return false
	}

	return idx.Contains(id)
}

func (h *indexHolder) Search(query []float32, k, ef int) ([]index.SearchResult, error) {
	idx, err := h.get()
	if err != nil {
		return nil, err
	}

	return idx.Search(query, k, ef)
}

func (h *indexHolder) Len() int {
	idx, err := h.get()
	if err != nil {
		return 0
	}

	return idx.Len()
}

func (h *indexHolder) Stats() index.Stats {
	idx, err := h.get()
	if err != nil {
		return index.Stats{}
	}

	return idx.Stats()
}
