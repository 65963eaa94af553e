package facematch_test

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/facematch"
	"github.com/hupe1980/facematch/embedding"
	"github.com/hupe1980/facematch/extract"
	"github.com/hupe1980/facematch/matcher"
	"github.com/hupe1980/facematch/store"
	"github.com/hupe1980/facematch/testutil"
)

const testDim = 8

// axis returns the unit vector along component i.
func axis(i int) []float32 {
	vec := make([]float32, testDim)
	vec[i] = 1

	return vec
}

func newEngine(t *testing.T, optFns ...facematch.Option) *facematch.Engine {
	t.Helper()

	opts := append([]facematch.Option{facematch.WithRandomSeed(42)}, optFns...)

	eng, err := facematch.New(context.Background(), facematch.DefaultConfig(testDim), store.NewMemory(testDim), opts...)
	require.NoError(t, err)

	t.Cleanup(func() { _ = eng.Close() })

	return eng
}

// stubExtractor maps the first image byte onto an axis vector, standing in
// for a real embedding model.
type stubExtractor struct{}

func (stubExtractor) Extract(ctx context.Context, img []byte) (extract.Result, error) {
	if len(img) == 0 {
		return extract.Result{}, extract.ErrNoSubject
	}

	return extract.Result{Vector: axis(int(img[0]) % testDim), Score: 0.95}, nil
}

func stubFactory() extract.Factory {
	return func(ctx context.Context) (extract.Extractor, error) {
		return stubExtractor{}, nil
	}
}

// gatedExtractor blocks every extraction until gate is closed.
type gatedExtractor struct {
	gate <-chan struct{}
}

func (g gatedExtractor) Extract(ctx context.Context, img []byte) (extract.Result, error) {
	<-g.gate

	return extract.Result{Vector: axis(0), Score: 1}, nil
}

func gatedFactory(gate <-chan struct{}) extract.Factory {
	return func(ctx context.Context) (extract.Extractor, error) {
		return gatedExtractor{gate: gate}, nil
	}
}

func TestRegisterRecognizeRoundTrip(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	identities := []string{"alice", "bob", "carol"}
	for i, identity := range identities {
		id, err := eng.Register(ctx, identity, axis(i), 0.9)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), id)
	}

	for i, identity := range identities {
		res, err := eng.Recognize(ctx, axis(i))
		require.NoError(t, err)

		assert.True(t, res.Matched)
		assert.Equal(t, identity, res.Identity)
		assert.InDelta(t, 1.0, res.Similarity, 1e-6)
		assert.False(t, res.Exhaustive)
	}
}

func TestRegisterNormalizesInput(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	scaled := make([]float32, testDim)
	scaled[2] = 12.5

	_, err := eng.Register(ctx, "alice", scaled, 0.9)
	require.NoError(t, err)

	// A probe along the same direction but different magnitude must score
	// a perfect similarity against the stored unit vector.
	probe := make([]float32, testDim)
	probe[2] = 0.001

	res, err := eng.Recognize(ctx, probe)
	require.NoError(t, err)

	assert.True(t, res.Matched)
	assert.Equal(t, "alice", res.Identity)
	assert.InDelta(t, 1.0, res.Similarity, 1e-6)
}

func TestRegisterDegenerateVector(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	_, err := eng.Register(ctx, "alice", make([]float32, testDim), 0.9)
	require.ErrorIs(t, err, facematch.ErrDegenerateVector)

	bad := axis(0)
	bad[3] = float32(math.NaN())

	_, err = eng.Register(ctx, "alice", bad, 0.9)
	require.ErrorIs(t, err, embedding.ErrNotFinite)

	stats, err := eng.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Embeddings)
}

func TestRegisterDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	_, err := eng.Register(ctx, "alice", []float32{1, 0}, 0.9)

	var dm *facematch.ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, testDim, dm.Expected)
	assert.Equal(t, 2, dm.Actual)
}

func TestRecognizeEmptyStore(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	res, err := eng.Recognize(ctx, axis(0))
	require.NoError(t, err)

	assert.False(t, res.Matched)
	assert.Empty(t, res.Identity)
	assert.Zero(t, res.Similarity)
	assert.Empty(t, res.Candidates)
}

func TestRecognizeThresholdBoundary(t *testing.T) {
	ctx := context.Background()

	rng := testutil.NewRNG(11)
	base := rng.UnitVector(testDim)
	probe := rng.SimilarVector(base, 0.7)

	recognizeAt := func(t *testing.T, threshold float32) matcher.Result {
		t.Helper()

		cfg := facematch.DefaultConfig(testDim)
		cfg.SimilarityThreshold = threshold

		eng, err := facematch.New(ctx, cfg, store.NewMemory(testDim), facematch.WithRandomSeed(1))
		require.NoError(t, err)
		t.Cleanup(func() { _ = eng.Close() })

		_, err = eng.Register(ctx, "subject", base, 0.9)
		require.NoError(t, err)

		res, err := eng.Recognize(ctx, probe)
		require.NoError(t, err)

		return res
	}

	// Measure the similarity the full pipeline produces for this probe,
	// then pin the threshold exactly on it.
	sim := recognizeAt(t, -1).Similarity
	require.Greater(t, sim, float32(0))

	atBoundary := recognizeAt(t, sim)
	assert.True(t, atBoundary.Matched, "similarity exactly at the threshold must match")
	assert.Equal(t, "subject", atBoundary.Identity)

	aboveBoundary := recognizeAt(t, math.Nextafter32(sim, 2))
	assert.False(t, aboveBoundary.Matched, "similarity one ulp below the threshold must not match")
	assert.Equal(t, sim, aboveBoundary.Similarity)
}

func TestRecognizeTieMostRecentWins(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	// Identical stored vectors produce exactly equal similarities, so the
	// decision must come down to enrollment recency.
	_, err := eng.Register(ctx, "old", axis(5), 0.9)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)

	_, err = eng.Register(ctx, "new", axis(5), 0.9)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		res, err := eng.Recognize(ctx, axis(5))
		require.NoError(t, err)

		assert.True(t, res.Matched)
		assert.Equal(t, "new", res.Identity)
		assert.Len(t, res.Candidates, 2)
	}
}

func TestRecognizeCandidatesCappedByPopulation(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	for i := 0; i < 3; i++ {
		_, err := eng.Register(ctx, fmt.Sprintf("person-%d", i), axis(i), 0.9)
		require.NoError(t, err)
	}

	// Default TopK is larger than the population; the candidate list just
	// shrinks instead of erroring.
	res, err := eng.Recognize(ctx, axis(0))
	require.NoError(t, err)

	require.Greater(t, eng.Config().TopK, 3)
	assert.Len(t, res.Candidates, 3)
}

func TestRemoveIdentity(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	rng := testutil.NewRNG(21)
	aliceBase := rng.UnitVector(testDim)

	_, err := eng.Register(ctx, "alice", aliceBase, 0.9)
	require.NoError(t, err)
	_, err = eng.Register(ctx, "alice", rng.SimilarVector(aliceBase, 0.95), 0.9)
	require.NoError(t, err)
	_, err = eng.Register(ctx, "bob", rng.UnitVector(testDim), 0.9)
	require.NoError(t, err)

	require.NoError(t, eng.RemoveIdentity(ctx, "alice"))

	stats, err := eng.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Embeddings)
	assert.Equal(t, 1, stats.Identities)
	assert.Equal(t, 2, stats.Index.Tombstones)

	// The removed identity must not come back, not even as a candidate.
	res, err := eng.Recognize(ctx, aliceBase)
	require.NoError(t, err)
	assert.NotEqual(t, "alice", res.Identity)
	for _, c := range res.Candidates {
		assert.NotEqual(t, "alice", c.Identity)
	}

	err = eng.RemoveIdentity(ctx, "alice")
	require.ErrorIs(t, err, facematch.ErrIdentityNotFound)
}

func TestRemoveUnknownIdentity(t *testing.T) {
	eng := newEngine(t)

	err := eng.RemoveIdentity(context.Background(), "nobody")
	require.ErrorIs(t, err, facematch.ErrIdentityNotFound)
}

func TestBatchRegister(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	items := []facematch.Enrollment{
		{Identity: "alice", Vector: axis(0), Confidence: 0.9},
		{Identity: "bad-dim", Vector: []float32{1, 0}, Confidence: 0.9},
		{Identity: "bob", Vector: axis(1), Confidence: 0.8},
		{Identity: "zero", Vector: make([]float32, testDim), Confidence: 0.9},
	}

	result := eng.BatchRegister(ctx, items)

	require.Len(t, result.IDs, 4)
	require.Len(t, result.Errors, 4)

	assert.NotZero(t, result.IDs[0])
	assert.NotZero(t, result.IDs[2])
	assert.NoError(t, result.Errors[0])
	assert.NoError(t, result.Errors[2])

	var dm *facematch.ErrDimensionMismatch
	assert.ErrorAs(t, result.Errors[1], &dm)
	assert.ErrorIs(t, result.Errors[3], facematch.ErrDegenerateVector)
	assert.Equal(t, 2, result.Failed())

	stats, err := eng.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Embeddings)

	// Batch-registered embeddings are searchable immediately.
	res, err := eng.Recognize(ctx, axis(1))
	require.NoError(t, err)
	assert.Equal(t, "bob", res.Identity)
}

func TestImageOpsWithoutExtractor(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	_, _, err := eng.RegisterImage(ctx, "alice", []byte{1})
	require.ErrorIs(t, err, facematch.ErrNoExtractor)

	_, err = eng.RecognizeImage(ctx, []byte{1})
	require.ErrorIs(t, err, facematch.ErrNoExtractor)
}

func TestRegisterAndRecognizeImage(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, facematch.WithExtractor(stubFactory()))

	id, score, err := eng.RegisterImage(ctx, "alice", []byte{3})
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.InDelta(t, 0.95, score, 1e-6)

	res, err := eng.RecognizeImage(ctx, []byte{3})
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, "alice", res.Identity)

	// A different face lands on an orthogonal axis and must not match.
	res, err = eng.RecognizeImage(ctx, []byte{4})
	require.NoError(t, err)
	assert.False(t, res.Matched)

	_, err = eng.RecognizeImage(ctx, nil)
	require.ErrorIs(t, err, extract.ErrNoSubject)
}

func TestExtractionCapacityAccounting(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})

	cfg := facematch.DefaultConfig(testDim)
	cfg.WorkerPoolSize = 2
	cfg.ExtractionTimeout = time.Minute

	eng, err := facematch.New(ctx, cfg, store.NewMemory(testDim),
		facematch.WithRandomSeed(42),
		facematch.WithExtractor(gatedFactory(gate)),
	)
	require.NoError(t, err)

	var gateOnce sync.Once
	releaseGate := func() { gateOnce.Do(func() { close(gate) }) }

	t.Cleanup(func() { _ = eng.Close() })
	t.Cleanup(releaseGate)

	// Two workers plus five queue slots: seven admissions before rejection.
	const capacity = 2 + 5

	var wg sync.WaitGroup
	errs := make([]error, capacity)

	for i := 0; i < capacity; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = eng.RegisterImage(ctx, "crowd", []byte{1})
		}(i)
	}

	require.Eventually(t, func() bool {
		stats, err := eng.Stats(ctx)
		return err == nil && stats.Extraction.InFlight == capacity
	}, 2*time.Second, 5*time.Millisecond)

	_, _, err = eng.RegisterImage(ctx, "overflow", []byte{1})
	require.ErrorIs(t, err, extract.ErrCapacityExceeded)

	releaseGate()
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "admitted request %d", i)
	}

	stats, err := eng.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, capacity, stats.Embeddings)
	assert.Equal(t, int64(1), stats.Extraction.Rejected)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, facematch.WithExtractor(stubFactory()))

	_, err := eng.Register(ctx, "alice", axis(0), 0.9)
	require.NoError(t, err)
	_, err = eng.Register(ctx, "alice", axis(1), 0.9)
	require.NoError(t, err)
	_, err = eng.Register(ctx, "bob", axis(2), 0.9)
	require.NoError(t, err)

	_, _, err = eng.RegisterImage(ctx, "carol", []byte{5})
	require.NoError(t, err)

	stats, err := eng.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Embeddings)
	assert.Equal(t, 3, stats.Identities)
	assert.True(t, stats.IndexAvailable)
	assert.Equal(t, 4, stats.Index.Nodes)
	assert.Equal(t, 4, stats.Index.Live)
	assert.Equal(t, int64(1), stats.Extraction.Submitted)
}

func TestOperationsAfterClose(t *testing.T) {
	ctx := context.Background()

	eng, err := facematch.New(ctx, facematch.DefaultConfig(testDim), store.NewMemory(testDim))
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	_, err = eng.Register(ctx, "alice", axis(0), 0.9)
	assert.ErrorIs(t, err, facematch.ErrClosed)

	_, err = eng.Recognize(ctx, axis(0))
	assert.ErrorIs(t, err, facematch.ErrClosed)

	err = eng.RemoveIdentity(ctx, "alice")
	assert.ErrorIs(t, err, facematch.ErrClosed)

	err = eng.RebuildIndex(ctx)
	assert.ErrorIs(t, err, facematch.ErrClosed)

	_, err = eng.Stats(ctx)
	assert.ErrorIs(t, err, facematch.ErrClosed)

	result := eng.BatchRegister(ctx, []facematch.Enrollment{{Identity: "a", Vector: axis(0)}})
	assert.ErrorIs(t, result.Errors[0], facematch.ErrClosed)

	// Close is idempotent.
	assert.NoError(t, eng.Close())
}

func TestNewRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()

	_, err := facematch.New(ctx, facematch.DefaultConfig(testDim), nil)
	require.Error(t, err)

	_, err = facematch.New(ctx, facematch.Config{}, store.NewMemory(testDim))
	require.Error(t, err)

	cfg := facematch.DefaultConfig(testDim)
	cfg.SimilarityThreshold = 1.5

	_, err = facematch.New(ctx, cfg, store.NewMemory(testDim))
	require.Error(t, err)
}

func TestConfigReportsEffectiveValues(t *testing.T) {
	cfg := facematch.DefaultConfig(testDim)
	cfg.WorkerPoolSize = 3
	cfg.QueueDepth = 0

	eng, err := facematch.New(context.Background(), cfg, store.NewMemory(testDim))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	effective := eng.Config()
	assert.Equal(t, 3, effective.WorkerPoolSize)
	assert.Equal(t, 8, effective.QueueDepth)
	assert.Equal(t, 8, effective.MaxInflightExtractions)
	assert.Equal(t, float32(0.7), effective.SimilarityThreshold)
}

func BenchmarkRecognize(b *testing.B) {
	ctx := context.Background()

	eng, err := facematch.New(ctx, facematch.DefaultConfig(128), store.NewMemory(128), facematch.WithRandomSeed(1))
	if err != nil {
		b.Fatal(err)
	}
	defer eng.Close()

	rng := testutil.NewRNG(1)
	for i := 0; i < 2000; i++ {
		if _, err := eng.Register(ctx, fmt.Sprintf("person-%04d", i%500), rng.UnitVector(128), 0.9); err != nil {
			b.Fatal(err)
		}
	}

	probes := rng.UnitVectors(64, 128)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := eng.Recognize(ctx, probes[i%len(probes)]); err != nil {
			b.Fatal(err)
		}
	}
}
