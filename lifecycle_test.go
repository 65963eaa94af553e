package facematch_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/facematch"
	"github.com/hupe1980/facematch/blobstore"
	"github.com/hupe1980/facematch/embedding"
	"github.com/hupe1980/facematch/snapshot"
	"github.com/hupe1980/facematch/store"
	"github.com/hupe1980/facematch/testutil"
)

// snapshotFixture shares one store and one snapshot manager between engine
// generations, imitating a process restart.
type snapshotFixture struct {
	store *store.Memory
	blobs *blobstore.MemoryStore
	snaps *snapshot.Manager
	cfg   facematch.Config
}

func newSnapshotFixture() *snapshotFixture {
	blobs := blobstore.NewMemoryStore()

	return &snapshotFixture{
		store: store.NewMemory(testDim),
		blobs: blobs,
		snaps: snapshot.NewManager(blobs),
		cfg:   facematch.DefaultConfig(testDim),
	}
}

func (f *snapshotFixture) engine(t *testing.T, seed int64, optFns ...facematch.Option) *facematch.Engine {
	t.Helper()

	opts := append([]facematch.Option{
		facematch.WithRandomSeed(seed),
		facematch.WithSnapshotManager(f.snaps),
	}, optFns...)

	eng, err := facematch.New(context.Background(), f.cfg, f.store, opts...)
	require.NoError(t, err)

	return eng
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()

	fix := newSnapshotFixture()

	eng1 := fix.engine(t, 7)

	rng := testutil.NewRNG(3)
	clusters := rng.IdentityClusters(5, 4, testDim, 0.85)

	for i, cluster := range clusters {
		for _, vec := range cluster {
			_, err := eng1.Register(ctx, fmt.Sprintf("person-%02d", i), vec, 0.9)
			require.NoError(t, err)
		}
	}

	require.NoError(t, eng1.RemoveIdentity(ctx, "person-04"))

	name, err := eng1.SaveSnapshot(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, name)

	// A second engine over the same store must restore the saved graph,
	// tombstones included, instead of rebuilding. A different seed would
	// show up as a different graph if a rebuild happened.
	eng2 := fix.engine(t, 99)

	stats, err := eng2.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.IndexAvailable)
	assert.Equal(t, 20, stats.Index.Nodes)
	assert.Equal(t, 4, stats.Index.Tombstones)
	assert.Equal(t, 16, stats.Embeddings)

	for i := 0; i < 4; i++ {
		probe := rng.SimilarVector(clusters[i][0], 0.9)

		r1, err := eng1.Recognize(ctx, probe)
		require.NoError(t, err)
		r2, err := eng2.Recognize(ctx, probe)
		require.NoError(t, err)

		assert.Equal(t, r1.Identity, r2.Identity)
		assert.Equal(t, r1.EmbeddingID, r2.EmbeddingID)
		assert.Equal(t, r1.Similarity, r2.Similarity)
	}

	// The removed identity stays gone across the restore.
	res, err := eng2.Recognize(ctx, clusters[4][0])
	require.NoError(t, err)
	assert.NotEqual(t, "person-04", res.Identity)
}

func TestSnapshotStaleFallsBackToRebuild(t *testing.T) {
	ctx := context.Background()

	fix := newSnapshotFixture()

	eng1 := fix.engine(t, 7)

	rng := testutil.NewRNG(5)
	for i := 0; i < 10; i++ {
		_, err := eng1.Register(ctx, fmt.Sprintf("person-%02d", i%2), rng.UnitVector(testDim), 0.9)
		require.NoError(t, err)
	}

	_, err := eng1.SaveSnapshot(ctx)
	require.NoError(t, err)

	// The store moves on after the snapshot. Restoring the stale graph
	// would silently lose this embedding, so the restore must be rejected.
	late := rng.UnitVector(testDim)
	_, err = eng1.Register(ctx, "late", late, 0.9)
	require.NoError(t, err)

	eng2 := fix.engine(t, 13)

	stats, err := eng2.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.IndexAvailable)
	assert.Equal(t, 11, stats.Index.Nodes)
	assert.Zero(t, stats.Index.Tombstones)

	res, err := eng2.Recognize(ctx, late)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, "late", res.Identity)
	assert.False(t, res.Exhaustive)
}

func TestSnapshotCorruptFallsBackToRebuild(t *testing.T) {
	ctx := context.Background()

	fix := newSnapshotFixture()

	eng1 := fix.engine(t, 7)

	rng := testutil.NewRNG(9)
	for i := 0; i < 5; i++ {
		_, err := eng1.Register(ctx, fmt.Sprintf("person-%02d", i), rng.UnitVector(testDim), 0.9)
		require.NoError(t, err)
	}

	name, err := eng1.SaveSnapshot(ctx)
	require.NoError(t, err)

	// Flip one payload byte in place. The restore must fail the integrity
	// check, not come up with a silently wrong graph.
	blob, err := fix.blobs.Open(ctx, name)
	require.NoError(t, err)

	data := make([]byte, blob.Size())
	_, err = blob.ReadAt(ctx, data, 0)
	require.NoError(t, err)
	require.NoError(t, blob.Close())

	data[len(data)/2] ^= 0xFF
	require.NoError(t, fix.blobs.Put(ctx, name, data))

	eng2 := fix.engine(t, 7)

	stats, err := eng2.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.IndexAvailable)
	assert.Equal(t, 5, stats.Index.Nodes)
}

func TestSnapshotOnClose(t *testing.T) {
	ctx := context.Background()

	fix := newSnapshotFixture()

	eng := fix.engine(t, 7, facematch.WithSnapshotOnClose())

	for i := 0; i < 3; i++ {
		_, err := eng.Register(ctx, fmt.Sprintf("person-%02d", i), axis(i), 0.9)
		require.NoError(t, err)
	}

	require.NoError(t, eng.Close())

	names, err := fix.snaps.Snapshots(ctx)
	require.NoError(t, err)
	require.Len(t, names, 1)

	current, err := fix.snaps.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, names[0], current)

	snap, err := fix.snaps.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Records, 3)
	require.NotNil(t, snap.Graph)
	assert.Len(t, snap.Graph.Nodes, 3)
}

func TestSnapshotOpsWithoutManager(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	_, err := eng.SaveSnapshot(ctx)
	require.ErrorIs(t, err, facematch.ErrNoSnapshots)

	err = eng.LoadSnapshot(ctx)
	require.ErrorIs(t, err, facematch.ErrNoSnapshots)
}

func TestLoadSnapshotNothingSaved(t *testing.T) {
	ctx := context.Background()

	fix := newSnapshotFixture()

	eng := fix.engine(t, 7)

	err := eng.LoadSnapshot(ctx)
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestLoadSnapshotReplacesLiveIndex(t *testing.T) {
	ctx := context.Background()

	fix := newSnapshotFixture()

	eng := fix.engine(t, 7)

	_, err := eng.Register(ctx, "alice", axis(0), 0.9)
	require.NoError(t, err)

	_, err = eng.SaveSnapshot(ctx)
	require.NoError(t, err)

	require.NoError(t, eng.LoadSnapshot(ctx))

	res, err := eng.Recognize(ctx, axis(0))
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, "alice", res.Identity)

	// After the store moves on, the now-stale snapshot must be refused.
	_, err = eng.Register(ctx, "bob", axis(1), 0.9)
	require.NoError(t, err)

	err = eng.LoadSnapshot(ctx)
	require.Error(t, err)

	// The refusal leaves the live index untouched.
	res, err = eng.Recognize(ctx, axis(1))
	require.NoError(t, err)
	assert.Equal(t, "bob", res.Identity)
	assert.False(t, res.Exhaustive)
}

// flakyStore fails the next Enumerate on demand, imitating a store outage
// during an index rebuild.
type flakyStore struct {
	store.Store
	failNext atomic.Bool
}

func (f *flakyStore) Enumerate(ctx context.Context, fn func(rec embedding.Vector) error) error {
	if f.failNext.CompareAndSwap(true, false) {
		return errors.New("synthetic store outage")
	}

	return f.Store.Enumerate(ctx, fn)
}

func TestRebuildFailureDegradesToScan(t *testing.T) {
	ctx := context.Background()

	flaky := &flakyStore{Store: store.NewMemory(testDim)}

	eng, err := facematch.New(ctx, facematch.DefaultConfig(testDim), flaky, facematch.WithRandomSeed(42))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	_, err = eng.Register(ctx, "alice", axis(0), 0.9)
	require.NoError(t, err)
	_, err = eng.Register(ctx, "bob", axis(1), 0.9)
	require.NoError(t, err)

	flaky.failNext.Store(true)
	require.Error(t, eng.RebuildIndex(ctx))

	stats, err := eng.Stats(ctx)
	require.NoError(t, err)
	assert.False(t, stats.IndexAvailable)

	// Recognition survives on the exhaustive scan path.
	res, err := eng.Recognize(ctx, axis(0))
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.True(t, res.Exhaustive)
	assert.Equal(t, "alice", res.Identity)

	// Registration keeps working while the index is down.
	_, err = eng.Register(ctx, "carol", axis(2), 0.9)
	require.NoError(t, err)

	res, err = eng.Recognize(ctx, axis(2))
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.True(t, res.Exhaustive)
	assert.Equal(t, "carol", res.Identity)

	// A later rebuild brings the graph back, with everything enrolled in
	// the meantime included.
	require.NoError(t, eng.RebuildIndex(ctx))

	stats, err = eng.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.IndexAvailable)
	assert.Equal(t, 3, stats.Index.Nodes)

	res, err = eng.Recognize(ctx, axis(2))
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.False(t, res.Exhaustive)
}

func TestNewFailsWhenInitialRebuildFails(t *testing.T) {
	ctx := context.Background()

	flaky := &flakyStore{Store: store.NewMemory(testDim)}
	flaky.failNext.Store(true)

	_, err := facematch.New(ctx, facematch.DefaultConfig(testDim), flaky)
	require.Error(t, err)
}
