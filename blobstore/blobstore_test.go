package blobstore

import (
	"context"
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/facematch/internal/cache"
)

func TestLocalStore(t *testing.T) {
	runBlobStoreSuite(t, func(t *testing.T) BlobStore {
		s, err := NewLocalStore(t.TempDir())
		require.NoError(t, err)

		return s
	})
}

func TestMemoryStore(t *testing.T) {
	runBlobStoreSuite(t, func(t *testing.T) BlobStore {
		return NewMemoryStore()
	})
}

func TestCachingStore(t *testing.T) {
	runBlobStoreSuite(t, func(t *testing.T) BlobStore {
		return NewCachingStore(NewMemoryStore(), cache.NewLRU(1<<20), 8)
	})
}

func runBlobStoreSuite(t *testing.T, newStore func(t *testing.T) BlobStore) {
	ctx := context.Background()

	t.Run("put open read", func(t *testing.T) {
		s := newStore(t)
		data := []byte("hello world, this is a snapshot payload")

		require.NoError(t, s.Put(ctx, "snap.bin", data))

		blob, err := s.Open(ctx, "snap.bin")
		require.NoError(t, err)

		defer blob.Close()

		assert.Equal(t, int64(len(data)), blob.Size())

		buf := make([]byte, 5)
		n, err := blob.ReadAt(ctx, buf, 6)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.Equal(t, "world", string(buf))

		// Reads crossing EOF return what is there plus io.EOF.
		tail := make([]byte, 16)
		n, err = blob.ReadAt(ctx, tail, int64(len(data))-7)
		assert.Equal(t, 7, n)
		assert.Equal(t, io.EOF, err)
		assert.Equal(t, "payload", string(tail[:n]))

		n, err = blob.ReadAt(ctx, buf, int64(len(data))+10)
		assert.Equal(t, 0, n)
		assert.Equal(t, io.EOF, err)
	})

	t.Run("read range clamps", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Put(ctx, "range.bin", []byte("0123456789")))

		blob, err := s.Open(ctx, "range.bin")
		require.NoError(t, err)

		defer blob.Close()

		r, err := blob.ReadRange(ctx, 2, 4)
		require.NoError(t, err)

		got, err := io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		assert.Equal(t, "2345", string(got))

		// Past the end, the range is clamped.
		r, err = blob.ReadRange(ctx, 8, 10)
		require.NoError(t, err)

		got, err = io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		assert.Equal(t, "89", string(got))
	})

	t.Run("create is invisible until close", func(t *testing.T) {
		s := newStore(t)

		w, err := s.Create(ctx, "pending.bin")
		require.NoError(t, err)

		_, err = w.Write([]byte("part one, "))
		require.NoError(t, err)

		_, err = s.Open(ctx, "pending.bin")
		require.ErrorIs(t, err, ErrNotFound)

		_, err = w.Write([]byte("part two"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		blob, err := s.Open(ctx, "pending.bin")
		require.NoError(t, err)

		defer blob.Close()

		got, err := io.ReadAll(mustRange(t, ctx, blob, 0, blob.Size()))
		require.NoError(t, err)
		assert.Equal(t, "part one, part two", string(got))
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Put(ctx, "gone.bin", []byte("x")))
		require.NoError(t, s.Delete(ctx, "gone.bin"))

		_, err := s.Open(ctx, "gone.bin")
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Delete(ctx, "gone.bin"))
	})

	t.Run("list prefix sorted", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Put(ctx, "snapshots/b.bin", []byte("b")))
		require.NoError(t, s.Put(ctx, "snapshots/a.bin", []byte("a")))
		require.NoError(t, s.Put(ctx, "CURRENT", []byte("snapshots/b.bin")))

		names, err := s.List(ctx, "snapshots/")
		require.NoError(t, err)
		assert.Equal(t, []string{"snapshots/a.bin", "snapshots/b.bin"}, names)

		all, err := s.List(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"CURRENT", "snapshots/a.bin", "snapshots/b.bin"}, all)
	})

	t.Run("open missing", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Open(ctx, "never-written")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func mustRange(t *testing.T, ctx context.Context, blob Blob, off, length int64) io.ReadCloser {
	t.Helper()

	r, err := blob.ReadRange(ctx, off, length)
	require.NoError(t, err)

	return r
}

func TestLocalStoreHidesTempFiles(t *testing.T) {
	ctx := context.Background()

	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	w, err := s.Create(ctx, "snap.bin")
	require.NoError(t, err)

	_, err = w.Write([]byte("half"))
	require.NoError(t, err)

	names, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, w.Close())

	names, err = s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"snap.bin"}, names)
}

func TestLocalStoreReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := NewLocalStore(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Put(ctx, "keep.bin", []byte("durable")))

	s2, err := NewLocalStore(dir)
	require.NoError(t, err)

	blob, err := s2.Open(ctx, "keep.bin")
	require.NoError(t, err)

	defer blob.Close()

	got, err := io.ReadAll(mustRange(t, ctx, blob, 0, blob.Size()))
	require.NoError(t, err)
	assert.Equal(t, "durable", string(got))
}

// countingStore counts backend reads so cache behavior is observable.
type countingStore struct {
	BlobStore

	reads atomic.Int64
}

func (s *countingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.BlobStore.Open(ctx, name)
	if err != nil {
		return nil, err
	}

	return &countingBlob{Blob: b, reads: &s.reads}, nil
}

type countingBlob struct {
	Blob

	reads *atomic.Int64
}

func (b *countingBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	b.reads.Add(1)
	return b.Blob.ReadAt(ctx, p, off)
}

func TestCachingStoreAvoidsRepeatReads(t *testing.T) {
	ctx := context.Background()

	inner := &countingStore{BlobStore: NewMemoryStore()}
	require.NoError(t, inner.Put(ctx, "snap.bin", []byte("0123456789abcdef")))

	s := NewCachingStore(inner, cache.NewLRU(1<<20), 4)

	blob, err := s.Open(ctx, "snap.bin")
	require.NoError(t, err)

	defer blob.Close()

	buf := make([]byte, 8)

	_, err = blob.ReadAt(ctx, buf, 4)
	require.NoError(t, err)
	assert.Equal(t, "456789ab", string(buf))

	cold := inner.reads.Load()
	require.Positive(t, cold)

	// The same range again comes entirely out of the cache.
	_, err = blob.ReadAt(ctx, buf, 4)
	require.NoError(t, err)
	assert.Equal(t, "456789ab", string(buf))
	assert.Equal(t, cold, inner.reads.Load())

	// Rewriting the blob invalidates its blocks.
	require.NoError(t, s.Put(ctx, "snap.bin", []byte("fedcba9876543210")))

	blob2, err := s.Open(ctx, "snap.bin")
	require.NoError(t, err)

	defer blob2.Close()

	_, err = blob2.ReadAt(ctx, buf, 4)
	require.NoError(t, err)
	assert.Equal(t, "ba987654", string(buf))
	assert.Greater(t, inner.reads.Load(), cold)
}

func TestCachingStoreCoalescesMisses(t *testing.T) {
	ctx := context.Background()

	inner := &countingStore{BlobStore: NewMemoryStore()}

	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, inner.Put(ctx, "big.bin", payload))

	s := NewCachingStore(inner, cache.NewLRU(1<<20), 8)

	blob, err := s.Open(ctx, "big.bin")
	require.NoError(t, err)

	defer blob.Close()

	// One contiguous run of cold blocks becomes one backend read.
	buf := make([]byte, 40)
	n, err := blob.ReadAt(ctx, buf, 8)
	require.NoError(t, err)
	assert.Equal(t, 40, n)
	assert.Equal(t, payload[8:48], buf)
	assert.Equal(t, int64(1), inner.reads.Load())
}
