package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/facematch/internal/cache"
)

// DefaultBlockSize is the block granularity for cached reads.
const DefaultBlockSize = 64 * 1024

// fetchConcurrency bounds parallel backend reads per blob.
const fetchConcurrency = 16

// CachingStore wraps a BlobStore and caches read blocks. It is intended
// for remote backends where repeated range reads are expensive; writes
// pass through and invalidate the written blob.
type CachingStore struct {
	inner     BlobStore
	cache     cache.BlockCache
	blockSize int64
}

var _ BlobStore = (*CachingStore)(nil)

// NewCachingStore wraps inner with block-level read caching.
// blockSize defaults to DefaultBlockSize if <= 0.
func NewCachingStore(inner BlobStore, blockCache cache.BlockCache, blockSize int64) *CachingStore {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	return &CachingStore{
		inner:     inner,
		cache:     blockCache,
		blockSize: blockSize,
	}
}

// Open opens a blob whose reads go through the block cache.
func (s *CachingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}

	return &cachingBlob{
		inner:     b,
		cache:     s.cache,
		name:      name,
		blockSize: s.blockSize,
	}, nil
}

// Create passes through. Blobs are immutable once written, so there is
// nothing to invalidate until the name is reused.
func (s *CachingStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	s.invalidate(name)
	return s.inner.Create(ctx, name)
}

// Put writes through and drops cached blocks of the written blob.
func (s *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	s.invalidate(name)
	return s.inner.Put(ctx, name, data)
}

// Delete deletes through and drops cached blocks of the deleted blob.
func (s *CachingStore) Delete(ctx context.Context, name string) error {
	s.invalidate(name)
	return s.inner.Delete(ctx, name)
}

// List passes through.
func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

// InvalidatePrefix drops cached blocks for all blobs with the prefix.
func (s *CachingStore) InvalidatePrefix(prefix string) {
	s.cache.Invalidate(func(key cache.Key) bool {
		return strings.HasPrefix(key.Name, prefix)
	})
}

func (s *CachingStore) invalidate(name string) {
	s.cache.Invalidate(func(key cache.Key) bool {
		return key.Name == name
	})
}

// cachingBlob serves reads block by block out of the cache, fetching
// contiguous runs of missing blocks from the backend in parallel.
type cachingBlob struct {
	inner     Blob
	cache     cache.BlockCache
	name      string
	blockSize int64
}

func (b *cachingBlob) Size() int64 {
	return b.inner.Size()
}

func (b *cachingBlob) Close() error {
	return b.inner.Close()
}

func (b *cachingBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	size := b.Size()
	if off >= size {
		return 0, io.EOF
	}

	startBlock := off / b.blockSize
	endBlock := (off + int64(len(p)) - 1) / b.blockSize

	if err := b.fillCache(ctx, startBlock, endBlock); err != nil {
		return 0, err
	}

	total := 0

	for blk := startBlock; blk <= endBlock; blk++ {
		blkStart := blk * b.blockSize

		// Intersection of this block with the requested range.
		from := max(blkStart, off)
		to := min(blkStart+b.blockSize, off+int64(len(p)))

		if to <= from {
			continue
		}

		data, err := b.fetchBlock(ctx, blk)
		if err != nil {
			return total, err
		}

		srcOff := from - blkStart
		if srcOff >= int64(len(data)) {
			break
		}

		n := copy(p[from-off:to-off], data[srcOff:])
		total += n
	}

	if int64(total) < int64(len(p)) && off+int64(total) >= size {
		return total, io.EOF
	}

	return total, nil
}

func (b *cachingBlob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return io.NopCloser(&cachedSectionReader{blob: b, ctx: ctx, off: off, limit: off + length}), nil
}

// fillCache loads the missing blocks in [startBlock, endBlock], coalescing
// contiguous misses into single backend reads.
func (b *cachingBlob) fillCache(ctx context.Context, startBlock, endBlock int64) error {
	type run struct {
		start, count int64
	}

	var (
		missing  []run
		runStart = int64(-1)
		runCount int64
	)

	for blk := startBlock; blk <= endBlock; blk++ {
		if _, ok := b.cache.Get(b.blockKey(blk)); ok {
			if runStart != -1 {
				missing = append(missing, run{runStart, runCount})
				runStart = -1
			}

			continue
		}

		if runStart == -1 {
			runStart = blk
			runCount = 1
		} else {
			runCount++
		}
	}

	if runStart != -1 {
		missing = append(missing, run{runStart, runCount})
	}

	if len(missing) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	for _, r := range missing {
		r := r

		g.Go(func() error {
			byteStart := r.start * b.blockSize
			byteLen := r.count * b.blockSize

			size := b.Size()
			if byteStart >= size {
				return nil
			}

			if byteStart+byteLen > size {
				byteLen = size - byteStart
			}

			buf := make([]byte, byteLen)

			n, err := b.inner.ReadAt(gctx, buf, byteStart)
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}

			// Split the run into per-block cache entries. Each block is
			// copied so the run buffer is not pinned by one block.
			for i := int64(0); i < r.count; i++ {
				blockOff := i * b.blockSize
				if blockOff >= int64(n) {
					break
				}

				blockEnd := min(blockOff+b.blockSize, int64(n))

				block := make([]byte, blockEnd-blockOff)
				copy(block, buf[blockOff:blockEnd])

				b.cache.Set(b.blockKey(r.start+i), block)
			}

			return nil
		})
	}

	return g.Wait()
}

func (b *cachingBlob) fetchBlock(ctx context.Context, blk int64) ([]byte, error) {
	if data, ok := b.cache.Get(b.blockKey(blk)); ok {
		return data, nil
	}

	buf := make([]byte, b.blockSize)

	n, err := b.inner.ReadAt(ctx, buf, blk*b.blockSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	data := buf[:n]

	if n > 0 {
		b.cache.Set(b.blockKey(blk), data)
	}

	return data, nil
}

func (b *cachingBlob) blockKey(blk int64) cache.Key {
	return cache.Key{Name: b.name, Offset: blk * b.blockSize}
}

// cachedSectionReader adapts block-cached ReadAt to io.Reader.
type cachedSectionReader struct {
	blob  *cachingBlob
	ctx   context.Context
	off   int64
	limit int64
}

func (r *cachedSectionReader) Read(p []byte) (int, error) {
	if r.off >= r.limit {
		return 0, io.EOF
	}

	if remaining := r.limit - r.off; int64(len(p)) > remaining {
		p = p[:remaining]
	}

	n, err := r.blob.ReadAt(r.ctx, p, r.off)
	r.off += int64(n)

	return n, err
}
