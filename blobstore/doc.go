// Package blobstore abstracts where snapshot blobs live.
//
// A BlobStore holds immutable named blobs plus the mutable CURRENT pointer
// that names the active snapshot. Implementations must be safe for
// concurrent use.
//
// # Built-in implementations
//
//   - LocalStore: local filesystem, mmap-backed reads, atomic renames
//   - MemoryStore: in-memory, for tests
//   - CachingStore: block-level read caching around another store
//   - s3.Store: Amazon S3 with range reads and streaming uploads
//   - s3.CommitStore: S3 plus DynamoDB compare-and-swap for CURRENT
//   - minio.Store: MinIO and other S3-compatible endpoints
//
// Remote blobs serve range reads, so loaders can verify a snapshot footer
// before streaming the payload.
package blobstore
