// Package facematch provides an embeddable face recognition matching engine
// for Go.
//
// Facematch stores face embeddings per identity, indexes them in an HNSW
// graph for sub-linear recognition, and answers "who is this" queries with a
// thresholded cosine-similarity decision. The vector store is the system of
// record; the index is derived state that can always be rebuilt from it.
//
// # Quick Start
//
// In-memory mode:
//
//	ctx := context.Background()
//	eng, _ := facematch.New(ctx, facematch.DefaultConfig(512), store.NewMemory(512))
//	defer eng.Close()
//
//	id, _ := eng.Register(ctx, "alice", vector, 0.99)
//	res, _ := eng.Recognize(ctx, probe)
//	if res.Matched {
//	    fmt.Println(res.Identity, res.Similarity)
//	}
//
// Durable mode with SQLite and snapshots:
//
//	st, _ := store.NewSQLite("faces.db", 512)
//	blobs, _ := blobstore.NewLocalStore("./snapshots")
//	eng, _ := facematch.New(ctx, facematch.DefaultConfig(512), st,
//	    facematch.WithSnapshotManager(snapshot.NewManager(blobs)),
//	    facematch.WithSnapshotOnClose(),
//	)
//
// # Registering Images
//
// With an extractor factory the engine accepts raw encoded images. Each
// worker in the extraction pool owns a private extractor instance, so model
// state is never shared across threads:
//
//	eng, _ := facematch.New(ctx, cfg, st,
//	    facematch.WithExtractor(onnxFactory),
//	)
//	id, score, _ := eng.RegisterImage(ctx, "alice", jpegBytes)
//	res, _ := eng.RecognizeImage(ctx, jpegBytes)
//
// Extraction admission is bounded: requests beyond the in-flight cap fail
// fast with extract.ErrCapacityExceeded instead of queueing without limit,
// and requests that outlive the configured timeout free their slot with
// extract.ErrExtractionTimeout.
//
// # Matching Semantics
//
// Recognition returns the best candidate at or above the similarity
// threshold (default 0.7, inclusive). A best candidate below the threshold
// is a no-match result, not an error. When two identities tie exactly, the
// most recently enrolled embedding wins. When the index is unavailable the
// matcher degrades to an exhaustive scan, flagged on the result, rather
// than failing the request.
//
// # Key Features
//
//   - HNSW graph index with tombstone deletes and atomic rebuilds
//   - Exhaustive-scan fallback when the index cannot serve
//   - Worker pool for model inference with crash isolation and restart
//   - Bounded extraction admission with per-request timeouts
//   - SQLite or in-memory vector store
//   - Checksummed snapshots on local disk, S3, MinIO or DynamoDB
//   - SIMD-accelerated similarity kernels
package facematch
