// Package testutil provides testing utilities for facematch.
//
// This package is intended for use in tests and benchmarks only.
// It provides helpers for generating random unit-norm embeddings and
// per-identity embedding clusters with controlled similarity.
//
// # Random Embedding Generation
//
//	rng := testutil.NewRNG(seed)
//	vec := rng.UnitVector(512)            // one point on the hypersphere
//	vecs := rng.UnitVectors(1000, 512)    // a dataset
//
// # Controlled Similarity
//
//	probe := rng.SimilarVector(ref, 0.85) // cos(ref, probe) == 0.85
//	people := rng.IdentityClusters(10, 5, 512, 0.8)
package testutil
