// Package distance provides the vector math primitives of the matching
// engine: dot products, cosine similarity and L2 normalization.
//
// Hot paths use SIMD-accelerated kernels from github.com/viterin/vek:
//   - AVX2 on x86-64
//   - NEON on ARM64
//   - scalar fallback elsewhere
//
// All similarity scores assume unit-norm inputs, which makes cosine
// similarity a plain dot product. Normalization is enforced once at the
// ingestion boundary; see NormalizeL2InPlace and IsNormalized.
//
// # Usage
//
//	v, err := distance.NormalizeL2Copy(raw)
//	sim := distance.CosineSimilarity(v, other)
//	dist := distance.CosineDistance(v, other)
package distance
