package testutil

import (
	"math"
	"math/rand"
	"sync"

	"github.com/viterin/vek/vek32"
)

// RNG encapsulates a seeded random number generator. It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Float32 returns, as a float32, a pseudo-random number in [0.0,1.0).
func (r *RNG) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float32()
}

// Uint64 returns a pseudo-random uint64.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64()
}

// UnitVector generates a single L2-normalized random vector, uniformly
// distributed on the hypersphere.
func (r *RNG) UnitVector(dimensions int) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unitVectorLocked(dimensions)
}

// UnitVectors generates num L2-normalized random vectors. A single backing
// array holds all the data.
func (r *RNG) UnitVectors(num, dimensions int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dimensions)
	vectors := make([][]float32, num)

	for i := 0; i < num; i++ {
		vec := data[i*dimensions : (i+1)*dimensions]
		fillGaussianUnit(r.rand, vec)
		vectors[i] = vec
	}

	return vectors
}

// SimilarVector returns a unit vector whose cosine similarity to base is
// target, up to float rounding. base must be a unit vector. This models a
// fresh embedding of a face already enrolled under some identity.
func (r *RNG) SimilarVector(base []float32, target float32) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Random direction orthogonal to base, then rotate base towards it by
	// the angle whose cosine is target.
	ortho := make([]float32, len(base))
	fillGaussianUnit(r.rand, ortho)

	dot := vek32.Dot(ortho, base)
	for i := range ortho {
		ortho[i] -= dot * base[i]
	}

	norm := float32(math.Sqrt(float64(vek32.Dot(ortho, ortho))))
	if norm == 0 {
		return r.unitVectorLocked(len(base))
	}
	vek32.MulNumber_Inplace(ortho, 1/norm)

	sin := float32(math.Sqrt(float64(1 - target*target)))

	out := make([]float32, len(base))
	for i := range out {
		out[i] = target*base[i] + sin*ortho[i]
	}

	return out
}

// IdentityClusters generates per-identity embedding clusters: for each of
// num identities, count unit vectors at cosine similarity of at least minSim
// to a random centroid. The first vector of each cluster is the centroid
// itself.
func (r *RNG) IdentityClusters(num, count, dimensions int, minSim float32) [][][]float32 {
	clusters := make([][][]float32, num)

	for i := 0; i < num; i++ {
		centroid := r.UnitVector(dimensions)

		vecs := make([][]float32, count)
		vecs[0] = centroid
		for j := 1; j < count; j++ {
			sim := minSim + (1-minSim)*r.Float32()
			vecs[j] = r.SimilarVector(centroid, sim)
		}

		clusters[i] = vecs
	}

	return clusters
}

func (r *RNG) unitVectorLocked(dimensions int) []float32 {
	vec := make([]float32, dimensions)
	fillGaussianUnit(r.rand, vec)
	return vec
}

func fillGaussianUnit(rng *rand.Rand, vec []float32) {
	var norm float64
	for j := range vec {
		v := rng.NormFloat64()
		vec[j] = float32(v)
		norm += v * v
	}

	if norm == 0 {
		norm = 1
	}

	vek32.MulNumber_Inplace(vec, float32(1.0/math.Sqrt(norm)))
}
