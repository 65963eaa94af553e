package hnsw

import (
	"fmt"
	"testing"

	"github.com/hupe1980/facematch/index"
	"github.com/hupe1980/facematch/testutil"
	"github.com/stretchr/testify/assert"
)

type TestCases struct {
	VectorSize int
	VectorDim  int

	M              int
	EFConstruction int
	EFSearch       int
	Heuristic      bool
	K              int

	Precision float64
}

func TestNew(t *testing.T) {
	h, err := New(func(o *Options) {
		o.Dimension = 16
		o.M = 8
		o.EFConstruction = 200
	})
	if !assert.NoError(t, err) {
		return
	}

	assert.Equal(t, 8, h.mmax)
	assert.Equal(t, 16, h.mmax0)
	assert.Equal(t, 200, h.efConstruction)
	assert.Equal(t, DefaultEFSearch, h.efSearch)
}

func TestNewInvalidOptions(t *testing.T) {
	_, err := New()
	assert.Error(t, err)

	h, err := New(func(o *Options) {
		o.Dimension = 8
		o.M = 1
	})
	if !assert.NoError(t, err) {
		return
	}
	// M below the minimum is clamped, not rejected.
	assert.Equal(t, minimumM, h.mmax)
}

func TestValidateInsertSearch(t *testing.T) {
	tests := []TestCases{
		{
			VectorSize:     1000,
			VectorDim:      16,
			M:              16,
			EFConstruction: 200,
			EFSearch:       200,
			Heuristic:      true,
			Precision:      0.95,
			K:              10,
		},
		// Non-heuristic (simple) selection has lower accuracy than heuristic
		{
			VectorSize:     1000,
			VectorDim:      16,
			M:              16,
			EFConstruction: 200,
			EFSearch:       200,
			Heuristic:      false,
			Precision:      0.90,
			K:              10,
		},
		{
			VectorSize:     1000,
			VectorDim:      64,
			M:              16,
			EFConstruction: 200,
			EFSearch:       200,
			Heuristic:      true,
			Precision:      0.90,
			K:              10,
		},
	}

	for _, tc := range tests {
		t.Run(caseName(tc), func(t *testing.T) {
			runValidateInsertSearchCase(t, tc)
		})
	}
}

func TestSearchOrdering(t *testing.T) {
	h := mustNew(t, 4)

	vectors := map[uint64][]float32{
		1: {1, 0, 0, 0},
		2: {0, 1, 0, 0},
		3: {0.8, 0.6, 0, 0},
	}
	for id, vec := range vectors {
		if err := h.Insert(id, vec); err != nil {
			t.Fatal(err)
		}
	}

	results, err := h.Search([]float32{1, 0, 0, 0}, 3, 0)
	if !assert.NoError(t, err) {
		return
	}
	if !assert.Len(t, results, 3) {
		return
	}

	assert.Equal(t, uint64(1), results[0].ID)
	assert.Equal(t, uint64(3), results[1].ID)
	assert.Equal(t, uint64(2), results[2].ID)

	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
	assert.InDelta(t, 0.8, results[1].Similarity, 1e-6)
	assert.InDelta(t, 0.0, results[2].Similarity, 1e-6)
}

func TestSearchTieBreakInsertionOrder(t *testing.T) {
	h := mustNew(t, 4)

	// Three identical vectors under increasing IDs, plus one distractor.
	same := []float32{0, 0, 1, 0}
	for _, id := range []uint64{5, 9, 12} {
		if err := h.Insert(id, same); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.Insert(20, []float32{0, 1, 0, 0}); err != nil {
		t.Fatal(err)
	}

	for name, search := range map[string]func() ([]index.SearchResult, error){
		"graph": func() ([]index.SearchResult, error) { return h.Search(same, 3, 0) },
		"brute": func() ([]index.SearchResult, error) { return h.BruteSearch(same, 3) },
	} {
		t.Run(name, func(t *testing.T) {
			results, err := search()
			if !assert.NoError(t, err) {
				return
			}
			if !assert.Len(t, results, 3) {
				return
			}

			assert.Equal(t, uint64(5), results[0].ID)
			assert.Equal(t, uint64(9), results[1].ID)
			assert.Equal(t, uint64(12), results[2].ID)
		})
	}
}

func TestInsertDuplicateID(t *testing.T) {
	h := mustNew(t, 4)

	if err := h.Insert(1, []float32{1, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}

	err := h.Insert(1, []float32{0, 1, 0, 0})

	var dup *index.ErrDuplicateID
	if assert.ErrorAs(t, err, &dup) {
		assert.Equal(t, uint64(1), dup.ID)
	}
}

func TestDimensionMismatch(t *testing.T) {
	h := mustNew(t, 4)

	var mismatch *index.ErrDimensionMismatch

	err := h.Insert(1, []float32{1, 0})
	if assert.ErrorAs(t, err, &mismatch) {
		assert.Equal(t, 4, mismatch.Expected)
		assert.Equal(t, 2, mismatch.Actual)
	}

	_, err = h.Search([]float32{1, 0}, 1, 0)
	assert.ErrorAs(t, err, &mismatch)

	_, err = h.BruteSearch([]float32{1, 0}, 1)
	assert.ErrorAs(t, err, &mismatch)
}

func TestSearchInvalidK(t *testing.T) {
	h := mustNew(t, 4)

	_, err := h.Search([]float32{1, 0, 0, 0}, 0, 0)
	assert.ErrorIs(t, err, index.ErrInvalidK)

	_, err = h.BruteSearch([]float32{1, 0, 0, 0}, -1)
	assert.ErrorIs(t, err, index.ErrInvalidK)
}

func TestSearchEmpty(t *testing.T) {
	h := mustNew(t, 4)

	results, err := h.Search([]float32{1, 0, 0, 0}, 5, 0)
	assert.NoError(t, err)
	assert.Empty(t, results)
}

func TestRemove(t *testing.T) {
	h := mustNew(t, 4)

	if err := h.Insert(1, []float32{1, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if err := h.Insert(2, []float32{0.9, 0.436, 0, 0}); err != nil {
		t.Fatal(err)
	}

	assert.NoError(t, h.Remove(1))
	assert.False(t, h.Contains(1))
	assert.True(t, h.Contains(2))
	assert.Equal(t, 1, h.Len())

	// Second removal and unknown IDs both report not found.
	assert.ErrorIs(t, h.Remove(1), index.ErrNotFound)
	assert.ErrorIs(t, h.Remove(99), index.ErrNotFound)

	results, err := h.Search([]float32{1, 0, 0, 0}, 2, 0)
	if !assert.NoError(t, err) {
		return
	}
	if !assert.Len(t, results, 1) {
		return
	}
	assert.Equal(t, uint64(2), results[0].ID)
}

func TestRemoveKeepsRouting(t *testing.T) {
	rng := testutil.NewRNG(4711)
	h := mustNew(t, 32)

	vecs := rng.UnitVectors(200, 32)
	for i, vec := range vecs {
		if err := h.Insert(uint64(i+1), vec); err != nil {
			t.Fatal(err)
		}
	}

	for id := uint64(1); id <= 50; id++ {
		if err := h.Remove(id); err != nil {
			t.Fatal(err)
		}
	}

	assert.Equal(t, 150, h.Len())

	for qi := 0; qi < 20; qi++ {
		results, err := h.Search(vecs[rng.Intn(len(vecs))], 10, 100)
		if !assert.NoError(t, err) {
			return
		}
		for _, r := range results {
			assert.Greater(t, r.ID, uint64(50), "tombstoned ID %d returned", r.ID)
		}
	}
}

func TestStats(t *testing.T) {
	h := mustNew(t, 4)

	for i := uint64(1); i <= 4; i++ {
		if err := h.Insert(i, []float32{1, 0, 0, 0}); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.Remove(2); err != nil {
		t.Fatal(err)
	}

	stats := h.Stats()
	assert.Equal(t, 4, stats.Nodes)
	assert.Equal(t, 3, stats.Live)
	assert.Equal(t, 1, stats.Tombstones)

	assert.Contains(t, h.String(), "Live=3")
	assert.Contains(t, h.String(), "Tombstones=1")
}

func TestExportImport(t *testing.T) {
	rng := testutil.NewRNG(4711)
	h := mustNew(t, 32)

	vecs := rng.UnitVectors(300, 32)
	for i, vec := range vecs {
		if err := h.Insert(uint64(i+1), vec); err != nil {
			t.Fatal(err)
		}
	}
	for id := uint64(1); id <= 20; id++ {
		if err := h.Remove(id); err != nil {
			t.Fatal(err)
		}
	}

	dump := h.Export()
	assert.Len(t, dump.Nodes, 300)
	assert.Len(t, dump.Tombstones, 20)

	restored, err := Import(dump)
	if !assert.NoError(t, err) {
		return
	}

	assert.Equal(t, h.Len(), restored.Len())
	assert.Equal(t, h.Stats(), restored.Stats())

	// The restored graph has identical structure, so searches agree exactly.
	for qi := 0; qi < 10; qi++ {
		query := vecs[rng.Intn(len(vecs))]

		want, err := h.Search(query, 5, 100)
		if !assert.NoError(t, err) {
			return
		}
		got, err := restored.Search(query, 5, 100)
		if !assert.NoError(t, err) {
			return
		}

		assert.Equal(t, want, got)
	}
}

func TestImportRejectsCorruptDump(t *testing.T) {
	h := mustNew(t, 4)
	for i := uint64(1); i <= 5; i++ {
		if err := h.Insert(i, []float32{1, 0, 0, 0}); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("dangling connection", func(t *testing.T) {
		dump := h.Export()
		dump.Nodes[0].Conns[0] = append(dump.Nodes[0].Conns[0], 999)

		_, err := Import(dump)
		assert.Error(t, err)
	})

	t.Run("unknown tombstone", func(t *testing.T) {
		dump := h.Export()
		dump.Tombstones = append(dump.Tombstones, 999)

		_, err := Import(dump)
		assert.Error(t, err)
	})

	t.Run("missing entry point", func(t *testing.T) {
		dump := h.Export()
		dump.EntryPoint = 999

		_, err := Import(dump)
		assert.Error(t, err)
	})

	t.Run("nil dump", func(t *testing.T) {
		_, err := Import(nil)
		assert.Error(t, err)
	})
}

func mustNew(t *testing.T, dimension int) *HNSW {
	t.Helper()

	seed := int64(42)
	h, err := New(func(o *Options) {
		o.Dimension = dimension
		o.RandomSeed = &seed
	})
	if err != nil {
		t.Fatal(err)
	}

	return h
}

func caseName(tc TestCases) string {
	return fmt.Sprintf(
		"Vec=%d,Dim=%d,Heuristic=%t,M=%d,Precision=%f",
		tc.VectorSize,
		tc.VectorDim,
		tc.Heuristic,
		tc.M,
		tc.Precision,
	)
}

func runValidateInsertSearchCase(t *testing.T, tc TestCases) {
	rng := testutil.NewRNG(4711)

	vecs := rng.UnitVectors(tc.VectorSize, tc.VectorDim)

	seed := int64(42)
	h, err := New(func(o *Options) {
		o.Dimension = tc.VectorDim
		o.M = tc.M
		o.EFConstruction = tc.EFConstruction
		o.EFSearch = tc.EFSearch
		o.Heuristic = tc.Heuristic
		o.RandomSeed = &seed
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < len(vecs); i++ {
		if err := h.Insert(uint64(i+1), vecs[i]); err != nil {
			t.Fatalf("Insert failed at i=%d: %v", i, err)
		}
	}

	groundResults := make(map[int]map[uint64]struct{}, len(vecs))
	for qi := range vecs {
		brute, err := h.BruteSearch(vecs[qi], tc.K)
		if err != nil {
			t.Fatalf("BruteSearch failed: %v", err)
		}

		groundResults[qi] = make(map[uint64]struct{}, tc.K)
		for _, item := range brute {
			groundResults[qi][item.ID] = struct{}{}
		}
	}

	hitSuccess := 0

	for qi := range vecs {
		results, err := h.Search(vecs[qi], tc.K, tc.EFSearch)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}

		for _, item := range results {
			if _, ok := groundResults[qi][item.ID]; ok {
				hitSuccess++
			}
		}
	}

	precision := float64(hitSuccess) / (float64(len(vecs)) * float64(tc.K))
	t.Logf("Precision => %f", precision)
	if precision < tc.Precision {
		t.Fatalf("precision too low: got %f want >= %f", precision, tc.Precision)
	}
}
