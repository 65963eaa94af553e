// Package matcher turns nearest-neighbor hits into an identity decision.
//
// The matcher owns the decision policy: the highest-similarity candidate at
// or above the threshold wins. When two distinct identities tie exactly, the
// most recently enrolled embedding wins, on the assumption that newer
// enrollments reflect the subject's current appearance.
package matcher

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/facematch/distance"
	"github.com/hupe1980/facematch/embedding"
	"github.com/hupe1980/facematch/index"
	"github.com/hupe1980/facematch/store"
)

const (
	// DefaultThreshold is the minimum cosine similarity for a match.
	DefaultThreshold = 0.7

	// DefaultTopK is the default number of candidates retrieved per probe.
	DefaultTopK = 10

	// scanBuffer is the channel depth between the store reader and the
	// scoring workers during an exhaustive scan.
	scanBuffer = 256
)

// Candidate is one scored hit after identity resolution.
type Candidate struct {
	Identity    string
	EmbeddingID uint64
	Similarity  float32
	CreatedAt   time.Time
}

// Result is the outcome of a match decision. When Matched is false,
// Similarity still carries the best score seen (zero for an empty store) and
// Identity stays empty. Exhaustive reports whether the decision came from a
// full scan instead of the graph.
type Result struct {
	Matched     bool
	Identity    string
	EmbeddingID uint64
	Similarity  float32
	Exhaustive  bool
	Candidates  []Candidate
}

// Options represents the options for configuring a Matcher.
type Options struct {
	// Threshold is the minimum similarity for a positive match. A probe
	// scoring exactly the threshold matches.
	Threshold float32

	// TopK is the number of candidates retrieved when the caller does not
	// ask for a specific count.
	TopK int
}

// DefaultOptions holds the default matcher options.
var DefaultOptions = Options{
	Threshold: DefaultThreshold,
	TopK:      DefaultTopK,
}

// Matcher decides identities for probe embeddings.
type Matcher struct {
	store     store.Store
	index     index.Index
	threshold float32
	topK      int
}

// New creates a Matcher over the given store and index.
func New(s store.Store, idx index.Index, optFns ...func(o *Options)) *Matcher {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}

	return &Matcher{
		store:     s,
		index:     idx,
		threshold: opts.Threshold,
		topK:      opts.TopK,
	}
}

// Threshold returns the configured similarity threshold.
func (m *Matcher) Threshold() float32 {
	return m.threshold
}

// Match scores a unit-norm probe against the enrolled population. k requests
// the candidate count; non-positive k falls back to the configured TopK, and
// k beyond the enrolled population is capped silently. When the index reports
// itself unavailable, Match degrades to an exhaustive scan of the store.
func (m *Matcher) Match(ctx context.Context, probe []float32, k int) (Result, error) {
	if k <= 0 {
		k = m.topK
	}

	hits, err := m.index.Search(probe, k, 0)
	if err != nil {
		if errors.Is(err, index.ErrUnavailable) {
			return m.MatchScan(ctx, probe, k)
		}
		return Result{}, err
	}

	candidates := make([]Candidate, 0, len(hits))
	for _, hit := range hits {
		rec, err := m.store.Get(ctx, hit.ID)
		if errors.Is(err, store.ErrNotFound) {
			// Deleted between the index answering and now. Skip it.
			continue
		}
		if err != nil {
			return Result{}, err
		}

		candidates = append(candidates, Candidate{
			Identity:    rec.Identity,
			EmbeddingID: rec.ID,
			Similarity:  hit.Similarity,
			CreatedAt:   rec.CreatedAt,
		})
	}

	return m.finalize(candidates, false), nil
}

// MatchScan scores the probe against every stored embedding without touching
// the index. The scan fans out across GOMAXPROCS workers; results are exact
// and deterministic, just linear in the population size.
func (m *Matcher) MatchScan(ctx context.Context, probe []float32, k int) (Result, error) {
	if k <= 0 {
		k = m.topK
	}

	g, ctx := errgroup.WithContext(ctx)

	recs := make(chan embedding.Vector, scanBuffer)

	g.Go(func() error {
		defer close(recs)

		return m.store.Enumerate(ctx, func(rec embedding.Vector) error {
			select {
			case recs <- rec:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})

	workers := runtime.GOMAXPROCS(0)
	locals := make([][]Candidate, workers)

	for w := 0; w < workers; w++ {
		w := w

		g.Go(func() error {
			var top []Candidate

			for rec := range recs {
				c := Candidate{
					Identity:    rec.Identity,
					EmbeddingID: rec.ID,
					Similarity:  distance.CosineSimilarity(probe, rec.Vector),
					CreatedAt:   rec.CreatedAt,
				}
				top = insertTopK(top, c, k)
			}

			locals[w] = top

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var merged []Candidate
	for _, local := range locals {
		merged = append(merged, local...)
	}
	sortCandidates(merged)
	if len(merged) > k {
		merged = merged[:k]
	}

	return m.finalize(merged, true), nil
}

// finalize sorts candidates, applies the threshold and resolves ties.
func (m *Matcher) finalize(candidates []Candidate, exhaustive bool) Result {
	sortCandidates(candidates)

	result := Result{
		Exhaustive: exhaustive,
		Candidates: candidates,
	}

	best, ok := pickBest(candidates)
	if !ok {
		return result
	}

	result.Similarity = best.Similarity
	if best.Similarity >= m.threshold {
		result.Matched = true
		result.Identity = best.Identity
		result.EmbeddingID = best.EmbeddingID
	}

	return result
}

// pickBest returns the winning candidate: highest similarity, with exact
// ties going to the most recent enrollment.
func pickBest(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Similarity > best.Similarity {
			best = c
			continue
		}
		if c.Similarity == best.Similarity && moreRecent(c, best) {
			best = c
		}
	}

	return best, true
}

// moreRecent orders by creation time, falling back to the store-assigned ID
// when two records share a timestamp.
func moreRecent(a, b Candidate) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.EmbeddingID > b.EmbeddingID
}

// sortCandidates orders by descending similarity with ties on ascending ID,
// matching the ordering contract of the index.
func sortCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].EmbeddingID < candidates[j].EmbeddingID
	})
}

// insertTopK keeps the k best candidates in sorted order.
func insertTopK(top []Candidate, c Candidate, k int) []Candidate {
	pos := sort.Search(len(top), func(i int) bool {
		if top[i].Similarity != c.Similarity {
			return top[i].Similarity < c.Similarity
		}
		return top[i].EmbeddingID > c.EmbeddingID
	})

	if pos >= k {
		return top
	}

	top = append(top, Candidate{})
	copy(top[pos+1:], top[pos:])
	top[pos] = c

	if len(top) > k {
		top = top[:k]
	}

	return top
}
