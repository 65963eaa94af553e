// Package hnsw implements the Hierarchical Navigable Small World (HNSW) graph
// for approximate nearest neighbor search over unit-norm face embeddings.
//
// Writes are serialized behind a single write lock; searches run concurrently
// under the read lock. Removals are tombstones: the node keeps routing traffic
// through the graph until the index is rebuilt.
package hnsw

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hupe1980/facematch/distance"
	"github.com/hupe1980/facematch/index"
	"github.com/hupe1980/facematch/internal/queue"
	"github.com/hupe1980/facematch/internal/visited"
)

const (
	// layerNormalizationBase is the base constant for the exponential layer probability distribution.
	layerNormalizationBase = 1.0

	// mmax0Multiplier is the multiplier for calculating maximum connections at layer 0.
	mmax0Multiplier = 2

	// minimumM is the minimum valid value for M.
	minimumM = 2

	// DefaultM is the default number of bidirectional links per node and layer.
	DefaultM = 16

	// DefaultEFConstruction is the default size of the dynamic candidate list during insertion.
	DefaultEFConstruction = 200

	// DefaultEFSearch is the default size of the dynamic candidate list during search.
	DefaultEFSearch = 100
)

// Compile-time check
var _ index.Index = (*HNSW)(nil)

// Options represents the options for configuring HNSW.
type Options struct {
	// Dimension is the dimensionality of indexed vectors.
	Dimension int

	// M is the number of bidirectional links created for each node per layer.
	M int

	// EFConstruction is the size of the dynamic candidate list during insertion.
	EFConstruction int

	// EFSearch is the default size of the dynamic candidate list during search.
	EFSearch int

	// Heuristic toggles diversity-aware neighbor selection. When false, the
	// closest candidates are linked directly.
	Heuristic bool

	// DistanceFunc computes the distance between two vectors. Defaults to
	// cosine distance over unit-norm vectors.
	DistanceFunc distance.Func

	// RandomSeed seeds layer assignment. When nil, a time-based seed is used.
	RandomSeed *int64
}

// DefaultOptions holds the default options for HNSW.
var DefaultOptions = Options{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
	EFSearch:       DefaultEFSearch,
	Heuristic:      true,
	DistanceFunc:   distance.CosineDistance,
}

// node is a single graph vertex. conns holds one adjacency list per layer,
// from layer 0 up to the node's top layer.
type node struct {
	id     uint64
	vector []float32
	layer  int
	conns  [][]uint64
}

// HNSW is a Hierarchical Navigable Small World graph.
type HNSW struct {
	dimension      int
	mmax           int
	mmax0          int
	efConstruction int
	efSearch       int
	heuristic      bool
	layerMult      float64
	distanceFunc   distance.Func

	mu         sync.RWMutex
	nodes      map[uint64]*node
	entryPoint uint64
	hasEntry   bool
	maxLayer   int
	maxID      uint64
	tombstones *roaring64.Bitmap
	rng        *rand.Rand

	minQueuePool *sync.Pool
	maxQueuePool *sync.Pool
	visitedPool  *sync.Pool
}

// New creates a new HNSW instance.
func New(optFns ...func(o *Options)) (*HNSW, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", opts.Dimension)
	}

	if opts.M < minimumM {
		opts.M = minimumM
	}

	if opts.EFConstruction <= 0 {
		opts.EFConstruction = DefaultEFConstruction
	}

	if opts.EFSearch <= 0 {
		opts.EFSearch = DefaultEFSearch
	}

	if opts.DistanceFunc == nil {
		opts.DistanceFunc = distance.CosineDistance
	}

	var rng *rand.Rand
	if opts.RandomSeed != nil {
		rng = rand.New(rand.NewSource(*opts.RandomSeed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &HNSW{
		dimension:      opts.Dimension,
		mmax:           opts.M,
		mmax0:          mmax0Multiplier * opts.M,
		efConstruction: opts.EFConstruction,
		efSearch:       opts.EFSearch,
		heuristic:      opts.Heuristic,
		layerMult:      layerNormalizationBase / math.Log(float64(opts.M)),
		distanceFunc:   opts.DistanceFunc,
		nodes:          make(map[uint64]*node),
		tombstones:     roaring64.New(),
		rng:            rng,
		minQueuePool: &sync.Pool{
			New: func() any { return queue.NewMin(opts.EFConstruction) },
		},
		maxQueuePool: &sync.Pool{
			New: func() any { return queue.NewMax(opts.EFConstruction) },
		},
		visitedPool: &sync.Pool{
			New: func() any { return visited.New(1024) },
		},
	}, nil
}

// Insert adds a vector under the given ID. IDs must be unique for the
// lifetime of the graph; removed IDs cannot be reused.
func (h *HNSW) Insert(id uint64, vector []float32) error {
	if len(vector) != h.dimension {
		return &index.ErrDimensionMismatch{Expected: h.dimension, Actual: len(vector)}
	}

	vec := slices.Clone(vector)

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.nodes[id]; ok {
		return &index.ErrDuplicateID{ID: id}
	}

	layer := h.randomLayer()

	n := &node{
		id:     id,
		vector: vec,
		layer:  layer,
		conns:  make([][]uint64, layer+1),
	}

	if id > h.maxID {
		h.maxID = id
	}

	if !h.hasEntry {
		h.nodes[id] = n
		h.entryPoint = id
		h.hasEntry = true
		h.maxLayer = layer
		return nil
	}

	curr := h.entryPoint
	currDist := h.distanceFunc(vec, h.nodes[curr].vector)
	curr, currDist = h.descend(vec, curr, currDist, h.maxLayer, layer)

	for level := min(layer, h.maxLayer); level >= 0; level-- {
		results := h.searchLayer(vec, curr, currDist, level, h.efConstruction)
		neighbors := h.selectNeighbors(results, h.mmax)
		h.putMaxQueue(results)

		if len(neighbors) == 0 {
			continue
		}

		conns := make([]uint64, len(neighbors))
		for i, it := range neighbors {
			conns[i] = it.ID
		}
		n.conns[level] = conns

		// Closest neighbor seeds the search on the next layer down.
		curr = neighbors[0].ID
		currDist = neighbors[0].Distance
	}

	h.nodes[id] = n

	for level := len(n.conns) - 1; level >= 0; level-- {
		for _, neighbor := range n.conns[level] {
			h.link(neighbor, id, level)
		}
	}

	if layer > h.maxLayer {
		h.entryPoint = id
		h.maxLayer = layer
	}

	return nil
}

// Remove tombstones the given ID. The node keeps routing searches until the
// graph is rebuilt. Removing an unknown or already removed ID returns
// ErrNotFound.
func (h *HNSW) Remove(id uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.nodes[id]; !ok {
		return index.ErrNotFound
	}

	if h.tombstones.Contains(id) {
		return index.ErrNotFound
	}

	h.tombstones.Add(id)

	return nil
}

// Contains reports whether the given ID is present and live.
func (h *HNSW) Contains(id uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.nodes[id]

	return ok && !h.tombstones.Contains(id)
}

// Search returns up to k live vectors closest to query, in descending
// similarity order. Results at equal similarity are ordered by ascending ID,
// which matches insertion order. A non-positive ef falls back to the
// configured EFSearch.
func (h *HNSW) Search(query []float32, k, ef int) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}

	if len(query) != h.dimension {
		return nil, &index.ErrDimensionMismatch{Expected: h.dimension, Actual: len(query)}
	}

	if ef <= 0 {
		ef = h.efSearch
	}

	if ef < k {
		ef = k
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.hasEntry || h.liveLocked() == 0 {
		return nil, nil
	}

	curr := h.entryPoint
	currDist := h.distanceFunc(query, h.nodes[curr].vector)
	curr, currDist = h.descend(query, curr, currDist, h.maxLayer, 0)

	results := h.searchLayer(query, curr, currDist, 0, ef)
	defer h.putMaxQueue(results)

	for results.Len() > k {
		results.Pop()
	}

	out := make([]index.SearchResult, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item, _ := results.Pop()
		out[i] = index.SearchResult{
			ID:         item.ID,
			Similarity: distance.Clamp(1 - item.Distance),
		}
	}

	return out, nil
}

// BruteSearch scans every live vector and returns the exact k nearest in
// descending similarity order. It is the reference for recall measurements
// and keeps equal-similarity ties on insertion order like Search does.
func (h *HNSW) BruteSearch(query []float32, k int) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}

	if len(query) != h.dimension {
		return nil, &index.ErrDimensionMismatch{Expected: h.dimension, Actual: len(query)}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	top := h.getMaxQueue()
	defer h.putMaxQueue(top)

	for id, n := range h.nodes {
		if h.tombstones.Contains(id) {
			continue
		}

		d := h.distanceFunc(query, n.vector)

		if top.Len() < k {
			top.Push(queue.Item{ID: id, Distance: d})
			continue
		}

		worst, _ := top.Top()
		if d < worst.Distance || (d == worst.Distance && id < worst.ID) {
			top.Pop()
			top.Push(queue.Item{ID: id, Distance: d})
		}
	}

	out := make([]index.SearchResult, top.Len())
	for i := top.Len() - 1; i >= 0; i-- {
		item, _ := top.Pop()
		out[i] = index.SearchResult{
			ID:         item.ID,
			Similarity: distance.Clamp(1 - item.Distance),
		}
	}

	return out, nil
}

// Len returns the number of live vectors.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.liveLocked()
}

func (h *HNSW) liveLocked() int {
	return len(h.nodes) - int(h.tombstones.GetCardinality())
}

// randomLayer draws a layer from the exponential distribution used by HNSW.
func (h *HNSW) randomLayer() int {
	r := h.rng.Float64()
	for r == 0 {
		r = h.rng.Float64()
	}

	return int(math.Floor(-math.Log(r) * h.layerMult))
}

// descend greedily walks from fromLayer down to toLayer+1, keeping the
// closest node found on each layer as the entry for the next.
func (h *HNSW) descend(q []float32, curr uint64, currDist float32, fromLayer, toLayer int) (uint64, float32) {
	for level := fromLayer; level > toLayer; level-- {
		for changed := true; changed; {
			changed = false

			n := h.nodes[curr]
			if level >= len(n.conns) {
				break
			}

			for _, neighbor := range n.conns[level] {
				if d := h.distanceFunc(q, h.nodes[neighbor].vector); d < currDist {
					curr = neighbor
					currDist = d
					changed = true
				}
			}
		}
	}

	return curr, currDist
}

// searchLayer runs a best-first search over one layer and returns up to ef
// closest live nodes as a max-heap. Tombstoned nodes are traversed for
// routing but never enter the result set. The caller returns the queue to
// the pool.
func (h *HNSW) searchLayer(q []float32, entry uint64, entryDist float32, level, ef int) *queue.Queue {
	vis := h.visitedPool.Get().(*visited.Set)
	vis.Reset()
	vis.EnsureCapacity(int(h.maxID) + 1)

	candidates := h.getMinQueue()
	defer h.putMinQueue(candidates)

	results := h.getMaxQueue()

	vis.Visit(entry)
	candidates.Push(queue.Item{ID: entry, Distance: entryDist})

	if !h.tombstones.Contains(entry) {
		results.Push(queue.Item{ID: entry, Distance: entryDist})
	}

	for candidates.Len() > 0 {
		curr, _ := candidates.Pop()

		if worst, ok := results.Top(); ok && results.Len() >= ef && curr.Distance > worst.Distance {
			break
		}

		n := h.nodes[curr.ID]
		if level >= len(n.conns) {
			continue
		}

		for _, neighbor := range n.conns[level] {
			if vis.Seen(neighbor) {
				continue
			}
			vis.Visit(neighbor)

			d := h.distanceFunc(q, h.nodes[neighbor].vector)

			worst, ok := results.Top()
			if ok && results.Len() >= ef && d >= worst.Distance {
				continue
			}

			candidates.Push(queue.Item{ID: neighbor, Distance: d})

			if h.tombstones.Contains(neighbor) {
				continue
			}

			if results.Len() >= ef {
				results.Pop()
			}
			results.Push(queue.Item{ID: neighbor, Distance: d})
		}
	}

	h.visitedPool.Put(vis)

	return results
}

// selectNeighbors drains a max-heap of candidates and picks up to m
// connection targets, ordered closest first.
func (h *HNSW) selectNeighbors(results *queue.Queue, m int) []queue.Item {
	items := make([]queue.Item, results.Len())
	for i := len(items) - 1; i >= 0; i-- {
		items[i], _ = results.Pop()
	}

	if !h.heuristic {
		if len(items) > m {
			items = items[:m]
		}
		return items
	}

	return selectNeighborsHeuristic(items, m, h.distanceFunc, h.nodes)
}

// selectNeighborsHeuristic keeps a candidate only when it is closer to the
// query than to every neighbor already kept, which favors links spanning
// distinct regions of the graph. Pruned candidates backfill when fewer than
// m survive.
func selectNeighborsHeuristic(items []queue.Item, m int, distFunc distance.Func, nodes map[uint64]*node) []queue.Item {
	if len(items) <= m {
		return items
	}

	selected := make([]queue.Item, 0, m)
	pruned := make([]queue.Item, 0, len(items))

	for _, it := range items {
		if len(selected) >= m {
			break
		}

		keep := true
		for _, s := range selected {
			if distFunc(nodes[it.ID].vector, nodes[s.ID].vector) < it.Distance {
				keep = false
				break
			}
		}

		if keep {
			selected = append(selected, it)
		} else {
			pruned = append(pruned, it)
		}
	}

	for _, it := range pruned {
		if len(selected) >= m {
			break
		}
		selected = append(selected, it)
	}

	return selected
}

// link adds a backlink from an existing node to a newly inserted one,
// re-selecting the adjacency list when it exceeds the connection bound.
func (h *HNSW) link(from, to uint64, level int) {
	maxConns := h.mmax
	if level == 0 {
		maxConns = h.mmax0
	}

	n := h.nodes[from]
	n.conns[level] = append(n.conns[level], to)

	if len(n.conns[level]) <= maxConns {
		return
	}

	candidates := h.getMaxQueue()
	for _, id := range n.conns[level] {
		candidates.Push(queue.Item{ID: id, Distance: h.distanceFunc(n.vector, h.nodes[id].vector)})
	}

	selected := h.selectNeighbors(candidates, maxConns)
	h.putMaxQueue(candidates)

	conns := make([]uint64, len(selected))
	for i, it := range selected {
		conns[i] = it.ID
	}
	n.conns[level] = conns
}

func (h *HNSW) getMinQueue() *queue.Queue {
	q := h.minQueuePool.Get().(*queue.Queue)
	q.Reset()

	return q
}

func (h *HNSW) putMinQueue(q *queue.Queue) {
	h.minQueuePool.Put(q)
}

func (h *HNSW) getMaxQueue() *queue.Queue {
	q := h.maxQueuePool.Get().(*queue.Queue)
	q.Reset()

	return q
}

func (h *HNSW) putMaxQueue(q *queue.Queue) {
	h.maxQueuePool.Put(q)
}

// GraphDump is a deep copy of the graph state used by snapshot encoding.
type GraphDump struct {
	Dimension      int
	M              int
	EFConstruction int
	EFSearch       int
	Heuristic      bool
	HasEntryPoint  bool
	EntryPoint     uint64
	MaxLayer       int
	Nodes          []NodeDump
	Tombstones     []uint64
}

// NodeDump is a single exported graph vertex.
type NodeDump struct {
	ID     uint64
	Layer  int
	Vector []float32
	Conns  [][]uint64
}

// Export deep-copies the graph for snapshotting. Nodes are ordered by ID so
// the encoded form is deterministic.
func (h *HNSW) Export() *GraphDump {
	h.mu.RLock()
	defer h.mu.RUnlock()

	dump := &GraphDump{
		Dimension:      h.dimension,
		M:              h.mmax,
		EFConstruction: h.efConstruction,
		EFSearch:       h.efSearch,
		Heuristic:      h.heuristic,
		HasEntryPoint:  h.hasEntry,
		EntryPoint:     h.entryPoint,
		MaxLayer:       h.maxLayer,
		Nodes:          make([]NodeDump, 0, len(h.nodes)),
		Tombstones:     h.tombstones.ToArray(),
	}

	for _, n := range h.nodes {
		conns := make([][]uint64, len(n.conns))
		for i, c := range n.conns {
			conns[i] = slices.Clone(c)
		}

		dump.Nodes = append(dump.Nodes, NodeDump{
			ID:     n.id,
			Layer:  n.layer,
			Vector: slices.Clone(n.vector),
			Conns:  conns,
		})
	}

	sort.Slice(dump.Nodes, func(i, j int) bool { return dump.Nodes[i].ID < dump.Nodes[j].ID })

	return dump
}

// Import rebuilds a graph from an exported dump. The dump is validated for
// referential integrity so a truncated or corrupt snapshot fails loudly
// instead of producing a broken graph.
func Import(dump *GraphDump, optFns ...func(o *Options)) (*HNSW, error) {
	if dump == nil {
		return nil, errors.New("nil graph dump")
	}

	fromDump := func(o *Options) {
		o.Dimension = dump.Dimension
		o.M = dump.M
		o.EFConstruction = dump.EFConstruction
		o.EFSearch = dump.EFSearch
		o.Heuristic = dump.Heuristic
	}

	h, err := New(append([]func(o *Options){fromDump}, optFns...)...)
	if err != nil {
		return nil, err
	}

	for _, nd := range dump.Nodes {
		if len(nd.Vector) != h.dimension {
			return nil, &index.ErrDimensionMismatch{Expected: h.dimension, Actual: len(nd.Vector)}
		}

		if nd.Layer < 0 || len(nd.Conns) != nd.Layer+1 {
			return nil, fmt.Errorf("node %d: layer %d with %d adjacency lists", nd.ID, nd.Layer, len(nd.Conns))
		}

		if _, ok := h.nodes[nd.ID]; ok {
			return nil, &index.ErrDuplicateID{ID: nd.ID}
		}

		conns := make([][]uint64, len(nd.Conns))
		for i, c := range nd.Conns {
			conns[i] = slices.Clone(c)
		}

		h.nodes[nd.ID] = &node{
			id:     nd.ID,
			vector: slices.Clone(nd.Vector),
			layer:  nd.Layer,
			conns:  conns,
		}

		if nd.ID > h.maxID {
			h.maxID = nd.ID
		}
	}

	for _, nd := range dump.Nodes {
		for _, level := range nd.Conns {
			for _, target := range level {
				if _, ok := h.nodes[target]; !ok {
					return nil, fmt.Errorf("node %d: dangling connection to %d", nd.ID, target)
				}
			}
		}
	}

	for _, id := range dump.Tombstones {
		if _, ok := h.nodes[id]; !ok {
			return nil, fmt.Errorf("tombstone for unknown node %d", id)
		}
		h.tombstones.Add(id)
	}

	if dump.HasEntryPoint {
		if _, ok := h.nodes[dump.EntryPoint]; !ok {
			return nil, fmt.Errorf("entry point %d not present", dump.EntryPoint)
		}

		h.entryPoint = dump.EntryPoint
		h.hasEntry = true
		h.maxLayer = dump.MaxLayer
	} else if len(dump.Nodes) > 0 {
		return nil, errors.New("graph has nodes but no entry point")
	}

	return h, nil
}
