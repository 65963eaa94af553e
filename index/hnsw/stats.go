package hnsw

import (
	"fmt"

	"github.com/hupe1980/facematch/index"
)

// Stats returns a point-in-time snapshot of graph counters.
func (h *HNSW) Stats() index.Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return index.Stats{
		Nodes:      len(h.nodes),
		Live:       h.liveLocked(),
		Tombstones: int(h.tombstones.GetCardinality()),
		MaxLayer:   h.maxLayer,
	}
}

// String returns a string representation of the HNSW index.
func (h *HNSW) String() string {
	stats := h.Stats()

	return fmt.Sprintf("HNSW(M=%d, EFSearch=%d, Live=%d, Tombstones=%d, MaxLayer=%d)",
		h.mmax, h.efSearch, stats.Live, stats.Tombstones, stats.MaxLayer)
}
