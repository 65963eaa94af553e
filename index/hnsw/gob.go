package hnsw

import (
	"bytes"
	"encoding/gob"
)

// GobEncode implements gob.GobEncoder by serializing the exported graph dump.
func (h *HNSW) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(h.Export()); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder. The decoded dump runs through the same
// validation as Import, so a truncated or corrupt stream fails instead of
// producing a broken graph.
func (h *HNSW) GobDecode(data []byte) error {
	var dump GraphDump
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&dump); err != nil {
		return err
	}

	imported, err := Import(&dump)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.dimension = imported.dimension
	h.mmax = imported.mmax
	h.mmax0 = imported.mmax0
	h.efConstruction = imported.efConstruction
	h.efSearch = imported.efSearch
	h.heuristic = imported.heuristic
	h.layerMult = imported.layerMult
	h.distanceFunc = imported.distanceFunc
	h.nodes = imported.nodes
	h.entryPoint = imported.entryPoint
	h.hasEntry = imported.hasEntry
	h.maxLayer = imported.maxLayer
	h.maxID = imported.maxID
	h.tombstones = imported.tombstones
	h.rng = imported.rng
	h.minQueuePool = imported.minQueuePool
	h.maxQueuePool = imported.maxQueuePool
	h.visitedPool = imported.visitedPool

	return nil
}
