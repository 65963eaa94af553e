// Package snapshot persists engine state, the embedding records plus the
// ANN graph, as a single self-verifying blob.
//
// A snapshot is a plain 64-byte header, a compressed payload, and an
// 8-byte footer holding a CRC32 over header and payload. The checksum
// lives at the end so writers can stream to non-seekable destinations
// such as object-store uploads; loaders verify it with one ranged read
// for the footer and one for the rest.
//
// The graph section carries its own copy of every node vector. Graph
// nodes and store records are not one-to-one, a tombstoned node has no
// record anymore, so the sections stay independent.
package snapshot

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/hupe1980/facematch/blobstore"
	"github.com/hupe1980/facematch/embedding"
	"github.com/hupe1980/facematch/index/hnsw"
)

const (
	bufferSize = 256 * 1024

	// Decode-side plausibility bounds. They keep corrupt count fields
	// from allocating unbounded memory before the checksum is verified.
	layerCap = 128
	connsCap = 1 << 20
	allocCap = 1 << 20
)

// Snapshot is a point-in-time image of the engine's durable state.
type Snapshot struct {
	// Dimension is the vector dimensionality shared by all records and
	// graph nodes.
	Dimension int

	// CreatedAt is when the snapshot was taken.
	CreatedAt time.Time

	// Records are the embedding records, in ascending ID order.
	Records []embedding.Vector

	// Graph is the exported ANN graph, or nil when the snapshot carries
	// records only and the graph must be rebuilt after loading.
	Graph *hnsw.GraphDump
}

// Write streams snap to w in snapshot format. The caller owns w and is
// responsible for closing it afterwards.
func Write(w io.Writer, snap *Snapshot, codec Codec) error {
	if snap.Dimension <= 0 {
		return fmt.Errorf("invalid snapshot dimension %d", snap.Dimension)
	}

	bw := bufio.NewWriterSize(w, bufferSize)
	cw := newChecksumWriter(bw)

	hdr := header{
		Magic:     Magic,
		Version:   Version,
		Codec:     uint8(codec),
		Dimension: uint32(snap.Dimension),
		Count:     uint64(len(snap.Records)),
		CreatedAt: snap.CreatedAt.UnixNano(),
	}
	if snap.Graph != nil {
		hdr.HasGraph = 1
	}
	if err := binary.Write(cw, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	comp, err := newCompressor(cw, codec)
	if err != nil {
		return err
	}

	enc := &encoder{w: comp}
	if err := writeRecords(enc, snap.Records, snap.Dimension); err != nil {
		return err
	}
	if snap.Graph != nil {
		if err := writeGraph(enc, snap.Graph, snap.Dimension); err != nil {
			return err
		}
	}

	if err := comp.Close(); err != nil {
		return fmt.Errorf("flush compressor: %w", err)
	}

	// The footer goes out raw; the checksum covers everything before it.
	var footer [footerSize]byte
	binary.LittleEndian.PutUint32(footer[0:4], cw.Sum())
	binary.LittleEndian.PutUint32(footer[4:8], FooterMagic)
	if _, err := bw.Write(footer[:]); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}

	return bw.Flush()
}

// Load reads and verifies a snapshot from a blob. Truncation surfaces as
// ErrTruncated, bit rot as a ChecksumMismatchError.
func Load(ctx context.Context, blob blobstore.Blob) (*Snapshot, error) {
	size := blob.Size()
	if size < headerSize+footerSize {
		return nil, ErrTruncated
	}

	var footer [footerSize]byte
	if _, err := blob.ReadAt(ctx, footer[:], size-footerSize); err != nil {
		return nil, fmt.Errorf("read footer: %w", err)
	}
	if binary.LittleEndian.Uint32(footer[4:8]) != FooterMagic {
		return nil, ErrTruncated
	}
	want := binary.LittleEndian.Uint32(footer[0:4])

	rc, err := blob.ReadRange(ctx, 0, size-footerSize)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	defer rc.Close()

	cr := newChecksumReader(bufio.NewReaderSize(rc, bufferSize))

	var hdr header
	if err := binary.Read(cr, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if hdr.Magic != Magic {
		return nil, fmt.Errorf("%w: 0x%08x", ErrInvalidMagic, hdr.Magic)
	}
	if hdr.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, hdr.Version)
	}
	if hdr.Dimension == 0 {
		return nil, fmt.Errorf("invalid snapshot dimension %d", hdr.Dimension)
	}

	dec, err := newDecompressor(cr, Codec(hdr.Codec))
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	d := &decoder{r: dec}
	snap := &Snapshot{
		Dimension: int(hdr.Dimension),
		CreatedAt: time.Unix(0, hdr.CreatedAt).UTC(),
	}

	snap.Records, err = readRecords(d, hdr.Count, int(hdr.Dimension))
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}

	if hdr.HasGraph == 1 {
		snap.Graph, err = readGraph(d, int(hdr.Dimension))
		if err != nil {
			return nil, fmt.Errorf("read graph: %w", err)
		}
	}

	// The decompressor may have buffered payload bytes it never returned.
	// Pull the remainder through the checksum before verifying.
	if _, err := io.Copy(io.Discard, cr); err != nil {
		return nil, fmt.Errorf("drain payload: %w", err)
	}

	if err := cr.Verify(want); err != nil {
		return nil, err
	}

	return snap, nil
}

func writeRecords(enc *encoder, records []embedding.Vector, dim int) error {
	for i := range records {
		rec := &records[i]
		if len(rec.Vector) != dim {
			return fmt.Errorf("record %d: dimension %d, want %d", rec.ID, len(rec.Vector), dim)
		}
		if err := enc.uint64(rec.ID); err != nil {
			return err
		}
		if err := enc.uint64(uint64(rec.CreatedAt.UnixNano())); err != nil {
			return err
		}
		if err := enc.uint32(math.Float32bits(rec.Confidence)); err != nil {
			return err
		}
		if err := enc.str(rec.Identity); err != nil {
			return err
		}
		if err := enc.float32s(rec.Vector); err != nil {
			return err
		}
	}
	return nil
}

func readRecords(d *decoder, count uint64, dim int) ([]embedding.Vector, error) {
	records := make([]embedding.Vector, 0, min(count, allocCap))
	for i := uint64(0); i < count; i++ {
		id, err := d.uint64()
		if err != nil {
			return nil, err
		}
		createdAt, err := d.uint64()
		if err != nil {
			return nil, err
		}
		confidence, err := d.uint32()
		if err != nil {
			return nil, err
		}
		identity, err := d.str()
		if err != nil {
			return nil, err
		}
		vector, err := d.float32s(dim)
		if err != nil {
			return nil, err
		}
		records = append(records, embedding.Vector{
			ID:         id,
			Identity:   identity,
			Vector:     vector,
			Confidence: math.Float32frombits(confidence),
			CreatedAt:  time.Unix(0, int64(createdAt)).UTC(),
		})
	}
	return records, nil
}

func writeGraph(enc *encoder, g *hnsw.GraphDump, dim int) error {
	if err := enc.uint32(uint32(g.M)); err != nil {
		return err
	}
	if err := enc.uint32(uint32(g.EFConstruction)); err != nil {
		return err
	}
	if err := enc.uint32(uint32(g.EFSearch)); err != nil {
		return err
	}
	if err := enc.bool(g.Heuristic); err != nil {
		return err
	}
	if err := enc.bool(g.HasEntryPoint); err != nil {
		return err
	}
	if err := enc.uint64(g.EntryPoint); err != nil {
		return err
	}
	if err := enc.uint32(uint32(g.MaxLayer)); err != nil {
		return err
	}

	if err := enc.uint64(uint64(len(g.Nodes))); err != nil {
		return err
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if len(n.Vector) != dim {
			return fmt.Errorf("graph node %d: dimension %d, want %d", n.ID, len(n.Vector), dim)
		}
		if len(n.Conns) != n.Layer+1 {
			return fmt.Errorf("graph node %d: %d connection lists for layer %d", n.ID, len(n.Conns), n.Layer)
		}
		if err := enc.uint64(n.ID); err != nil {
			return err
		}
		if err := enc.uint32(uint32(n.Layer)); err != nil {
			return err
		}
		if err := enc.float32s(n.Vector); err != nil {
			return err
		}
		for _, conns := range n.Conns {
			if err := enc.uint32(uint32(len(conns))); err != nil {
				return err
			}
			if err := enc.uint64s(conns); err != nil {
				return err
			}
		}
	}

	if err := enc.uint64(uint64(len(g.Tombstones))); err != nil {
		return err
	}
	return enc.uint64s(g.Tombstones)
}

func readGraph(d *decoder, dim int) (*hnsw.GraphDump, error) {
	g := &hnsw.GraphDump{Dimension: dim}

	m, err := d.uint32()
	if err != nil {
		return nil, err
	}
	g.M = int(m)
	efc, err := d.uint32()
	if err != nil {
		return nil, err
	}
	g.EFConstruction = int(efc)
	efs, err := d.uint32()
	if err != nil {
		return nil, err
	}
	g.EFSearch = int(efs)
	if g.Heuristic, err = d.bool(); err != nil {
		return nil, err
	}
	if g.HasEntryPoint, err = d.bool(); err != nil {
		return nil, err
	}
	if g.EntryPoint, err = d.uint64(); err != nil {
		return nil, err
	}
	maxLayer, err := d.uint32()
	if err != nil {
		return nil, err
	}
	if maxLayer > layerCap {
		return nil, fmt.Errorf("implausible graph max layer %d", maxLayer)
	}
	g.MaxLayer = int(maxLayer)

	nodeCount, err := d.uint64()
	if err != nil {
		return nil, err
	}
	g.Nodes = make([]hnsw.NodeDump, 0, min(nodeCount, allocCap))
	for i := uint64(0); i < nodeCount; i++ {
		var n hnsw.NodeDump
		if n.ID, err = d.uint64(); err != nil {
			return nil, err
		}
		layer, err := d.uint32()
		if err != nil {
			return nil, err
		}
		if layer > layerCap {
			return nil, fmt.Errorf("graph node %d: implausible layer %d", n.ID, layer)
		}
		n.Layer = int(layer)
		if n.Vector, err = d.float32s(dim); err != nil {
			return nil, err
		}
		n.Conns = make([][]uint64, n.Layer+1)
		for level := 0; level <= n.Layer; level++ {
			count, err := d.uint32()
			if err != nil {
				return nil, err
			}
			if count > connsCap {
				return nil, fmt.Errorf("graph node %d: implausible connection count %d", n.ID, count)
			}
			if n.Conns[level], err = d.uint64s(int(count)); err != nil {
				return nil, err
			}
		}
		g.Nodes = append(g.Nodes, n)
	}

	tombCount, err := d.uint64()
	if err != nil {
		return nil, err
	}
	if tombCount > nodeCount {
		return nil, fmt.Errorf("implausible tombstone count %d for %d nodes", tombCount, nodeCount)
	}
	if g.Tombstones, err = d.uint64s(int(tombCount)); err != nil {
		return nil, err
	}

	return g, nil
}
