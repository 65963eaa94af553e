package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hupe1980/facematch/embedding"
)

// Compile-time check
var _ Store = (*Memory)(nil)

// Memory is an in-memory Store. Per-identity ID sets are kept as roaring
// bitmaps so identity deletion stays cheap at large enrollment counts.
type Memory struct {
	dimension int

	mu         sync.RWMutex
	records    map[uint64]embedding.Vector
	byIdentity map[string]*roaring64.Bitmap
	nextID     uint64
	closed     bool
}

// NewMemory creates an empty in-memory store for vectors of the given
// dimension.
func NewMemory(dimension int) *Memory {
	return &Memory{
		dimension:  dimension,
		records:    make(map[uint64]embedding.Vector),
		byIdentity: make(map[string]*roaring64.Bitmap),
	}
}

// Insert persists a record and returns it with ID and CreatedAt filled.
func (m *Memory) Insert(ctx context.Context, rec embedding.Vector) (embedding.Vector, error) {
	if err := ctx.Err(); err != nil {
		return embedding.Vector{}, err
	}

	if err := validateRecord(rec, m.dimension); err != nil {
		return embedding.Vector{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return embedding.Vector{}, ErrClosed
	}

	return m.insertLocked(rec, time.Now().UTC()), nil
}

// BatchInsert validates every record first, then persists them all with a
// shared creation timestamp.
func (m *Memory) BatchInsert(ctx context.Context, recs []embedding.Vector) ([]embedding.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, rec := range recs {
		if err := validateRecord(rec, m.dimension); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	now := time.Now().UTC()

	out := make([]embedding.Vector, 0, len(recs))
	for _, rec := range recs {
		out = append(out, m.insertLocked(rec, now))
	}

	return out, nil
}

func (m *Memory) insertLocked(rec embedding.Vector, now time.Time) embedding.Vector {
	m.nextID++

	stored := rec.Clone()
	stored.ID = m.nextID
	stored.CreatedAt = now

	m.records[stored.ID] = stored

	ids, ok := m.byIdentity[stored.Identity]
	if !ok {
		ids = roaring64.New()
		m.byIdentity[stored.Identity] = ids
	}
	ids.Add(stored.ID)

	return stored
}

// Get returns the record stored under id.
func (m *Memory) Get(ctx context.Context, id uint64) (embedding.Vector, error) {
	if err := ctx.Err(); err != nil {
		return embedding.Vector{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return embedding.Vector{}, ErrClosed
	}

	rec, ok := m.records[id]
	if !ok {
		return embedding.Vector{}, ErrNotFound
	}

	return rec.Clone(), nil
}

// DeleteIdentity removes every embedding of the identity under a single
// write lock and returns the removed IDs in ascending order.
func (m *Memory) DeleteIdentity(ctx context.Context, identity string) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	ids, ok := m.byIdentity[identity]
	if !ok || ids.IsEmpty() {
		return nil, ErrIdentityNotFound
	}

	removed := ids.ToArray()
	for _, id := range removed {
		delete(m.records, id)
	}
	delete(m.byIdentity, identity)

	return removed, nil
}

// Enumerate calls fn for every record in ID order. The read lock is held for
// the whole pass, so fn must not call back into the store.
func (m *Memory) Enumerate(ctx context.Context, fn func(rec embedding.Vector) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}

	ids := make([]uint64, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := fn(m.records[id].Clone()); err != nil {
			return err
		}
	}

	return nil
}

// Count returns the number of stored embeddings.
func (m *Memory) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrClosed
	}

	return len(m.records), nil
}

// CountIdentities returns the number of distinct identities.
func (m *Memory) CountIdentities(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrClosed
	}

	return len(m.byIdentity), nil
}

// Close marks the store closed. Records are released to the garbage
// collector when the store itself goes away.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}
