// Package visited tracks which graph nodes a search pass has touched.
package visited

// Set is a bitset with a dirty list so a pooled instance resets in time
// proportional to the nodes actually visited, not the graph size.
type Set struct {
	bits  []uint64
	dirty []uint64
}

// New creates a set sized for capacity node IDs.
func New(capacity int) *Set {
	return &Set{
		bits:  make([]uint64, (capacity+63)/64),
		dirty: make([]uint64, 0, 128),
	}
}

// Visit marks id as seen.
func (s *Set) Visit(id uint64) {
	word := int(id >> 6)
	mask := uint64(1) << (id & 63)

	if word >= len(s.bits) {
		s.grow(word + 1)
	}

	if s.bits[word]&mask == 0 {
		s.bits[word] |= mask
		s.dirty = append(s.dirty, id)
	}
}

// Seen reports whether id was visited since the last Reset.
func (s *Set) Seen(id uint64) bool {
	word := int(id >> 6)
	if word >= len(s.bits) {
		return false
	}
	return s.bits[word]&(uint64(1)<<(id&63)) != 0
}

// Reset clears only the bits touched since the last Reset.
func (s *Set) Reset() {
	for _, id := range s.dirty {
		s.bits[id>>6] &^= uint64(1) << (id & 63)
	}
	s.dirty = s.dirty[:0]
}

// EnsureCapacity grows the bitset to hold at least capacity node IDs.
func (s *Set) EnsureCapacity(capacity int) {
	words := (capacity + 63) / 64
	if words > len(s.bits) {
		s.grow(words)
	}
}

func (s *Set) grow(words int) {
	newCap := len(s.bits) * 2
	if newCap < words {
		newCap = words
	}
	next := make([]uint64, newCap)
	copy(next, s.bits)
	s.bits = next
}
