// Package queue provides value-based binary heaps for graph search
// frontiers and result sets.
package queue

// Item is a candidate entry ordered by distance. Ties at equal distance
// order by ID: IDs are assigned in insertion order, so the earliest
// insertion ranks first and results stay reproducible run to run.
type Item struct {
	ID       uint64
	Distance float32
}

// Queue is a binary heap of Items. Value-based storage, no pointer
// indirection, zero allocations in steady state when reused via Reset.
type Queue struct {
	isMaxHeap bool
	items     []Item
}

// NewMin initializes a min-heap (closest candidate on top).
func NewMin(capacity int) *Queue {
	return &Queue{
		isMaxHeap: false,
		items:     make([]Item, 0, capacity),
	}
}

// NewMax initializes a max-heap (farthest candidate on top).
func NewMax(capacity int) *Queue {
	return &Queue{
		isMaxHeap: true,
		items:     make([]Item, 0, capacity),
	}
}

// Len returns the number of elements in the queue.
func (q *Queue) Len() int { return len(q.items) }

// Reset empties the queue, keeping the backing array for reuse.
func (q *Queue) Reset() {
	q.items = q.items[:0]
}

// Top returns the top element without removing it.
func (q *Queue) Top() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// Push inserts an item while maintaining the heap invariant.
func (q *Queue) Push(item Item) {
	q.items = append(q.items, item)
	q.siftUp(len(q.items) - 1)
}

// Pop removes and returns the top element while maintaining the heap
// invariant.
func (q *Queue) Pop() (Item, bool) {
	n := len(q.items)
	if n == 0 {
		return Item{}, false
	}
	root := q.items[0]
	last := q.items[n-1]
	q.items[n-1] = Item{}
	q.items = q.items[:n-1]
	if n-1 > 0 {
		q.items[0] = last
		q.siftDown(0)
	}
	return root, true
}

// Items exposes the backing slice in heap order, for callers that sort
// or scan a drained copy themselves.
func (q *Queue) Items() []Item { return q.items }

// less is the heap ordering. For the max-heap the tie-break inverts so
// that at equal distance the latest insertion sits on top and is the
// first evicted, keeping the earliest.
func (q *Queue) less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if q.isMaxHeap {
		if a.Distance != b.Distance {
			return a.Distance > b.Distance
		}
		return a.ID > b.ID
	}
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}

func (q *Queue) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !q.less(i, p) {
			return
		}
		q.items[i], q.items[p] = q.items[p], q.items[i]
		i = p
	}
}

func (q *Queue) siftDown(i int) {
	n := len(q.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && q.less(r, l) {
			best = r
		}
		if !q.less(best, i) {
			return
		}
		q.items[i], q.items[best] = q.items[best], q.items[i]
		i = best
	}
}
