package egress

// itemHeap implements container/heap.Interface as a max-heap ordered by
// priority, with FIFO tie-breaking on seq. Playback is strictly first-in
// first-out; priority only lets the greeting jump utterances that have not
// started playing.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x. Called by container/heap; not for direct use.
func (h *itemHeap) Push(x any) {
	*h = append(*h, x.(*Item))
}

// Pop removes and returns the last element. Called by container/heap; not
// for direct use.
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// drainAll empties the heap and returns every queued item.
func (h *itemHeap) drainAll() []*Item {
	out := make([]*Item, len(*h))
	copy(out, *h)
	*h = (*h)[:0]
	return out
}
