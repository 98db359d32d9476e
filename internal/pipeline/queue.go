package pipeline

import "github.com/MrWong99/voxline/pkg/frame"

// entry wraps a [frame.Frame] with scheduling metadata for the priority queue.
// The seq field provides FIFO ordering within the same priority class.
type entry struct {
	frame    frame.Frame
	dir      frame.Direction
	priority frame.Priority
	seq      uint64 // monotonic insertion order for FIFO tie-breaking
}

// entryHeap implements [container/heap.Interface] as a min-heap ordered by
// priority class (system first), with FIFO tie-breaking on seq.
type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

// Less reports whether element i should be dequeued before element j.
func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(entry))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}
