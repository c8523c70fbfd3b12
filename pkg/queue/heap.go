package queue

import (
	"container/heap"
	"time"

	"github.com/drover-io/drover/pkg/types"
)

// item is a queue entry: ordering is higher priority first, then earlier
// creation time, then submission sequence as the final tiebreak.
type item struct {
	jobID     string
	priority  types.JobPriority
	createdAt time.Time
	seq       uint64
	index     int
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].createdAt.Equal(h[j].createdAt) {
		return h[i].createdAt.Before(h[j].createdAt)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

func (h *itemHeap) push(it *item) { heap.Push(h, it) }

func (h *itemHeap) pop() *item {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*item)
}
