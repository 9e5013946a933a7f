package dispatch

import "container/heap"

// rawRead is one queued platform read. Ordered by priority, then by
// enqueue sequence so equal-priority reads leave the queue in arrival
// order.
type rawRead struct {
	block    *rawBlock
	priority Priority
	seq      uint64
	index    int
}

// readQueue is the single I/O worker's pending read heap. Guarded by
// the dispatcher state lock.
type readQueue struct {
	items []*rawRead
	seq   uint64
}

func (q *readQueue) push(raw *rawBlock, prio Priority) *rawRead {
	rr := &rawRead{block: raw, priority: prio, seq: q.seq}
	q.seq++
	heap.Push((*readHeap)(q), rr)
	return rr
}

func (q *readQueue) pop() *rawRead {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop((*readHeap)(q)).(*rawRead)
}

// raise bumps a queued read to a higher priority in place.
func (q *readQueue) raise(rr *rawRead, prio Priority) {
	if prio <= rr.priority {
		return
	}
	rr.priority = prio
	heap.Fix((*readHeap)(q), rr.index)
}

func (q *readQueue) len() int { return len(q.items) }

type readHeap readQueue

func (h *readHeap) Len() int { return len(h.items) }

func (h *readHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

func (h *readHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *readHeap) Push(x any) {
	rr := x.(*rawRead)
	rr.index = len(h.items)
	h.items = append(h.items, rr)
}

func (h *readHeap) Pop() any {
	old := h.items
	n := len(old)
	rr := old[n-1]
	old[n-1] = nil
	rr.index = -1
	h.items = old[:n-1]
	return rr
}
