package ratelimit

import "container/heap"

// QueuedRequest models spec.md §3's QueuedRequest: an execute-callable with
// a priority and enqueue sequence, used for FIFO tie-break within a
// priority band.
type QueuedRequest struct {
	Execute    func()
	Priority   int
	EnqueuedAt int64 // monotonic sequence, not wall time; see PriorityQueue.Enqueue

	index int // heap bookkeeping
}

// priorityHeap backs PriorityQueue with container/heap, giving amortized
// O(log n) push/pop as required by spec.md §4.1.
type priorityHeap []*QueuedRequest

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority // higher priority first
	}
	return h[i].EnqueuedAt < h[j].EnqueuedAt // earlier enqueue first
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	r := x.(*QueuedRequest)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}

// PriorityQueue implements spec.md §4.1's comparator: (-priority,
// enqueue_ts), i.e. higher priority first, FIFO within a priority band.
// It is not safe for concurrent use without external locking (callers in
// this package hold their own mutex around it).
type PriorityQueue struct {
	h   priorityHeap
	seq int64
}

// NewPriorityQueue returns an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{}
}

// Enqueue adds req, stamping its FIFO sequence number.
func (q *PriorityQueue) Enqueue(req *QueuedRequest) {
	req.EnqueuedAt = q.seq
	q.seq++
	heap.Push(&q.h, req)
}

// Dequeue removes and returns the highest-priority, earliest-enqueued
// request, or nil if empty.
func (q *PriorityQueue) Dequeue() *QueuedRequest {
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*QueuedRequest)
}

// Peek returns the next request to be dequeued, without removing it.
func (q *PriorityQueue) Peek() *QueuedRequest {
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

// Size returns the number of queued requests.
func (q *PriorityQueue) Size() int {
	return len(q.h)
}
