package message

import (
	"container/heap"
)

// Reassembler restores sequence order for segments that arrive on
// independent streams. It is not safe for concurrent use.
type Reassembler struct {
	next     uint64
	queue    segmentHeap
	pending  map[uint64]struct{}
	buffered int
}

func NewReassembler() *Reassembler {
	r := &Reassembler{
		pending: make(map[uint64]struct{}),
	}
	heap.Init(&r.queue)
	return r
}

// Push stores a segment. Segments already delivered or already pending are
// dropped and Push reports false.
func (r *Reassembler) Push(seg SegmentMessage) bool {
	if seg.Sequence < r.next {
		return false
	}
	if _, ok := r.pending[seg.Sequence]; ok {
		return false
	}

	r.pending[seg.Sequence] = struct{}{}
	r.buffered += len(seg.Payload)
	heap.Push(&r.queue, seg)

	return true
}

// Pop returns the next in-order payload, or false while it is still missing.
func (r *Reassembler) Pop() ([]byte, bool) {
	if r.queue.Len() == 0 || r.queue[0].Sequence != r.next {
		return nil, false
	}

	seg := heap.Pop(&r.queue).(SegmentMessage)
	delete(r.pending, seg.Sequence)
	r.buffered -= len(seg.Payload)
	r.next++

	return seg.Payload, true
}

// Ready reports whether Pop would return a payload.
func (r *Reassembler) Ready() bool {
	return r.queue.Len() > 0 && r.queue[0].Sequence == r.next
}

// Next returns the sequence number Pop is waiting for.
func (r *Reassembler) Next() uint64 {
	return r.next
}

// Buffered returns the number of payload bytes held.
func (r *Reassembler) Buffered() int {
	return r.buffered
}

// Len returns the number of held segments.
func (r *Reassembler) Len() int {
	return r.queue.Len()
}

// Reset drops every held segment.
func (r *Reassembler) Reset() {
	r.queue = r.queue[:0]
	clear(r.pending)
	r.buffered = 0
}

var _ heap.Interface = (*segmentHeap)(nil)

type segmentHeap []SegmentMessage

func (h segmentHeap) Len() int {
	return len(h)
}

func (h segmentHeap) Less(i, j int) bool {
	return h[i].Sequence < h[j].Sequence
}

func (h segmentHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *segmentHeap) Push(x any) {
	*h = append(*h, x.(SegmentMessage))
}

func (h *segmentHeap) Pop() any {
	old := *h
	n := len(old)
	seg := old[n-1]
	old[n-1] = SegmentMessage{}
	*h = old[:n-1]
	return seg
}
