package ingest

import (
	"container/heap"
)

// planned is one delayed output message.
type planned struct {
	due  uint64
	seq  uint64
	msg  [3]byte
	dest int
}

// plannedHeap orders by due time, then by scheduling order.
type plannedHeap []planned

func (h plannedHeap) Len() int { return len(h) }
func (h plannedHeap) Less(i, j int) bool {
	if h[i].due != h[j].due {
		return h[i].due < h[j].due
	}
	return h[i].seq < h[j].seq
}
func (h plannedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *plannedHeap) Push(x interface{}) { *h = append(*h, x.(planned)) }
func (h *plannedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Scheduler holds delayed notes in a min-heap with fixed capacity.
type Scheduler struct {
	queue   plannedHeap
	seq     uint64
	dropped uint64
}

func NewScheduler(maxPending int) *Scheduler {
	if maxPending < 1 {
		maxPending = 1
	}
	return &Scheduler{queue: make(plannedHeap, 0, maxPending)}
}

// Schedule queues msg for dest at due. It returns false, and counts the
// drop, when the scheduler is full.
func (s *Scheduler) Schedule(due uint64, dest int, msg [3]byte) bool {
	if len(s.queue) == cap(s.queue) {
		s.dropped++
		return false
	}
	s.seq++
	heap.Push(&s.queue, planned{due: due, seq: s.seq, msg: msg, dest: dest})
	return true
}

// FlushDue pops every message due at or before now, in due order.
func (s *Scheduler) FlushDue(now uint64, send func(dest int, msg []byte)) int {
	flushed := 0
	for s.queue.Len() > 0 && s.queue[0].due <= now {
		pc := heap.Pop(&s.queue).(planned)
		send(pc.dest, pc.msg[:])
		flushed++
	}
	return flushed
}

// Next returns the earliest due time.
func (s *Scheduler) Next() (uint64, bool) {
	if len(s.queue) == 0 {
		return 0, false
	}
	return s.queue[0].due, true
}

func (s *Scheduler) Len() int { return len(s.queue) }

// Dropped counts notes rejected because the scheduler was full.
func (s *Scheduler) Dropped() uint64 { return s.dropped }

// Clear discards every pending message.
func (s *Scheduler) Clear() {
	s.queue = s.queue[:0]
}
