package ingest

import (
	"sync/atomic"
)

// SlotSize is the payload capacity of one ring slot. Longer packets span
// several slots.
const SlotSize = 64

type slot struct {
	seq  atomic.Uint64
	ts   uint64
	n    uint8
	data [SlotSize]byte
}

// Ring is a bounded lock-free queue of MIDI byte chunks with one producer and
// one consumer. When it is full the producer discards the oldest chunk rather
// than wait.
type Ring struct {
	slots []slot
	mask  uint64

	_    [56]byte
	tail atomic.Uint64 // producer
	_    [56]byte
	head atomic.Uint64 // consumer, and producer when discarding

	dropped atomic.Uint64
	lost    atomic.Uint64
}

// NewRing sizes the ring to hold at least capacityBytes of payload.
func NewRing(capacityBytes int) *Ring {
	n := (capacityBytes + SlotSize - 1) / SlotSize
	size := 2
	for size < n {
		size <<= 1
	}
	r := &Ring{slots: make([]slot, size), mask: uint64(size - 1)}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

// Slots returns the number of slots.
func (r *Ring) Slots() int { return len(r.slots) }

// Capacity returns the payload capacity in bytes.
func (r *Ring) Capacity() int { return len(r.slots) * SlotSize }

// Write copies data into the ring. It never blocks or allocates. It returns
// false if any part of data could not be stored.
func (r *Ring) Write(data []byte, ts uint64) bool {
	ok := true
	for len(data) > 0 {
		n := len(data)
		if n > SlotSize {
			n = SlotSize
		}
		if !r.push(data[:n], ts) {
			ok = false
		}
		data = data[n:]
	}
	return ok
}

func (r *Ring) push(chunk []byte, ts uint64) bool {
	pos := r.tail.Load()
	s := &r.slots[pos&r.mask]
	if s.seq.Load() != pos {
		// full: make room by discarding the oldest chunk
		r.discard()
		if s.seq.Load() != pos {
			// the consumer is still reading the slot we need
			r.lost.Add(1)
			return false
		}
	}
	r.tail.Store(pos + 1)
	s.n = uint8(copy(s.data[:], chunk))
	s.ts = ts
	s.seq.Store(pos + 1)
	return true
}

func (r *Ring) discard() bool {
	for {
		pos := r.head.Load()
		s := &r.slots[pos&r.mask]
		seq := s.seq.Load()
		if seq != pos+1 {
			return false
		}
		if r.head.CompareAndSwap(pos, pos+1) {
			s.seq.Store(pos + r.mask + 1)
			r.dropped.Add(1)
			return true
		}
	}
}

// Read copies the oldest chunk into buf and returns its length and timestamp.
// ok is false when the ring is empty.
func (r *Ring) Read(buf *[SlotSize]byte) (n int, ts uint64, ok bool) {
	for {
		pos := r.head.Load()
		s := &r.slots[pos&r.mask]
		if s.seq.Load() != pos+1 {
			return 0, 0, false
		}
		if !r.head.CompareAndSwap(pos, pos+1) {
			// the producer discarded it first
			continue
		}
		n = copy(buf[:], s.data[:s.n])
		ts = s.ts
		s.seq.Store(pos + r.mask + 1)
		return n, ts, true
	}
}

// Len is the number of occupied slots. Approximate under concurrency.
func (r *Ring) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Dropped counts chunks discarded to make room for newer data.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }

// Lost counts chunks that could not be stored at all.
func (r *Ring) Lost() uint64 { return r.lost.Load() }
