// Package routing publishes node-to-node weight and delay matrices to the
// realtime MIDI path without locks on the reader side.
//
// The table owns exactly two Matrices values. One is live and read by the
// realtime path, the other is the only one configuration code may write.
// Publishing swaps an atomic index, so a reader sees either the old or the new
// pair in full.
package routing

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PixPMusic/mioc-router/internal/mioc"
	"github.com/pkg/errors"
)

// Size is the matrix dimension: the monitor node plus every tapper.
const Size = mioc.MaxNodes + 1

// Matrix is indexed [from][to].
type Matrix [Size][Size]float64

// Matrices is one published routing state. Weight 0 means no route; any other
// value scales velocity. Delay is in milliseconds, 0 is immediate. Input holds
// the velocity chain applied to each source node before weighting, Output the
// one applied to each destination after it.
type Matrices struct {
	Weight Matrix
	Delay  Matrix
	Input  [Size]mioc.VelocityChain
	Output [Size]mioc.VelocityChain
}

var ErrNotPending = errors.New("matrices are not the pending update")

// Table is a double-buffered routing table.
type Table struct {
	slots   [2]Matrices
	readers [2]atomic.Int32
	live    atomic.Int32

	// pending is the slot handed out by BeginUpdate, -1 when none.
	pending int32

	mu sync.Mutex // serialises Update; BeginUpdate/Publish callers serialise themselves
}

// NewTable returns a table with no routes.
func NewTable() *Table {
	return &Table{pending: -1}
}

// View pins one published Matrices until Release.
type View struct {
	m       *Matrices
	readers *atomic.Int32
}

// Matrices returns the pinned pair. Nil for the zero View.
func (v View) Matrices() *Matrices { return v.m }

// Release unpins the view. Safe to call on the zero View.
func (v View) Release() {
	if v.readers != nil {
		v.readers.Add(-1)
	}
}

// Snapshot returns the live matrices. It never blocks or allocates and is
// safe to call from the realtime path. The caller must Release the view
// before the next snapshot it takes.
func (t *Table) Snapshot() View {
	for {
		idx := t.live.Load()
		t.readers[idx].Add(1)
		if t.live.Load() == idx {
			return View{m: &t.slots[idx], readers: &t.readers[idx]}
		}
		// published between load and pin; retry on the new slot
		t.readers[idx].Add(-1)
	}
}

// BeginUpdate returns the non-live matrices, pre-filled with the live state,
// for in-place editing. It waits for realtime readers still pinned on the
// previous generation to release it.
func (t *Table) BeginUpdate() *Matrices {
	m := t.begin()
	*m = t.slots[t.live.Load()]
	return m
}

// BeginEmptyUpdate is BeginUpdate without copying the live state.
func (t *Table) BeginEmptyUpdate() *Matrices {
	m := t.begin()
	*m = Matrices{}
	return m
}

func (t *Table) begin() *Matrices {
	idx := 1 - t.live.Load()
	t.waitForReaders(idx)
	t.pending = idx
	return &t.slots[idx]
}

func (t *Table) waitForReaders(idx int32) {
	for spins := 0; t.readers[idx].Load() != 0; spins++ {
		if spins < 64 {
			runtime.Gosched()
			continue
		}
		time.Sleep(50 * time.Microsecond)
	}
}

// Publish makes m live. m must be the value returned by the last BeginUpdate.
func (t *Table) Publish(m *Matrices) error {
	if t.pending < 0 || m != &t.slots[t.pending] {
		return ErrNotPending
	}
	t.live.Store(t.pending)
	t.pending = -1
	return nil
}

// Update runs fn on an editable copy of the live matrices and publishes it.
func (t *Table) Update(fn func(m *Matrices)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.BeginUpdate()
	fn(m)
	_ = t.Publish(m)
}

// SetRoute sets one weight and delay.
func (t *Table) SetRoute(from, to int, weight, delayMs float64) error {
	if from < 0 || from >= Size || to < 0 || to >= Size {
		return errors.Errorf("route %d->%d outside %dx%d table", from, to, Size, Size)
	}
	t.Update(func(m *Matrices) {
		m.Weight[from][to] = weight
		m.Delay[from][to] = delayMs
	})
	return nil
}

// Load replaces both matrices, keeping the velocity chains.
func (t *Table) Load(weight, delay Matrix) {
	t.Update(func(m *Matrices) {
		m.Weight = weight
		m.Delay = delay
	})
}

// Clear removes every route and velocity chain.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	_ = t.Publish(t.BeginEmptyUpdate())
}
