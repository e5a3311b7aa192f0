package routing

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/PixPMusic/mioc-router/internal/mioc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(m *Matrices, v float64) {
	for i := range m.Weight {
		for j := range m.Weight[i] {
			m.Weight[i][j] = v
			m.Delay[i][j] = v
		}
	}
}

func TestNewTableIsEmpty(t *testing.T) {
	table := NewTable()
	view := table.Snapshot()
	defer view.Release()

	assert.Equal(t, Matrix{}, view.Matrices().Weight)
	assert.Equal(t, Matrix{}, view.Matrices().Delay)
}

func TestBeginUpdateDoesNotTouchLive(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.SetRoute(1, 2, 0.5, 20))

	m := table.BeginUpdate()
	assert.Equal(t, 0.5, m.Weight[1][2], "editable copy starts from live state")
	m.Weight[1][2] = 0.9

	view := table.Snapshot()
	assert.Equal(t, 0.5, view.Matrices().Weight[1][2])
	view.Release()

	require.NoError(t, table.Publish(m))

	view = table.Snapshot()
	assert.Equal(t, 0.9, view.Matrices().Weight[1][2])
	assert.Equal(t, 20.0, view.Matrices().Delay[1][2])
	view.Release()
}

func TestBeginEmptyUpdate(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.SetRoute(3, 4, 1, 0))

	m := table.BeginEmptyUpdate()
	assert.Zero(t, m.Weight[3][4])
	require.NoError(t, table.Publish(m))

	view := table.Snapshot()
	defer view.Release()
	assert.Zero(t, view.Matrices().Weight[3][4])
}

func TestPublishRejectsForeignMatrices(t *testing.T) {
	table := NewTable()
	assert.ErrorIs(t, table.Publish(&Matrices{}), ErrNotPending)

	m := table.BeginUpdate()
	require.NoError(t, table.Publish(m))
	assert.ErrorIs(t, table.Publish(m), ErrNotPending, "a published slot cannot be published twice")
}

func TestSetRouteBounds(t *testing.T) {
	table := NewTable()
	assert.Error(t, table.SetRoute(-1, 0, 1, 0))
	assert.Error(t, table.SetRoute(0, Size, 1, 0))
	assert.NoError(t, table.SetRoute(0, Size-1, 1, 0))
}

func TestLoadKeepsVelocityChains(t *testing.T) {
	table := NewTable()
	vp := mioc.NewVelocityProcessor(1, 0, mioc.Input)
	vp.Offset = 5
	table.Update(func(m *Matrices) { m.Input[1].Set(vp) })

	var w, d Matrix
	w[1][2] = 1
	table.Load(w, d)

	view := table.Snapshot()
	defer view.Release()
	assert.Equal(t, 1.0, view.Matrices().Weight[1][2])
	assert.Equal(t, 1, view.Matrices().Input[1].Len())
}

func TestClear(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.SetRoute(1, 1, 1, 1))
	table.Clear()

	view := table.Snapshot()
	defer view.Release()
	assert.Equal(t, Matrices{}, *view.Matrices())
}

func TestSnapshotDoesNotAllocate(t *testing.T) {
	table := NewTable()
	allocs := testing.AllocsPerRun(1000, func() {
		v := table.Snapshot()
		_ = v.Matrices().Weight[0][0]
		v.Release()
	})
	assert.Zero(t, allocs)
}

func TestConcurrentSnapshotsNeverTorn(t *testing.T) {
	table := NewTable()
	var stop atomic.Bool
	var torn atomic.Int64
	var reads atomic.Int64

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				view := table.Snapshot()
				m := view.Matrices()
				want := m.Weight[0][0]
				for i := range m.Weight {
					for j := range m.Weight[i] {
						if m.Weight[i][j] != want || m.Delay[i][j] != want {
							torn.Add(1)
						}
					}
				}
				view.Release()
				reads.Add(1)
			}
		}()
	}

	for gen := 1; gen <= 2000; gen++ {
		m := table.BeginUpdate()
		fill(m, float64(gen))
		require.NoError(t, table.Publish(m))
	}
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, torn.Load(), "a reader observed a mix of two generations")
	assert.Positive(t, reads.Load())

	view := table.Snapshot()
	defer view.Release()
	assert.Equal(t, 2000.0, view.Matrices().Weight[Size-1][Size-1])
}
