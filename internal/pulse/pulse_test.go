package pulse

import (
	"testing"
	"time"

	"github.com/PixPMusic/mioc-router/internal/midi"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePort struct {
	levels []bool
	failOn int // 1-based SetRTS call that fails; 0 never
	closed int
}

func (p *fakePort) SetRTS(rts bool) error {
	p.levels = append(p.levels, rts)
	if p.failOn == len(p.levels) {
		return errors.New("ioctl failed")
	}
	return nil
}

func (p *fakePort) Close() error {
	p.closed++
	return nil
}

func newEmitter(t *testing.T, port *fakePort) (*Emitter, *midi.ManualClock) {
	t.Helper()
	clock := &midi.ManualClock{}
	clock.Set(1000)
	e, err := New(port, clock, nil)
	require.NoError(t, err)
	e.sleep = func(d time.Duration) { clock.Advance(d) }
	return e, clock
}

func TestPulseTimestampsRisingEdge(t *testing.T) {
	port := &fakePort{}
	e, clock := newEmitter(t, port)

	ts, err := e.Pulse(2 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), ts)
	assert.Equal(t, uint64(1000)+uint64(2*time.Millisecond), clock.Now())
	assert.Equal(t, []bool{false, true, false}, port.levels)

	pulses, failures := e.Counts()
	assert.Equal(t, uint64(1), pulses)
	assert.Zero(t, failures)
}

func TestPulseRejectsZeroWidth(t *testing.T) {
	e, _ := newEmitter(t, &fakePort{})
	_, err := e.Pulse(0)
	assert.ErrorIs(t, err, ErrInvalidWidth)
}

func TestPulseFailures(t *testing.T) {
	port := &fakePort{failOn: 2}
	e, _ := newEmitter(t, port)
	_, err := e.Pulse(time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, []bool{false, true}, port.levels, "no falling edge without a rising one")

	port = &fakePort{failOn: 3}
	e, _ = newEmitter(t, port)
	ts, err := e.Pulse(time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, uint64(1000), ts, "edge timestamp is still reported")
	_, failures := e.Counts()
	assert.Equal(t, uint64(1), failures)
}

func TestNewFailsWhenRTSCannotBeLowered(t *testing.T) {
	_, err := New(&fakePort{failOn: 1}, &midi.ManualClock{}, nil)
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	port := &fakePort{}
	e, _ := newEmitter(t, port)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Equal(t, 1, port.closed)

	_, err := e.Pulse(time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}
