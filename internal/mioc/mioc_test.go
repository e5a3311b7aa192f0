package mioc

import (
	"testing"

	"github.com/PixPMusic/mioc-router/internal/sysex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, p Processor, add bool) Processor {
	t.Helper()
	raw, err := DefaultDevice().ProcessorMessage(p, add)
	require.NoError(t, err)

	msg, err := sysex.ParseMessage(raw)
	require.NoError(t, err)

	gotAdd, got, err := ParseProcessorMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, add, gotAdd)
	return got
}

func TestConnectionRoundTrip(t *testing.T) {
	conns := []Connection{
		{InPort: 2, InChannel: 4, OutPort: 5, OutChannel: 6, Weight: 0.5, DelayMs: 12},
		NewConnection(1, 0, 2, 0),
		NewConnection(8, 15, 1, 3),
		NewConnection(3, ChannelAll, 7, ChannelSameAsInput),
	}
	for _, c := range conns {
		for _, add := range []bool{true, false} {
			got := roundTrip(t, c, add)
			gc, ok := got.(Connection)
			require.True(t, ok)
			assert.Equal(t, c.Key(), gc.Key())
			assert.Equal(t, 1.0, gc.Weight, "weight is not on the wire")
			assert.Zero(t, gc.DelayMs, "delay is not on the wire")
		}
	}
}

func TestVelocityProcessorRoundTrip(t *testing.T) {
	procs := []VelocityProcessor{
		{Port: 1, Channel: 0, Direction: Input, Position: 0, Threshold: 64, GradientBelow: 1, GradientAbove: 0.5, Offset: 0},
		{Port: 8, Channel: 16, Direction: Output, Position: 7, Threshold: 127, GradientBelow: -16, GradientAbove: 15.875, Offset: -128},
		{Port: 4, Channel: 3, Direction: Input, Position: 3, Threshold: 0, GradientBelow: -0.125, GradientAbove: 2.25, Offset: 127},
		{Port: 2, Channel: 1, Direction: Output, Position: 1, Threshold: 40, GradientBelow: 0.375, GradientAbove: -7.875, Offset: 5},
	}
	for _, p := range procs {
		got := roundTrip(t, p, true)
		assert.Equal(t, p, got)
	}
}

func TestFilterRoundTrip(t *testing.T) {
	filters := []FilterProcessor{
		{Port: 2, Channel: 0, Kind: FilterNoteOff, Direction: Input},
		{Port: 5, Channel: 10, Kind: FilterNoteOff, Direction: Output},
		{Port: 8, Kind: FilterActiveSense, Direction: Input},
		{Port: 1, Kind: FilterActiveSense, Direction: Output},
	}
	for _, f := range filters {
		assert.Equal(t, f, roundTrip(t, f, true))
	}
}

func TestRemoveFlagIsConfigurable(t *testing.T) {
	d := DefaultDevice()
	d.RemoveFlag = 0x80
	raw, err := d.ProcessorMessage(NewConnection(1, 0, 2, 0), false)
	require.NoError(t, err)
	msg, err := sysex.ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, byte(0x80), msg.Payload[0])
}

func TestDescriptorBytes(t *testing.T) {
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01, 0x00}, NewConnection(1, 0, 2, 0).Descriptor())

	vp := VelocityProcessor{Port: 1, Channel: 2, Position: 1, Threshold: 10, GradientBelow: -1, GradientAbove: 0.5, Offset: -3}
	assert.Equal(t, []byte{0x24, 0x00, 0x91, 0x01, 0x0A, 0xF8, 0x04, 0xFD}, vp.Descriptor())

	omni := NewVelocityProcessor(1, 0, Output)
	assert.Equal(t, byte(0x25), omni.Descriptor()[0])
	assert.Equal(t, byte(0x10), omni.Descriptor()[2])

	assert.Equal(t, []byte{0x09, 0x02, 0x84}, FilterProcessor{Port: 3, Channel: 5, Direction: Output}.Descriptor())
	assert.Equal(t, []byte{0x1A, 0x07}, FilterProcessor{Port: 8, Kind: FilterActiveSense}.Descriptor())
}

func TestConnectionEqualityUsesKeyOnly(t *testing.T) {
	a := NewConnection(1, 0, 2, 0)
	b := a
	b.Weight = -0.5
	b.DelayMs = 120
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())

	c := NewConnection(1, 0, 2, 1)
	assert.False(t, a.Equal(c))

	set := map[ConnectionKey]Connection{}
	for _, conn := range []Connection{a, b, c} {
		set[conn.Key()] = conn
	}
	assert.Len(t, set, 2)
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, NewConnection(0, 0, 1, 0).Validate(), ErrInvalidPort)
	assert.ErrorIs(t, NewConnection(1, 16, 1, 0).Validate(), ErrInvalidChannel)
	assert.NoError(t, NewConnection(1, ChannelAll, 1, ChannelSameAsInput).Validate())

	vp := NewVelocityProcessor(1, 0, Input)
	vp.Position = 8
	assert.ErrorIs(t, vp.Validate(), ErrInvalidPosition)
	vp.Position = 0
	vp.GradientAbove = 16
	assert.ErrorIs(t, vp.Validate(), ErrInvalidGradient)

	_, err := DefaultDevice().ProcessorMessage(vp, true)
	assert.ErrorIs(t, err, ErrInvalidGradient)

	vp.GradientAbove = 0.3
	assert.ErrorIs(t, vp.Validate(), ErrInvalidGradient, "0.3 is not a whole number of eighths")
	_, err = DefaultDevice().ProcessorMessage(vp, true)
	assert.ErrorIs(t, err, ErrInvalidGradient)

	vp.GradientAbove = 0.375
	assert.NoError(t, vp.Validate())
}

func TestParseDescriptorErrors(t *testing.T) {
	_, err := ParseDescriptor([]byte{0x24, 0x00})
	assert.ErrorIs(t, err, sysex.ErrMalformedPayload)

	_, err = ParseDescriptor([]byte{0x55, 0x00})
	assert.ErrorIs(t, err, ErrUnknownProcessor)

	_, err = ParseDescriptor(nil)
	assert.ErrorIs(t, err, sysex.ErrMalformedPayload)
}

func TestVelocityApply(t *testing.T) {
	p := VelocityProcessor{Threshold: 64, GradientBelow: 1, GradientAbove: 0.5}
	assert.Equal(t, uint8(32), p.Apply(32))
	assert.Equal(t, uint8(64), p.Apply(64))
	assert.Equal(t, uint8(96), p.Apply(127)) // 64 + 63*0.5 = 95.5
	assert.Equal(t, uint8(0), p.Apply(0))

	p = VelocityProcessor{GradientBelow: 2, GradientAbove: 2, Offset: 10}
	assert.Equal(t, uint8(127), p.Apply(100))

	p = VelocityProcessor{GradientBelow: -1, GradientAbove: -1}
	assert.Equal(t, uint8(1), p.Apply(50))
}

func TestVelocityChainAppliesInPositionOrder(t *testing.T) {
	// position 0 doubles, position 1 adds 10: (20*2)+10 = 50, never (20+10)*2 = 60
	double := NewVelocityProcessor(1, 0, Input)
	double.SetWeight(2)
	double.Position = 0

	add := NewVelocityProcessor(1, 0, Input)
	add.Position = 1
	add.Offset = 10

	list := []VelocityProcessor{add, double}
	chain := ChainFor(list, VelocityGroup{Port: 1, Channel: 0, Direction: Input})
	require.Equal(t, 2, chain.Len())
	assert.Equal(t, uint8(50), chain.Apply(20))

	procs := chain.Processors()
	assert.Equal(t, uint8(0), procs[0].Position)
	assert.Equal(t, uint8(1), procs[1].Position)

	other := ChainFor(list, VelocityGroup{Port: 1, Channel: 0, Direction: Output})
	assert.Equal(t, 0, other.Len())
	assert.Equal(t, uint8(20), other.Apply(20))

	chain.Remove(0)
	assert.Equal(t, uint8(30), chain.Apply(20))
}

func TestVelocityEqualityIgnoresPosition(t *testing.T) {
	a := NewVelocityProcessor(1, 0, Input)
	b := a
	b.Position = 3
	assert.True(t, a.Equal(b))
	assert.NotEqual(t, a.Slot(), b.Slot())
}

func TestLayout(t *testing.T) {
	l := DefaultLayout()

	assert.Equal(t, uint8(8), l.PortForNode(0))
	assert.Equal(t, uint8(15), l.ChannelForNode(0))
	assert.Equal(t, uint8(64), l.NoteForNode(0))

	assert.Equal(t, uint8(1), l.PortForNode(1))
	assert.Equal(t, uint8(1), l.PortForNode(3))
	assert.Equal(t, uint8(2), l.PortForNode(4))
	assert.Equal(t, uint8(0), l.ChannelForNode(1))
	assert.Equal(t, uint8(65), l.NoteForNode(1))

	n, ok := l.NodeForNote(69)
	assert.True(t, ok)
	assert.Equal(t, 5, n)
	_, ok = l.NodeForNote(10)
	assert.False(t, ok)
	_, ok = l.NodeForNote(64 + MaxNodes + 1)
	assert.False(t, ok)

	for node := 0; node <= MaxNodes; node++ {
		got, ok := l.NodeForPortChannel(l.PortForNode(node), l.ChannelForNode(node))
		require.True(t, ok, "node %d", node)
		assert.Equal(t, node, got)
	}
	_, ok = l.NodeForPortChannel(1, 5)
	assert.False(t, ok)
}
