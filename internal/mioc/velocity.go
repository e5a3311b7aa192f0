package mioc

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Direction selects whether a processor acts on a port's input or output.
// Input processors have even type codes, output processors odd ones.
type Direction uint8

const (
	Input  Direction = 0
	Output Direction = 1
)

func (d Direction) String() string {
	if d == Output {
		return "OUT"
	}
	return "IN"
}

const (
	TypeInputVelocity  uint8 = 0x24
	TypeOutputVelocity uint8 = 0x25

	// MaxChainLength is the number of velocity processor positions (0..7).
	MaxChainLength = 8

	velocityChannelSpecific uint8 = 0x80
	velocityNoteOn          uint8 = 0x10

	gradientMin = -16.0
	gradientMax = 15.875
)

var (
	ErrInvalidPosition = errors.New("velocity processor position out of range")
	ErrInvalidGradient = errors.New("gradient out of range or not a multiple of 1/8")
	ErrInvalidVelocity = errors.New("velocity parameter out of range")
)

// VelocityProcessor maps note-on velocities through a two-segment linear
// function. Processors on the same port, channel and direction are chained in
// ascending Position order.
type VelocityProcessor struct {
	Port          uint8     `json:"port" yaml:"port"`
	Channel       uint8     `json:"channel" yaml:"channel"` // 0 = omni, 1..16
	Direction     Direction `json:"direction" yaml:"direction"`
	Position      uint8     `json:"position" yaml:"position"`
	Threshold     uint8     `json:"threshold" yaml:"threshold"`
	GradientBelow float64   `json:"gradient_below" yaml:"gradient_below"`
	GradientAbove float64   `json:"gradient_above" yaml:"gradient_above"`
	Offset        int8      `json:"offset" yaml:"offset"`
}

// NewVelocityProcessor returns an identity map.
func NewVelocityProcessor(port, channel uint8, dir Direction) VelocityProcessor {
	return VelocityProcessor{
		Port:          port,
		Channel:       channel,
		Direction:     dir,
		GradientBelow: 1,
		GradientAbove: 1,
	}
}

// SetWeight turns the processor into a plain scale by weight.
func (p *VelocityProcessor) SetWeight(weight float64) {
	p.Threshold = 0
	p.GradientBelow = weight
	p.GradientAbove = weight
	p.Offset = 0
}

// VelocityGroup identifies the chain a processor belongs to.
type VelocityGroup struct {
	Port      uint8
	Channel   uint8
	Direction Direction
}

// VelocitySlot identifies one position within a chain.
type VelocitySlot struct {
	VelocityGroup
	Position uint8
}

func (p VelocityProcessor) Group() VelocityGroup {
	return VelocityGroup{p.Port, p.Channel, p.Direction}
}

func (p VelocityProcessor) Slot() VelocitySlot {
	return VelocitySlot{p.Group(), p.Position}
}

// Equal reports whether p and o act on the same port, channel and direction.
func (p VelocityProcessor) Equal(o VelocityProcessor) bool {
	return p.Group() == o.Group()
}

func (p VelocityProcessor) Validate() error {
	if p.Port < 1 || p.Port > PortCount {
		return errors.Wrapf(ErrInvalidPort, "velocity processor port %d", p.Port)
	}
	if p.Channel > 16 {
		return errors.Wrapf(ErrInvalidChannel, "velocity processor channel %d", p.Channel)
	}
	if p.Position >= MaxChainLength {
		return errors.Wrapf(ErrInvalidPosition, "position %d", p.Position)
	}
	if p.Threshold > 127 {
		return errors.Wrapf(ErrInvalidVelocity, "threshold %d", p.Threshold)
	}
	for _, g := range []float64{p.GradientBelow, p.GradientAbove} {
		if g < gradientMin || g > gradientMax {
			return errors.Wrapf(ErrInvalidGradient, "gradient %.3f", g)
		}
		// the wire carries signed eighths
		if e := g * 8; e != math.Trunc(e) {
			return errors.Wrapf(ErrInvalidGradient, "gradient %.3f", g)
		}
	}
	return nil
}

// Type returns the processor type code for the direction.
func (p VelocityProcessor) Type() uint8 {
	return TypeInputVelocity | uint8(p.Direction&1)
}

// Descriptor returns type, port, channel and P0..P4.
func (p VelocityProcessor) Descriptor() []byte {
	return []byte{
		p.Type(),
		p.Port - 1,
		velocityChannelByte(p.Channel),
		p.Position,
		p.Threshold,
		byte(gradientToWire(p.GradientBelow)),
		byte(gradientToWire(p.GradientAbove)),
		byte(p.Offset),
	}
}

// Apply maps one velocity. Zero stays zero so note-offs sent as note-on
// with velocity 0 survive the map.
func (p VelocityProcessor) Apply(v uint8) uint8 {
	if v == 0 {
		return 0
	}
	x := float64(v)
	thr := float64(p.Threshold)
	var y float64
	if x < thr {
		y = x * p.GradientBelow
	} else {
		y = thr*p.GradientBelow + (x-thr)*p.GradientAbove
	}
	return clampVelocity(y + float64(p.Offset))
}

func (p VelocityProcessor) String() string {
	return fmt.Sprintf("Velocity Processor [%s %d, c%d] #%d %.3f (%d) %.3f %+d",
		p.Direction, p.Port, p.Channel, p.Position,
		p.GradientBelow, p.Threshold, p.GradientAbove, p.Offset)
}

func velocityChannelByte(ch uint8) byte {
	if ch == 0 {
		return velocityNoteOn
	}
	return velocityChannelSpecific | velocityNoteOn | ((ch - 1) & 0x0F)
}

func velocityChannelFromByte(b byte) uint8 {
	if b&velocityChannelSpecific == 0 {
		return 0
	}
	return (b & 0x0F) + 1
}

// gradientToWire stores a validated gradient as signed eighths.
func gradientToWire(g float64) int8 {
	v := math.Round(g * 8)
	if v < -128 {
		v = -128
	}
	if v > 127 {
		v = 127
	}
	return int8(v)
}

func gradientFromWire(b byte) float64 {
	return float64(int8(b)) / 8
}

func clampVelocity(y float64) uint8 {
	y = math.Round(y)
	if y < 1 {
		return 1
	}
	if y > 127 {
		return 127
	}
	return uint8(y)
}

// VelocityChain holds up to MaxChainLength processors by position. It is a
// plain value so it can live inside realtime tables without allocation.
type VelocityChain struct {
	procs   [MaxChainLength]VelocityProcessor
	present uint8
}

// Set installs p at its position, replacing any processor already there.
func (c *VelocityChain) Set(p VelocityProcessor) {
	pos := p.Position % MaxChainLength
	c.procs[pos] = p
	c.present |= 1 << pos
}

// Remove clears the given position.
func (c *VelocityChain) Remove(pos uint8) {
	c.present &^= 1 << (pos % MaxChainLength)
}

func (c *VelocityChain) Len() int {
	n := 0
	for i := 0; i < MaxChainLength; i++ {
		if c.present&(1<<uint(i)) != 0 {
			n++
		}
	}
	return n
}

// Apply runs v through every processor in ascending position; each output
// feeds the next processor's input.
func (c *VelocityChain) Apply(v uint8) uint8 {
	for i := 0; i < MaxChainLength; i++ {
		if c.present&(1<<uint(i)) != 0 {
			v = c.procs[i].Apply(v)
		}
	}
	return v
}

// Processors returns the installed processors in application order.
func (c *VelocityChain) Processors() []VelocityProcessor {
	out := make([]VelocityProcessor, 0, c.Len())
	for i := 0; i < MaxChainLength; i++ {
		if c.present&(1<<uint(i)) != 0 {
			out = append(out, c.procs[i])
		}
	}
	return out
}

// ChainFor collects the processors of one group from list.
func ChainFor(list []VelocityProcessor, g VelocityGroup) VelocityChain {
	var c VelocityChain
	for _, p := range list {
		if p.Group() == g {
			c.Set(p)
		}
	}
	return c
}
