// Package mioc models the processors a MIOC routing device understands:
// routing connections, velocity maps and filters, and their descriptor bytes.
package mioc

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	// PortCount is the number of MIDI ports on the device. Ports are 1-based.
	PortCount = 8

	ChannelAll         uint8 = 0x80 // routing input: every channel
	ChannelSameAsInput uint8 = 0x80 // routing output: keep the input channel

	TypeRouting uint8 = 0x00
)

var (
	ErrInvalidPort    = errors.New("port out of range")
	ErrInvalidChannel = errors.New("channel out of range")
)

// ConnectionKey is the identity of a route.
type ConnectionKey struct {
	InPort, InChannel, OutPort, OutChannel uint8
}

// Connection routes an input port/channel to an output port/channel. Weight
// and DelayMs are not sent to the device; they drive the virtual processor.
// A connection parsed from the wire therefore matches the one sent only on
// its Key, and always comes back with weight 1 and no delay.
type Connection struct {
	InPort     uint8   `json:"in_port" yaml:"in_port"`
	InChannel  uint8   `json:"in_channel" yaml:"in_channel"`
	OutPort    uint8   `json:"out_port" yaml:"out_port"`
	OutChannel uint8   `json:"out_channel" yaml:"out_channel"`
	Weight     float64 `json:"weight" yaml:"weight"`
	DelayMs    float64 `json:"delay_ms" yaml:"delay_ms"`
}

// NewConnection returns a unit-weight, undelayed route.
func NewConnection(inPort, inChannel, outPort, outChannel uint8) Connection {
	return Connection{
		InPort:     inPort,
		InChannel:  inChannel,
		OutPort:    outPort,
		OutChannel: outChannel,
		Weight:     1,
	}
}

func (c Connection) Key() ConnectionKey {
	return ConnectionKey{c.InPort, c.InChannel, c.OutPort, c.OutChannel}
}

// Equal compares routes by key only, so duplicate routes collapse.
func (c Connection) Equal(o Connection) bool {
	return c.Key() == o.Key()
}

func (c Connection) Validate() error {
	if c.InPort < 1 || c.InPort > PortCount {
		return errors.Wrapf(ErrInvalidPort, "in port %d", c.InPort)
	}
	if c.OutPort < 1 || c.OutPort > PortCount {
		return errors.Wrapf(ErrInvalidPort, "out port %d", c.OutPort)
	}
	if c.InChannel > 15 && c.InChannel != ChannelAll {
		return errors.Wrapf(ErrInvalidChannel, "in channel %d", c.InChannel)
	}
	if c.OutChannel > 15 && c.OutChannel != ChannelSameAsInput {
		return errors.Wrapf(ErrInvalidChannel, "out channel %d", c.OutChannel)
	}
	return nil
}

// Descriptor returns the routing processor bytes. Routing parameters are
// always given as input processing with the output as parameters.
func (c Connection) Descriptor() []byte {
	return []byte{TypeRouting, c.InPort - 1, c.InChannel, c.OutPort - 1, c.OutChannel}
}

func (c Connection) String() string {
	return fmt.Sprintf("Routing [IN %d, c%s] -> [OUT %d, c%s] w=%.2f d=%.1fms",
		c.InPort, channelString(c.InChannel, "all"),
		c.OutPort, channelString(c.OutChannel, "in"),
		c.Weight, c.DelayMs)
}

func channelString(ch uint8, special string) string {
	if ch == ChannelAll {
		return special
	}
	return fmt.Sprint(ch)
}
