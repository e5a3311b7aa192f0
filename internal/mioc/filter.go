package mioc

import (
	"fmt"

	"github.com/pkg/errors"
)

// FilterKind selects what a filter processor removes from the stream.
type FilterKind uint8

const (
	FilterNoteOff FilterKind = iota
	FilterActiveSense
)

const (
	TypeInputNoteOffFilter      uint8 = 0x08
	TypeOutputNoteOffFilter     uint8 = 0x09
	TypeInputActiveSenseFilter  uint8 = 0x1A
	TypeOutputActiveSenseFilter uint8 = 0x1B

	FilterChannelAll uint8 = 0x00
)

func (k FilterKind) String() string {
	if k == FilterActiveSense {
		return "ActiveSense"
	}
	return "NoteOff"
}

// FilterProcessor drops note-offs or active sensing on a port.
type FilterProcessor struct {
	Port      uint8      `json:"port" yaml:"port"`
	Channel   uint8      `json:"channel" yaml:"channel"` // 0 = omni, 1..16; note-off filters only
	Kind      FilterKind `json:"kind" yaml:"kind"`
	Direction Direction  `json:"direction" yaml:"direction"`
}

func (f FilterProcessor) Validate() error {
	if f.Port < 1 || f.Port > PortCount {
		return errors.Wrapf(ErrInvalidPort, "filter port %d", f.Port)
	}
	if f.Channel > 16 {
		return errors.Wrapf(ErrInvalidChannel, "filter channel %d", f.Channel)
	}
	return nil
}

func (f FilterProcessor) Type() uint8 {
	if f.Kind == FilterActiveSense {
		return TypeInputActiveSenseFilter | uint8(f.Direction&1)
	}
	return TypeInputNoteOffFilter | uint8(f.Direction&1)
}

// Descriptor returns three bytes for note-off filters and two for active sensing.
func (f FilterProcessor) Descriptor() []byte {
	if f.Kind == FilterActiveSense {
		return []byte{f.Type(), f.Port - 1}
	}
	ch := FilterChannelAll
	if f.Channel != 0 {
		ch = 0x80 | ((f.Channel - 1) & 0x0F)
	}
	return []byte{f.Type(), f.Port - 1, ch}
}

func (f FilterProcessor) String() string {
	if f.Kind == FilterActiveSense {
		return fmt.Sprintf("ActiveSense Filter [%s %d]", f.Direction, f.Port)
	}
	return fmt.Sprintf("NoteOff Filter [%s %d, c%d]", f.Direction, f.Port, f.Channel)
}
