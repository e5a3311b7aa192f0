package mioc

import (
	"fmt"

	"github.com/PixPMusic/mioc-router/internal/sysex"
	"github.com/pkg/errors"
)

// Processor is anything the device accepts through the add/remove processor opcode.
type Processor interface {
	Descriptor() []byte
	Validate() error
	String() string
}

var ErrUnknownProcessor = errors.New("unknown processor type")

// Device addresses one MIOC on the sysex bus.
type Device struct {
	ID         byte
	Type       byte
	RemoveFlag byte
}

// DefaultDevice returns the PMM-88E address with the 0x00 remove flag.
func DefaultDevice() Device {
	return Device{
		ID:         sysex.DefaultDeviceID,
		Type:       sysex.DefaultDeviceType,
		RemoveFlag: sysex.ProcessorRemoveDefault,
	}
}

// ProcessorMessage builds the add or remove sysex for p.
func (d Device) ProcessorMessage(p Processor, add bool) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	flag := d.RemoveFlag
	if add {
		flag = sysex.ProcessorAddFlag
	}
	payload := append([]byte{flag}, p.Descriptor()...)
	return sysex.BuildMessage(d.ID, d.Type, sysex.OpProcessor, sysex.ModeEncoded|sysex.ModeHandshake, payload)
}

// QueryMessage builds a request with no payload.
func (d Device) QueryMessage(opcode byte) ([]byte, error) {
	return sysex.BuildMessage(d.ID, d.Type, opcode, sysex.ModeHandshake, nil)
}

// ParseProcessorMessage recovers the add flag and processor from a parsed
// add/remove message.
func ParseProcessorMessage(m sysex.Message) (add bool, p Processor, err error) {
	if m.Opcode != sysex.OpProcessor {
		return false, nil, errors.Wrapf(sysex.ErrMalformedPayload, "opcode 0x%02X is not a processor message", m.Opcode)
	}
	if len(m.Payload) < 2 {
		return false, nil, errors.Wrap(sysex.ErrMalformedPayload, "processor message without descriptor")
	}
	p, err = ParseDescriptor(m.Payload[1:])
	if err != nil {
		return false, nil, err
	}
	return m.Payload[0]&sysex.ProcessorAddFlag != 0, p, nil
}

// ParseDescriptor decodes a processor descriptor. Trailing bytes (such as
// encoding padding) are ignored.
func ParseDescriptor(b []byte) (Processor, error) {
	if len(b) < 1 {
		return nil, errors.Wrap(sysex.ErrMalformedPayload, "empty descriptor")
	}
	need := func(n int) error {
		if len(b) < n {
			return errors.Wrapf(sysex.ErrMalformedPayload, "descriptor type 0x%02X needs %d bytes, have %d", b[0], n, len(b))
		}
		return nil
	}

	switch b[0] {
	case TypeRouting:
		if err := need(5); err != nil {
			return nil, err
		}
		return Connection{
			InPort:     b[1] + 1,
			InChannel:  b[2],
			OutPort:    b[3] + 1,
			OutChannel: b[4],
			Weight:     1,
		}, nil

	case TypeInputVelocity, TypeOutputVelocity:
		if err := need(8); err != nil {
			return nil, err
		}
		return VelocityProcessor{
			Port:          b[1] + 1,
			Channel:       velocityChannelFromByte(b[2]),
			Direction:     Direction(b[0] & 1),
			Position:      b[3],
			Threshold:     b[4],
			GradientBelow: gradientFromWire(b[5]),
			GradientAbove: gradientFromWire(b[6]),
			Offset:        int8(b[7]),
		}, nil

	case TypeInputNoteOffFilter, TypeOutputNoteOffFilter:
		if err := need(3); err != nil {
			return nil, err
		}
		f := FilterProcessor{Port: b[1] + 1, Kind: FilterNoteOff, Direction: Direction(b[0] & 1)}
		if b[2]&0x80 != 0 {
			f.Channel = (b[2] & 0x0F) + 1
		}
		return f, nil

	case TypeInputActiveSenseFilter, TypeOutputActiveSenseFilter:
		if err := need(2); err != nil {
			return nil, err
		}
		return FilterProcessor{Port: b[1] + 1, Kind: FilterActiveSense, Direction: Direction(b[0] & 1)}, nil
	}
	return nil, errors.Wrapf(ErrUnknownProcessor, "0x%02X", b[0])
}

// Describe renders a raw processor message for logs.
func Describe(m sysex.Message) string {
	add, p, err := ParseProcessorMessage(m)
	if err != nil {
		return m.String()
	}
	verb := "Remove"
	if add {
		verb = "Add"
	}
	return fmt.Sprintf("%s: %s", verb, p)
}
