package sysex

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const (
	SysExStart = 0xF0
	SysExEnd   = 0xF7

	// PreambleLength counts F0, the manufacturer ID, device ID, device type, mode and opcode.
	PreambleLength = 8

	// MinMessageLength is a preamble followed by a checksum and the terminator.
	MinMessageLength = PreambleLength + 2
)

// ManufacturerID is the MIDITEMP sysex ID.
var ManufacturerID = [3]byte{0x00, 0x20, 0x0D}

const (
	DefaultDeviceID   = 0x20 // PMM-88E
	DefaultDeviceType = 0x01
)

// Mode flags
const (
	ModeEncoded   byte = 1 << 6
	ModeHandshake byte = 1 << 2
	ModeTypeMask  byte = 0x03
)

// Opcodes
const (
	OpProcessor            byte = 0x04
	OpPortNamesRequest     byte = 0x42
	OpPortNamesResponse    byte = 0x02
	OpDeviceNameRequest    byte = 0x45
	OpDeviceNameResponse   byte = 0x05
	OpPortAddressRequest   byte = 0x78
	OpPortAddressResponse  byte = 0x38
	OpAcknowledge          byte = 0x7F
	OpCancel               byte = 0x7D
	OpcodeDirectionMask    byte = 1 << 6
	ProcessorAddFlag       byte = 0x80
	ProcessorRemoveDefault byte = 0x00
)

const (
	PortNameLength   = 8
	PortCount        = 8
	DeviceNameLength = 9
)

// Message is a parsed MIOC sysex message. Payload is the decoded data between
// the opcode and the checksum; for encoded messages it keeps the zero padding.
type Message struct {
	DeviceID   byte
	DeviceType byte
	Mode       byte
	Opcode     byte
	Payload    []byte
}

// Encoded reports whether the payload travels 7/8 encoded.
func (m Message) Encoded() bool { return m.Mode&ModeEncoded != 0 }

// BuildMessage assembles a complete MIOC message.
func BuildMessage(deviceID, deviceType, opcode, mode byte, payload []byte) ([]byte, error) {
	return NewCodec().Build(Message{
		DeviceID:   deviceID,
		DeviceType: deviceType,
		Mode:       mode,
		Opcode:     opcode,
		Payload:    payload,
	})
}

// ParseMessage validates and decodes a MIOC message.
func ParseMessage(b []byte) (Message, error) {
	return NewCodec().Parse(b)
}

// Build assembles m into wire bytes.
func (c Codec) Build(m Message) ([]byte, error) {
	if m.DeviceID&0x80 != 0 || m.DeviceType&0x80 != 0 || m.Mode&0x80 != 0 || m.Opcode&0x80 != 0 {
		return nil, errors.Wrap(ErrPayloadOutOfRange, "header byte has top bit set")
	}

	data := m.Payload
	if m.Encoded() {
		var err error
		data, err = c.Encode7to8(c.Pad(m.Payload))
		if err != nil {
			return nil, err
		}
	} else {
		for i, b := range data {
			if b&0x80 != 0 {
				return nil, errors.Wrapf(ErrPayloadOutOfRange, "unencoded payload byte 0x%02X at %d", b, i)
			}
		}
	}

	out := make([]byte, 0, MinMessageLength+len(data))
	out = append(out, SysExStart)
	out = append(out, ManufacturerID[:]...)
	out = append(out, m.DeviceID, m.DeviceType, m.Mode, m.Opcode)
	out = append(out, data...)
	out = append(out, Checksum(out[1:]))
	out = append(out, SysExEnd)
	return out, nil
}

// Parse validates framing, manufacturer and checksum before exposing the
// opcode and payload.
func (c Codec) Parse(b []byte) (Message, error) {
	if len(b) < MinMessageLength {
		return Message{}, errors.Wrapf(ErrMalformedPayload, "message too short: %d bytes", len(b))
	}
	if b[0] != SysExStart || b[len(b)-1] != SysExEnd {
		return Message{}, errors.Wrap(ErrNotDeviceMessage, "missing sysex framing")
	}
	if b[1] != ManufacturerID[0] || b[2] != ManufacturerID[1] || b[3] != ManufacturerID[2] {
		return Message{}, errors.Wrapf(ErrNotDeviceMessage, "manufacturer % X", b[1:4])
	}
	if err := verify(b); err != nil {
		return Message{}, err
	}

	m := Message{
		DeviceID:   b[4],
		DeviceType: b[5],
		Mode:       b[6],
		Opcode:     b[7],
	}
	data := b[PreambleLength : len(b)-2]
	if m.Encoded() {
		decoded, err := c.Decode8to7(data)
		if err != nil {
			return Message{}, err
		}
		m.Payload = decoded
	} else {
		m.Payload = append([]byte(nil), data...)
	}
	return m, nil
}

// IsResponseTo reports whether opcode answers the request opcode req.
func IsResponseTo(req, opcode byte) bool {
	switch req {
	case OpPortNamesRequest, OpDeviceNameRequest, OpPortAddressRequest:
		return opcode == req&^OpcodeDirectionMask
	case OpProcessor:
		return opcode == OpAcknowledge
	}
	return false
}

func (m Message) String() string {
	switch m.Opcode {
	case OpProcessor:
		if len(m.Payload) < 2 {
			return "Processor (truncated)"
		}
		verb := "Remove"
		if m.Payload[0]&ProcessorAddFlag != 0 {
			verb = "Add"
		}
		return fmt.Sprintf("%s: processor % X", verb, m.Payload[1:])
	case OpPortNamesRequest:
		return "Port Names Request"
	case OpPortNamesResponse:
		return fmt.Sprintf("Port Names Response: '%s'", asciiField(m.Payload, 2*PortCount*PortNameLength))
	case OpDeviceNameRequest:
		return "Device Name Request"
	case OpDeviceNameResponse:
		return fmt.Sprintf("Device Name Response: '%s'", asciiField(m.Payload, DeviceNameLength))
	case OpPortAddressRequest:
		return "Port Connection Request"
	case OpPortAddressResponse:
		if len(m.Payload) < 2 {
			return "Port Connection Response (truncated)"
		}
		return fmt.Sprintf("Port Connection Response: IN %d, OUT %d", m.Payload[1], m.Payload[0])
	case OpAcknowledge:
		return "ACK: Handshake Acknowledge"
	case OpCancel:
		return "CANCEL: Abort Transmission"
	}
	return fmt.Sprintf("Unknown MIOC Message (0x%x)", m.Opcode)
}

// asciiField returns up to n bytes of b as text with trailing padding removed.
func asciiField(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return strings.TrimRight(string(b), " \x00")
}

// ASCIIField is the exported form of asciiField for response decoders.
func ASCIIField(b []byte, off, n int) (string, error) {
	if off < 0 || off+n > len(b) {
		return "", errors.Wrapf(ErrMalformedPayload, "field [%d:%d] outside %d-byte payload", off, off+n, len(b))
	}
	return asciiField(b[off:off+n], n), nil
}
