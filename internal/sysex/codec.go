package sysex

import (
	"github.com/pkg/errors"
)

// DefaultGroupSize is the number of raw bytes the MIOC packs behind one MSB byte.
const DefaultGroupSize = 7

var (
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrNotDeviceMessage  = errors.New("not a MIOC sysex message")
	ErrPayloadOutOfRange = errors.New("payload byte out of 7-bit range")
)

// Codec packs 8-bit data into 7-bit sysex bytes.
type Codec struct {
	GroupSize int
}

// NewCodec returns a codec using the MIOC group size.
func NewCodec() Codec {
	return Codec{GroupSize: DefaultGroupSize}
}

func (c Codec) groupSize() int {
	if c.GroupSize <= 0 || c.GroupSize > 7 {
		return DefaultGroupSize
	}
	return c.GroupSize
}

// Encode7to8 packs every group of raw bytes into one MSB byte followed by the
// group's low seven bits. Bit i of the MSB byte holds the top bit of byte i.
func (c Codec) Encode7to8(data []byte) ([]byte, error) {
	n := c.groupSize()
	if len(data)%n != 0 {
		return nil, errors.Wrapf(ErrMalformedPayload, "encode: length %d is not a multiple of %d", len(data), n)
	}

	out := make([]byte, 0, len(data)/n*(n+1))
	for g := 0; g < len(data); g += n {
		var msb byte
		for i, b := range data[g : g+n] {
			msb |= (b >> 7) << uint(i)
		}
		out = append(out, msb)
		for _, b := range data[g : g+n] {
			out = append(out, b&0x7F)
		}
	}
	return out, nil
}

// Decode8to7 is the inverse of Encode7to8.
func (c Codec) Decode8to7(packed []byte) ([]byte, error) {
	n := c.groupSize()
	if len(packed)%(n+1) != 0 {
		return nil, errors.Wrapf(ErrMalformedPayload, "decode: length %d is not a multiple of %d", len(packed), n+1)
	}

	out := make([]byte, 0, len(packed)/(n+1)*n)
	for g := 0; g < len(packed); g += n + 1 {
		msb := packed[g]
		if msb&0x80 != 0 || msb>>uint(n) != 0 {
			return nil, errors.Wrapf(ErrMalformedPayload, "decode: invalid MSB byte 0x%02X at %d", msb, g)
		}
		for i, b := range packed[g+1 : g+n+1] {
			if b&0x80 != 0 {
				return nil, errors.Wrapf(ErrMalformedPayload, "decode: 8-bit byte 0x%02X at %d", b, g+1+i)
			}
			out = append(out, b|((msb>>uint(i))&1)<<7)
		}
	}
	return out, nil
}

// Pad extends data with zero bytes up to the next multiple of the group size.
func (c Codec) Pad(data []byte) []byte {
	n := c.groupSize()
	rem := len(data) % n
	if rem == 0 {
		return data
	}
	padded := make([]byte, len(data), len(data)+n-rem)
	copy(padded, data)
	return append(padded, make([]byte, n-rem)...)
}

// Checksum returns the 7-bit sum of b.
func Checksum(b []byte) byte {
	var sum int
	for _, v := range b {
		sum += int(v)
	}
	return byte(sum % 128)
}

// VerifyChecksum reports whether msg is a framed sysex message whose data
// bytes are all 7-bit and whose checksum byte matches.
func VerifyChecksum(msg []byte) bool {
	return verify(msg) == nil
}

func verify(msg []byte) error {
	if len(msg) < MinMessageLength {
		return errors.Wrapf(ErrMalformedPayload, "message too short: %d bytes", len(msg))
	}
	if msg[0] != SysExStart || msg[len(msg)-1] != SysExEnd {
		return errors.Wrap(ErrNotDeviceMessage, "missing sysex framing")
	}
	body := msg[1 : len(msg)-2]
	for i, b := range body {
		if b&0x80 != 0 {
			return errors.Wrapf(ErrPayloadOutOfRange, "byte 0x%02X at %d", b, i+1)
		}
	}
	want := Checksum(body)
	got := msg[len(msg)-2]
	if want != got {
		return errors.Wrapf(ErrChecksumMismatch, "calculated=%02x, got=%02x", want, got)
	}
	return nil
}
