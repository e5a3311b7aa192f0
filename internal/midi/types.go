package midi

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2"
)

// PacketHandler receives raw MIDI bytes and the host time they arrived at
type PacketHandler func(data []byte, timestampNs uint64)

// Port is an open output port. Send and SendSysEx may be called from one
// goroutine at a time per caller; the underlying driver serialises writes.
type Port struct {
	name string
	send func(midi.Message) error
	log  *logrus.Entry

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewPort wraps an arbitrary send function, mainly for tests and virtual ports
func NewPort(name string, send func(midi.Message) error) *Port {
	return &Port{name: name, send: send, log: logrus.WithField("component", "midi")}
}

func (p *Port) Name() string { return p.name }

// Send writes raw MIDI bytes
func (p *Port) Send(data []byte) error {
	if err := p.send(midi.Message(data)); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("send to %s failed: %w", p.name, err)
	}
	p.sent.Add(1)
	return nil
}

// SendSysEx writes a complete F0..F7 message
func (p *Port) SendSysEx(msg []byte) error {
	if len(msg) < 2 || msg[0] != 0xF0 || msg[len(msg)-1] != 0xF7 {
		return fmt.Errorf("not a framed sysex message (%d bytes)", len(msg))
	}
	// midi.SysEx adds the framing itself
	if err := p.send(midi.SysEx(msg[1 : len(msg)-1])); err != nil {
		p.failed.Add(1)
		p.log.WithError(err).WithField("port", p.name).Warn("sysex send failed")
		return fmt.Errorf("sysex to %s failed: %w", p.name, err)
	}
	p.sent.Add(1)
	return nil
}

// Counts returns how many messages were sent and how many failed
func (p *Port) Counts() (sent, failed uint64) {
	return p.sent.Load(), p.failed.Load()
}
