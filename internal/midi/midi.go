package midi

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // Register rtmidi driver
)

// Manager handles MIDI port discovery, listening and sending
type Manager struct {
	mu    sync.RWMutex
	clock Clock
	log   *logrus.Entry
}

// NewManager creates a new MIDI manager
func NewManager(clock Clock, log *logrus.Entry) *Manager {
	if clock == nil {
		clock = NewHostClock()
	}
	if log == nil {
		log = logrus.WithField("component", "midi")
	}
	return &Manager{clock: clock, log: log}
}

// Close cleans up the MIDI driver
func (m *Manager) Close() {
	midi.CloseDriver()
}

// Clock returns the clock used to timestamp incoming packets
func (m *Manager) Clock() Clock {
	return m.clock
}

// ListInPorts returns the names of available MIDI input ports
func (m *Manager) ListInPorts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ins := midi.GetInPorts()
	names := make([]string, 0, len(ins))
	for _, in := range ins {
		names = append(names, in.String())
	}
	return names
}

// ListOutPorts returns the names of available MIDI output ports
func (m *Manager) ListOutPorts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	outs := midi.GetOutPorts()
	names := make([]string, 0, len(outs))
	for _, out := range outs {
		names = append(names, out.String())
	}
	return names
}

// GetInPort returns an input port by name
func (m *Manager) GetInPort(name string) (drivers.In, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, in := range midi.GetInPorts() {
		if in.String() == name {
			return in, nil
		}
	}
	return nil, fmt.Errorf("input port not found: %s", name)
}

// GetOutPort returns an output port by name
func (m *Manager) GetOutPort(name string) (drivers.Out, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, out := range midi.GetOutPorts() {
		if out.String() == name {
			return out, nil
		}
	}
	return nil, fmt.Errorf("output port not found: %s", name)
}

// StartListening forwards every message received on the named input port,
// sysex included, to handler together with the host time of arrival. The
// handler runs on the driver's goroutine.
func (m *Manager) StartListening(inPortName string, handler PacketHandler) (func(), error) {
	if inPortName == "" {
		return nil, fmt.Errorf("no input port configured")
	}

	inPort, err := m.GetInPort(inPortName)
	if err != nil {
		return nil, err
	}

	stop, err := midi.ListenTo(inPort, func(msg midi.Message, timestampms int32) {
		handler(msg, m.clock.Now())
	}, midi.UseSysEx(), midi.HandleError(func(listenErr error) {
		m.log.WithError(listenErr).WithField("port", inPortName).Warn("midi listener error")
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to start listening: %w", err)
	}

	m.log.WithField("port", inPortName).Info("listening")
	return stop, nil
}

// OpenOut opens the named output port for sending
func (m *Manager) OpenOut(outPortName string) (*Port, error) {
	if outPortName == "" {
		return nil, fmt.Errorf("no output port configured")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	outPort := m.findOutPort(outPortName)
	if outPort == nil {
		return nil, fmt.Errorf("output port not found: %s", outPortName)
	}

	send, err := midi.SendTo(outPort)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}

	m.log.WithField("port", outPortName).Info("output opened")
	return &Port{name: outPortName, send: send, log: m.log}, nil
}

func (m *Manager) findOutPort(name string) drivers.Out {
	for _, out := range midi.GetOutPorts() {
		if out.String() == name {
			return out
		}
	}
	return nil
}
