// Package pulse drives the hardware sync line: a serial port's RTS pin is
// raised for a short width and the host clock is read at the rising edge.
package pulse

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/PixPMusic/mioc-router/internal/midi"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

var (
	ErrInvalidWidth = errors.New("pulse width must be positive")
	ErrClosed       = errors.New("pulse port closed")
)

// Port is the part of serial.Port a pulse needs.
type Port interface {
	SetRTS(rts bool) error
	Close() error
}

// Emitter raises and lowers RTS on one port. Pulses are serialised.
type Emitter struct {
	mu     sync.Mutex
	port   Port
	clock  midi.Clock
	sleep  func(time.Duration)
	log    *logrus.Entry
	closed bool

	pulses   atomic.Uint64
	failures atomic.Uint64
}

// New wraps an open port. RTS is driven low so the first pulse has a clean edge.
func New(port Port, clock midi.Clock, log *logrus.Entry) (*Emitter, error) {
	if log == nil {
		log = logrus.WithField("component", "pulse")
	}
	if err := port.SetRTS(false); err != nil {
		return nil, errors.Wrap(err, "lower RTS")
	}
	return &Emitter{port: port, clock: clock, sleep: time.Sleep, log: log}, nil
}

// Open opens a serial device and wraps it.
func Open(name string, baud int, clock midi.Clock, log *logrus.Entry) (*Emitter, error) {
	mode := &serial.Mode{BaudRate: baud}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "open serial port %s", name)
	}
	e, err := New(p, clock, log)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	e.log.WithField("port", name).WithField("baud", baud).Info("pulse port opened")
	return e, nil
}

// ListPorts returns the serial devices present on the host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}

// Pulse holds RTS high for width and returns the clock value taken right
// after the rising edge.
func (e *Emitter) Pulse(width time.Duration) (uint64, error) {
	if width <= 0 {
		return 0, ErrInvalidWidth
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}

	if err := e.port.SetRTS(true); err != nil {
		e.failures.Add(1)
		return 0, errors.Wrap(err, "raise RTS")
	}
	ts := e.clock.Now()
	e.sleep(width)
	if err := e.port.SetRTS(false); err != nil {
		// the edge happened; the line may be stuck high
		e.failures.Add(1)
		e.log.WithError(err).Error("failed to lower RTS")
		return ts, errors.Wrap(err, "lower RTS")
	}
	e.pulses.Add(1)
	return ts, nil
}

// Counts returns completed pulses and failed ones.
func (e *Emitter) Counts() (pulses, failures uint64) {
	return e.pulses.Load(), e.failures.Load()
}

func (e *Emitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.port.Close()
}
