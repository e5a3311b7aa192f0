package device

import (
	"context"

	"github.com/PixPMusic/mioc-router/internal/mioc"
	"github.com/PixPMusic/mioc-router/internal/sysex"
	"github.com/pkg/errors"
)

func (e *Engine) wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// the request stays queued; its reply still updates State
		return ctx.Err()
	}
}

// change applies a processor add or remove to the current target. apply runs
// under the engine lock once the device acknowledges, or immediately when only
// the internal processor is targeted.
func (e *Engine) change(ctx context.Context, p mioc.Processor, add bool, apply func() error) error {
	if err := p.Validate(); err != nil {
		return err
	}

	if e.Target()&TargetDevice == 0 {
		e.mu.Lock()
		err := apply()
		e.mu.Unlock()
		e.notify()
		return err
	}

	msg, err := e.opts.Device.ProcessorMessage(p, add)
	if err != nil {
		return err
	}
	verb := "remove"
	if add {
		verb = "add"
	}
	done, err := e.submit(&request{
		kind:    kindProcessor,
		opcode:  sysex.OpProcessor,
		msg:     msg,
		what:    verb + " " + p.String(),
		onReply: func(sysex.Message) error { return apply() },
	})
	if err != nil {
		return err
	}
	return e.wait(ctx, done)
}

func (e *Engine) internalTargeted() bool {
	return e.opts.Target&TargetInternal != 0 && e.internal != nil
}

// Connect adds a route.
func (e *Engine) Connect(ctx context.Context, c mioc.Connection) error {
	return e.change(ctx, c, true, func() error {
		if e.internalTargeted() {
			if err := e.internal.Connect(c); err != nil {
				return errors.Wrap(err, "internal processor")
			}
		}
		e.state.Connections = putConnection(e.state.Connections, c)
		return nil
	})
}

// Disconnect removes a route.
func (e *Engine) Disconnect(ctx context.Context, c mioc.Connection) error {
	return e.change(ctx, c, false, func() error {
		if e.internalTargeted() {
			if err := e.internal.Disconnect(c); err != nil {
				return errors.Wrap(err, "internal processor")
			}
		}
		e.state.Connections = deleteConnection(e.state.Connections, c)
		return nil
	})
}

// ConnectMany connects each route in turn and stops at the first failure.
func (e *Engine) ConnectMany(ctx context.Context, list []mioc.Connection) error {
	for _, c := range list {
		if err := e.Connect(ctx, c); err != nil {
			return errors.Wrapf(err, "connect %s", c)
		}
	}
	return nil
}

// DisconnectMany disconnects each route in turn and stops at the first failure.
func (e *Engine) DisconnectMany(ctx context.Context, list []mioc.Connection) error {
	for _, c := range list {
		if err := e.Disconnect(ctx, c); err != nil {
			return errors.Wrapf(err, "disconnect %s", c)
		}
	}
	return nil
}

// DisconnectAll removes every route in the mirrored state.
func (e *Engine) DisconnectAll(ctx context.Context) error {
	return e.DisconnectMany(ctx, e.State().Connections)
}

func (e *Engine) pushVelocityProcessorsLocked() error {
	if !e.internalTargeted() {
		return nil
	}
	list := append([]mioc.VelocityProcessor(nil), e.state.VelocityProcessors...)
	if err := e.internal.SetVelocityProcessors(list); err != nil {
		return errors.Wrap(err, "internal processor")
	}
	return nil
}

// AddVelocityProcessor installs p, replacing any processor in the same
// port, channel, direction and position.
func (e *Engine) AddVelocityProcessor(ctx context.Context, p mioc.VelocityProcessor) error {
	return e.change(ctx, p, true, func() error {
		e.state.VelocityProcessors = putVelocityProcessor(e.state.VelocityProcessors, p)
		return e.pushVelocityProcessorsLocked()
	})
}

func (e *Engine) RemoveVelocityProcessor(ctx context.Context, p mioc.VelocityProcessor) error {
	return e.change(ctx, p, false, func() error {
		e.state.VelocityProcessors = deleteVelocityProcessor(e.state.VelocityProcessors, p)
		return e.pushVelocityProcessorsLocked()
	})
}

func (e *Engine) AddVelocityProcessors(ctx context.Context, list []mioc.VelocityProcessor) error {
	for _, p := range list {
		if err := e.AddVelocityProcessor(ctx, p); err != nil {
			return errors.Wrapf(err, "add %s", p)
		}
	}
	return nil
}

func (e *Engine) RemoveVelocityProcessors(ctx context.Context, list []mioc.VelocityProcessor) error {
	for _, p := range list {
		if err := e.RemoveVelocityProcessor(ctx, p); err != nil {
			return errors.Wrapf(err, "remove %s", p)
		}
	}
	return nil
}

// InitializeFilters installs an input active-sense filter on every port.
func (e *Engine) InitializeFilters(ctx context.Context) error {
	if e.Target()&TargetDevice != 0 {
		for port := uint8(1); port <= mioc.PortCount; port++ {
			f := mioc.FilterProcessor{Port: port, Kind: mioc.FilterActiveSense, Direction: mioc.Input}
			if err := e.change(ctx, f, true, func() error { return nil }); err != nil {
				return errors.Wrapf(err, "filter on port %d", port)
			}
		}
	}

	e.mu.Lock()
	e.state.FiltersInitialized = true
	e.mu.Unlock()
	e.notify()
	return nil
}

// Reset removes every route and velocity processor.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.DisconnectAll(ctx); err != nil {
		return err
	}
	return e.RemoveVelocityProcessors(ctx, e.State().VelocityProcessors)
}

// Initialize checks the device is online, reads its name and installs the
// input filters.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.Target()&TargetDevice != 0 {
		if _, err := e.QueryPortAddress(ctx); err != nil {
			return err
		}
		if _, err := e.QueryDeviceName(ctx); err != nil {
			return err
		}
	}
	return e.InitializeFilters(ctx)
}

func (e *Engine) query(ctx context.Context, opcode byte, what string, onReply func(sysex.Message) error) error {
	msg, err := e.opts.Device.QueryMessage(opcode)
	if err != nil {
		return err
	}
	done, err := e.submit(&request{
		kind:    kindQuery,
		opcode:  opcode,
		msg:     msg,
		what:    what,
		onReply: onReply,
	})
	if err != nil {
		return err
	}
	return e.wait(ctx, done)
}

// QueryPortAddress asks which port the host is connected to. It reports
// whether that is the expected host port.
func (e *Engine) QueryPortAddress(ctx context.Context) (bool, error) {
	var correct bool
	err := e.query(ctx, sysex.OpPortAddressRequest, "port address query", func(m sysex.Message) error {
		if len(m.Payload) < 2 {
			return errors.Wrap(sysex.ErrMalformedPayload, "port address response")
		}
		out, in := m.Payload[0], m.Payload[1]
		want := e.opts.HostPort - 1
		correct = in == want && out == want
		e.state.CorrectPort = correct
		if !correct {
			e.log.WithField("in", in+1).WithField("out", out+1).Warn("host is not on the expected port")
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return correct, nil
}

// CheckOnline is QueryPortAddress without the port check.
func (e *Engine) CheckOnline(ctx context.Context) bool {
	_, err := e.QueryPortAddress(ctx)
	return err == nil
}

func (e *Engine) QueryDeviceName(ctx context.Context) (string, error) {
	var name string
	err := e.query(ctx, sysex.OpDeviceNameRequest, "device name query", func(m sysex.Message) error {
		n, err := sysex.ASCIIField(m.Payload, 0, sysex.DeviceNameLength)
		if err != nil {
			return err
		}
		name = n
		e.state.DeviceName = n
		return nil
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// QueryPortNames reads the eight input names followed by the eight output names.
func (e *Engine) QueryPortNames(ctx context.Context) (PortNames, error) {
	var names PortNames
	err := e.query(ctx, sysex.OpPortNamesRequest, "port names query", func(m sysex.Message) error {
		for i := 0; i < sysex.PortCount; i++ {
			in, err := sysex.ASCIIField(m.Payload, i*sysex.PortNameLength, sysex.PortNameLength)
			if err != nil {
				return err
			}
			out, err := sysex.ASCIIField(m.Payload, (sysex.PortCount+i)*sysex.PortNameLength, sysex.PortNameLength)
			if err != nil {
				return err
			}
			names.In[i] = in
			names.Out[i] = out
		}
		e.state.PortNames = names
		return nil
	})
	if err != nil {
		return PortNames{}, err
	}
	return names, nil
}
