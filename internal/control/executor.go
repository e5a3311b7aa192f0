// Package control runs operator and scheduler commands against the device
// engine, the routing table and the pulse output. Each command is one line of
// text: a command type followed by its argument code.
package control

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/PixPMusic/mioc-router/internal/device"
	"github.com/PixPMusic/mioc-router/internal/mioc"
	"github.com/PixPMusic/mioc-router/internal/routing"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUnsupported    = errors.New("command not available")
)

// Device is the part of the device engine commands drive.
type Device interface {
	Connect(ctx context.Context, c mioc.Connection) error
	Disconnect(ctx context.Context, c mioc.Connection) error
	ConnectMany(ctx context.Context, list []mioc.Connection) error
	DisconnectMany(ctx context.Context, list []mioc.Connection) error
	DisconnectAll(ctx context.Context) error
	AddVelocityProcessors(ctx context.Context, list []mioc.VelocityProcessor) error
	RemoveVelocityProcessors(ctx context.Context, list []mioc.VelocityProcessor) error
	InitializeFilters(ctx context.Context) error
	Reset(ctx context.Context) error
	Initialize(ctx context.Context) error
	QueryPortAddress(ctx context.Context) (bool, error)
	QueryDeviceName(ctx context.Context) (string, error)
	QueryPortNames(ctx context.Context) (device.PortNames, error)
	State() device.State
	SetTarget(t device.Target)
}

// Pulser emits one hardware sync pulse and returns its timestamp.
type Pulser interface {
	Pulse(width time.Duration) (uint64, error)
}

type Options struct {
	Device     Device // nil disables device commands
	Table      *routing.Table
	Out        Sink // send command output
	Pulser     Pulser
	PulseWidth time.Duration
	Scripts    map[string][]string
	Timeout    time.Duration // per command; zero waits for the command's context
	Log        *logrus.Entry
}

// env is shared by handlers so one context bounds every command.
type env struct {
	mu      sync.Mutex
	ctx     context.Context
	timeout time.Duration
}

func (e *env) op() (context.Context, context.CancelFunc) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

func (e *env) setContext(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()
}

// Executor dispatches commands to handlers by type
type Executor struct {
	handlers map[CommandType]Handler
	env      *env
	log      *logrus.Entry
}

// NewExecutor creates an executor with every handler registered. Handlers
// whose dependency is missing report IsSupported false.
func NewExecutor(opts Options) *Executor {
	if opts.Log == nil {
		opts.Log = logrus.WithField("component", "control")
	}
	env := &env{ctx: context.Background(), timeout: opts.Timeout}
	e := &Executor{env: env, log: opts.Log}
	e.handlers = map[CommandType]Handler{
		CommandConnect:    &ConnectHandler{dev: opts.Device, env: env, connect: true},
		CommandDisconnect: &ConnectHandler{dev: opts.Device, env: env},
		CommandVelocity:   &VelocityHandler{dev: opts.Device, env: env, add: true},
		CommandUnvelocity: &VelocityHandler{dev: opts.Device, env: env},
		CommandFilters:    &DeviceOpHandler{dev: opts.Device, env: env, name: "filters initialized", op: Device.InitializeFilters},
		CommandReset:      &DeviceOpHandler{dev: opts.Device, env: env, name: "reset", op: Device.Reset},
		CommandInit:       &DeviceOpHandler{dev: opts.Device, env: env, name: "initialized", op: Device.Initialize},
		CommandQuery:      &QueryHandler{dev: opts.Device, env: env},
		CommandTarget:     &TargetHandler{dev: opts.Device},
		CommandState:      &StateHandler{dev: opts.Device},
		CommandRoute:      &RouteHandler{table: opts.Table},
		CommandSleep:      &SleepHandler{env: env},
		CommandPulse:      &PulseHandler{pulser: opts.Pulser, width: opts.PulseWidth},
		CommandSend:       &SendHandler{out: opts.Out},
		CommandRun:        &RunHandler{exec: e, scripts: opts.Scripts},
	}
	return e
}

// Execute runs a command based on its type
func (e *Executor) Execute(cmd Command) (string, error) {
	handler, err := e.handler(cmd.Type)
	if err != nil {
		return "", err
	}
	out, err := handler.Execute(cmd.Code)
	if err != nil {
		e.log.WithError(err).WithField("command", string(cmd.Type)).Debug("command failed")
		return out, errors.Wrap(err, string(cmd.Type))
	}
	return out, nil
}

// ExecuteLine parses and runs one control line
func (e *Executor) ExecuteLine(line string) (string, error) {
	cmd, err := ParseLine(line)
	if err != nil {
		return "", err
	}
	return e.Execute(cmd)
}

// Validate checks a command without running it
func (e *Executor) Validate(cmd Command) error {
	handler, err := e.handler(cmd.Type)
	if err != nil {
		return err
	}
	return handler.Validate(cmd.Code)
}

func (e *Executor) handler(t CommandType) (Handler, error) {
	handler, ok := e.handlers[t]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownCommand, "%q", t)
	}
	if !handler.IsSupported() {
		return nil, errors.Wrapf(ErrUnsupported, "%q", t)
	}
	return handler, nil
}

// Supported lists the command types that can run, sorted
func (e *Executor) Supported() []CommandType {
	var out []CommandType
	for _, t := range sortedTypes(e.handlers) {
		if e.handlers[t].IsSupported() {
			out = append(out, t)
		}
	}
	return out
}

// RunLines validates every line, then runs them in order and stops at the
// first failure. Blank lines and comments are skipped.
func (e *Executor) RunLines(lines []string) ([]string, error) {
	cmds := make([]Command, 0, len(lines))
	for i, line := range lines {
		cmd, err := ParseLine(line)
		if errors.Is(err, ErrEmptyCommand) {
			continue
		}
		if err := e.Validate(cmd); err != nil {
			return nil, errors.Wrapf(err, "line %d", i+1)
		}
		cmds = append(cmds, cmd)
	}

	outputs := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		out, err := e.Execute(cmd)
		if err != nil {
			return outputs, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// Serve reads control lines from r until EOF or ctx is done and writes one
// "ok" or "error" line per command to w. Commands inherit ctx.
func (e *Executor) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	e.env.setContext(ctx)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cmd, err := ParseLine(scanner.Text())
		if errors.Is(err, ErrEmptyCommand) {
			continue
		}
		out, err := e.Execute(cmd)
		switch {
		case err != nil:
			fmt.Fprintf(w, "error: %v\n", err)
		case out == "":
			fmt.Fprintln(w, "ok")
		default:
			fmt.Fprintf(w, "ok %s\n", out)
		}
	}
	return scanner.Err()
}
