// Package device keeps a MIOC configured over sysex. It sends one request at
// a time, matches the device's reply to it, retries on timeout and mirrors the
// acknowledged configuration in a State. The same operations can drive an
// internal processor instead of, or as well as, the hardware.
package device

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PixPMusic/mioc-router/internal/mioc"
	"github.com/PixPMusic/mioc-router/internal/sysex"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrDeviceBusy         = errors.New("device busy: request queue full")
	ErrDeviceUnresponsive = errors.New("device unresponsive")
	ErrRequestCancelled   = errors.New("request cancelled by device")
	ErrUnexpectedReply    = errors.New("reply does not match the outstanding request")
	ErrNoSender           = errors.New("no sysex output configured")
	ErrSendFailed         = errors.New("sysex send failed")
	ErrClosed             = errors.New("device engine closed")
)

// Target selects where configuration changes go.
type Target int

const (
	TargetDevice Target = 1 << iota
	TargetInternal
	TargetBoth = TargetDevice | TargetInternal
)

func (t Target) String() string {
	switch t {
	case TargetDevice:
		return "device"
	case TargetInternal:
		return "internal"
	case TargetBoth:
		return "both"
	}
	return "unknown"
}

func (t Target) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// ParseTarget accepts device, internal or both.
func ParseTarget(s string) (Target, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "device":
		return TargetDevice, nil
	case "internal":
		return TargetInternal, nil
	case "both":
		return TargetBoth, nil
	}
	return 0, errors.Errorf("unknown target %q", s)
}

// Sender writes one framed sysex message to the device. It must not call
// back into the Engine synchronously.
type Sender interface {
	SendSysEx(msg []byte) error
}

// InternalProcessor stands in for the device when routing locally.
type InternalProcessor interface {
	Connect(c mioc.Connection) error
	Disconnect(c mioc.Connection) error
	SetVelocityProcessors(list []mioc.VelocityProcessor) error
}

type Options struct {
	Device       mioc.Device
	ReplyTimeout time.Duration
	MaxRetries   int
	OfflineAfter int
	QueueDepth   int
	Target       Target
	HostPort     uint8 // 1-based port the host should be plugged into
	Log          *logrus.Entry

	// OnSent, if set, is told whether each sysex write succeeded.
	OnSent func(msg []byte, ok bool)
}

func DefaultOptions() Options {
	return Options{
		Device:       mioc.DefaultDevice(),
		ReplyTimeout: 500 * time.Millisecond,
		MaxRetries:   2,
		OfflineAfter: 3,
		QueueDepth:   64,
		Target:       TargetDevice,
		HostPort:     8,
	}
}

// Stats counts protocol traffic.
type Stats struct {
	Sent             uint64 `json:"sent"`
	SendFailures     uint64 `json:"send_failures"`
	Acks             uint64 `json:"acks"`
	Responses        uint64 `json:"responses"`
	Cancels          uint64 `json:"cancels"`
	Timeouts         uint64 `json:"timeouts"`
	Retries          uint64 `json:"retries"`
	Malformed        uint64 `json:"malformed"`
	ChecksumFailures uint64 `json:"checksum_failures"`
	Unexpected       uint64 `json:"unexpected"`
	Busy             uint64 `json:"busy"`
}

type counters struct {
	sent, sendFailures, acks, responses, cancels atomic.Uint64
	timeouts, retries, malformed, checksum       atomic.Uint64
	unexpected, busy                             atomic.Uint64
}

type requestKind int

const (
	kindProcessor requestKind = iota
	kindQuery
)

type request struct {
	kind     requestKind
	opcode   byte
	msg      []byte
	what     string
	attempts int
	done     chan error

	// onReply runs under the engine lock when a reply arrives. An error
	// wrapping sysex.ErrMalformedPayload drops the reply and must leave state
	// untouched; any other error fails the request without retrying.
	onReply func(m sysex.Message) error
}

// Engine is the protocol state machine. All methods are safe for concurrent use.
type Engine struct {
	opts     Options
	log      *logrus.Entry
	sender   Sender
	internal InternalProcessor

	mu                  sync.Mutex
	state               State
	current             *request
	queue               []*request
	gen                 uint64
	timer               *time.Timer
	consecutiveTimeouts int
	closed              bool

	subsMu sync.Mutex
	subs   map[int]chan State
	nextID int

	stats counters
}

// New returns an engine. sender may be nil when Target is TargetInternal;
// internal may be nil when it is TargetDevice.
func New(opts Options, sender Sender, internal InternalProcessor) *Engine {
	def := DefaultOptions()
	if opts.Device == (mioc.Device{}) {
		opts.Device = def.Device
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = def.ReplyTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.OfflineAfter <= 0 {
		opts.OfflineAfter = def.OfflineAfter
	}
	if opts.QueueDepth < 0 {
		opts.QueueDepth = 0
	}
	if opts.Target == 0 {
		opts.Target = def.Target
	}
	if opts.HostPort == 0 {
		opts.HostPort = def.HostPort
	}
	if opts.Log == nil {
		opts.Log = logrus.WithField("component", "device")
	}

	e := &Engine{
		opts:     opts,
		log:      opts.Log,
		sender:   sender,
		internal: internal,
		subs:     make(map[int]chan State),
	}
	e.state.DeviceID = opts.Device.ID
	e.state.DeviceType = opts.Device.Type
	e.state.Target = opts.Target
	return e
}

// State returns a deep copy of the mirrored device state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// Target returns where changes currently go.
func (e *Engine) Target() Target {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts.Target
}

// SetTarget switches between the device and the internal processor.
func (e *Engine) SetTarget(t Target) {
	e.mu.Lock()
	e.opts.Target = t
	e.state.Target = t
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) Stats() Stats {
	return Stats{
		Sent:             e.stats.sent.Load(),
		SendFailures:     e.stats.sendFailures.Load(),
		Acks:             e.stats.acks.Load(),
		Responses:        e.stats.responses.Load(),
		Cancels:          e.stats.cancels.Load(),
		Timeouts:         e.stats.timeouts.Load(),
		Retries:          e.stats.retries.Load(),
		Malformed:        e.stats.malformed.Load(),
		ChecksumFailures: e.stats.checksum.Load(),
		Unexpected:       e.stats.unexpected.Load(),
		Busy:             e.stats.busy.Load(),
	}
}

// Subscribe returns a channel that always holds the latest state after each
// change. Intermediate states may be skipped. cancel closes the channel.
func (e *Engine) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	e.subsMu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = ch
	e.subsMu.Unlock()

	ch <- e.State()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subsMu.Lock()
			delete(e.subs, id)
			e.subsMu.Unlock()
			close(ch)
		})
	}
}

func (e *Engine) notify() {
	s := e.State()
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		// latest wins: replace an unread state
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// submit queues r, or sends it when nothing is outstanding.
func (e *Engine) submit(r *request) (<-chan error, error) {
	if e.sender == nil {
		return nil, ErrNoSender
	}
	r.done = make(chan error, 1)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if e.current != nil {
		if len(e.queue) >= e.opts.QueueDepth {
			e.mu.Unlock()
			e.stats.busy.Add(1)
			return nil, errors.Wrapf(ErrDeviceBusy, "%s (%d queued)", r.what, len(e.queue))
		}
		e.queue = append(e.queue, r)
		e.mu.Unlock()
		return r.done, nil
	}
	e.startLocked(r)
	e.mu.Unlock()
	e.notify()
	return r.done, nil
}

// startLocked sends r and arms its timer, moving on to the next queued
// request if the send fails.
func (e *Engine) startLocked(r *request) {
	for r != nil {
		e.current = r
		e.state.AwaitingReply = true
		if err := e.sendLocked(r); err != nil {
			r = e.finishLocked(err)
			continue
		}
		return
	}
}

func (e *Engine) sendLocked(r *request) error {
	err := e.sender.SendSysEx(r.msg)
	if e.opts.OnSent != nil {
		e.opts.OnSent(r.msg, err == nil)
	}
	if err != nil {
		e.stats.sendFailures.Add(1)
		e.log.WithError(err).WithField("request", r.what).Warn("sysex send failed")
		return errors.Wrapf(ErrSendFailed, "%s: %v", r.what, err)
	}
	e.stats.sent.Add(1)
	e.log.WithField("request", r.what).Debug("sent")
	e.armLocked()
	return nil
}

// armLocked invalidates any previous timer before arming a new one.
func (e *Engine) armLocked() {
	e.disarmLocked()
	gen := e.gen
	e.state.Deadline = time.Now().Add(e.opts.ReplyTimeout)
	e.timer = time.AfterFunc(e.opts.ReplyTimeout, func() {
		e.onTimer(gen)
	})
}

func (e *Engine) disarmLocked() {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.state.Deadline = time.Time{}
}

// finishLocked completes the outstanding request and returns the next queued
// one, which the caller must start.
func (e *Engine) finishLocked(err error) *request {
	r := e.current
	e.current = nil
	e.state.AwaitingReply = false
	e.disarmLocked()
	if r != nil {
		r.done <- err
	}
	if len(e.queue) == 0 {
		return nil
	}
	next := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return next
}

func (e *Engine) onTimer(gen uint64) {
	e.mu.Lock()
	if gen != e.gen || e.current == nil {
		// superseded by a reply or a newer request
		e.mu.Unlock()
		return
	}
	e.timeoutLocked()
	e.mu.Unlock()
	e.notify()
}

// HandleReplyTimeout expires the outstanding request's current window as if
// its timer had fired. It reports whether anything was outstanding.
func (e *Engine) HandleReplyTimeout() bool {
	e.mu.Lock()
	if e.current == nil {
		e.mu.Unlock()
		return false
	}
	e.timeoutLocked()
	e.mu.Unlock()
	e.notify()
	return true
}

func (e *Engine) timeoutLocked() {
	r := e.current
	e.stats.timeouts.Add(1)
	e.consecutiveTimeouts++

	if e.consecutiveTimeouts >= e.opts.OfflineAfter && e.state.Online {
		e.state.Online = false
		e.log.WithField("timeouts", e.consecutiveTimeouts).Warn("device offline")
	}

	if r.attempts < e.opts.MaxRetries {
		r.attempts++
		e.stats.retries.Add(1)
		e.log.WithFields(logrus.Fields{"request": r.what, "attempt": r.attempts}).Info("no reply, retrying")
		if err := e.sendLocked(r); err != nil {
			e.startLocked(e.finishLocked(err))
		}
		return
	}

	e.log.WithField("request", r.what).Warn("no reply, giving up")
	e.startLocked(e.finishLocked(errors.Wrapf(ErrDeviceUnresponsive, "%s after %d attempts", r.what, r.attempts+1)))
}

// HandleReply feeds one received sysex message to the engine. Replies that do
// not parse, fail the checksum, carry a payload too short to decode or do not
// answer the outstanding request are counted and dropped; the request stays
// outstanding until its timeout.
func (e *Engine) HandleReply(raw []byte) error {
	m, err := sysex.ParseMessage(raw)
	if err != nil {
		if errors.Is(err, sysex.ErrChecksumMismatch) {
			e.stats.checksum.Add(1)
		} else if !errors.Is(err, sysex.ErrNotDeviceMessage) {
			e.stats.malformed.Add(1)
		}
		e.log.WithError(err).Debug("reply dropped")
		return err
	}
	if m.DeviceID != e.opts.Device.ID {
		return errors.Wrapf(ErrUnexpectedReply, "device ID 0x%02X", m.DeviceID)
	}

	e.mu.Lock()
	r := e.current
	if r == nil {
		e.mu.Unlock()
		e.stats.unexpected.Add(1)
		e.log.WithField("reply", m.String()).Debug("reply with nothing outstanding")
		return errors.Wrap(ErrUnexpectedReply, "nothing outstanding")
	}

	var result error
	switch {
	case m.Opcode == sysex.OpCancel:
		e.stats.cancels.Add(1)
		result = errors.Wrap(ErrRequestCancelled, r.what)

	case sysex.IsResponseTo(r.opcode, m.Opcode):
		if r.onReply != nil {
			result = r.onReply(m)
		}
		if errors.Is(result, sysex.ErrMalformedPayload) {
			// not an answer; the timeout still covers the request
			e.mu.Unlock()
			e.stats.malformed.Add(1)
			e.log.WithError(result).WithField("request", r.what).Debug("reply dropped")
			return result
		}
		if m.Opcode == sysex.OpAcknowledge {
			e.stats.acks.Add(1)
		} else {
			e.stats.responses.Add(1)
		}

	default:
		e.mu.Unlock()
		e.stats.unexpected.Add(1)
		e.log.WithFields(logrus.Fields{"request": r.what, "reply": m.String()}).Debug("reply does not match")
		return errors.Wrapf(ErrUnexpectedReply, "%s for %s", m, r.what)
	}

	e.consecutiveTimeouts = 0
	e.state.Online = true
	e.log.WithFields(logrus.Fields{"request": r.what, "reply": m.String()}).Debug("reply")
	e.startLocked(e.finishLocked(result))
	e.mu.Unlock()
	e.notify()
	return nil
}

// Close fails every queued and outstanding request.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	queued := e.queue
	e.queue = nil
	if e.current != nil {
		e.finishLocked(ErrClosed)
	}
	e.mu.Unlock()

	for _, r := range queued {
		r.done <- ErrClosed
	}
	e.notify()
}
