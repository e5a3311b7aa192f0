// Package ingest moves MIDI from the driver callback to the router. The
// callback only copies bytes into a lock-free ring; a consumer goroutine parses
// them, routes notes through the live routing table with per-destination
// velocity scaling and delay, and hands every message to the listener bus.
package ingest

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	internalmidi "github.com/PixPMusic/mioc-router/internal/midi"
	"github.com/PixPMusic/mioc-router/internal/mioc"
	"github.com/PixPMusic/mioc-router/internal/routing"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrBufferOverflow reports that the ring dropped data.
	ErrBufferOverflow = errors.New("ingest ring buffer overflow")
	// ErrSysexTooLarge reports that a sysex message exceeded MaxSysex.
	ErrSysexTooLarge = errors.New("sysex message too large")

	ErrAlreadyStarted = errors.New("ingest engine already started")
)

// Sink is a MIDI output.
type Sink interface {
	Send(data []byte) error
}

type Options struct {
	RingBytes      int
	MaxSysex       int
	ListenerQueue  int
	MaxPending     int
	MaxImmediate   int
	DrainLimit     int
	ReportInterval time.Duration

	Layout   mioc.Layout
	Clock    internalmidi.Clock
	Table    *routing.Table
	Out      Sink
	DelayOut Sink // delayed notes; Out when nil
	Log      *logrus.Entry
}

func DefaultOptions() Options {
	return Options{
		RingBytes:      4096,
		MaxSysex:       1024,
		ListenerQueue:  256,
		MaxPending:     1024,
		MaxImmediate:   256,
		DrainLimit:     256,
		ReportInterval: 10 * time.Second,
		Layout:         mioc.DefaultLayout(),
	}
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	ReceivedBytes   uint64 `json:"received_bytes"`
	Dropped         uint64 `json:"dropped"`
	Lost            uint64 `json:"lost"`
	Chunks          uint64 `json:"chunks"`
	Messages        uint64 `json:"messages"`
	SysEx           uint64 `json:"sysex"`
	SysexTooLarge   uint64 `json:"sysex_too_large"`
	SysexTruncated  uint64 `json:"sysex_truncated"`
	Immediate       uint64 `json:"immediate"`
	Delayed         uint64 `json:"delayed"`
	DelayedDropped  uint64 `json:"delayed_dropped"`
	Unrouted        uint64 `json:"unrouted"`
	SendErrors      uint64 `json:"send_errors"`
	ListenerDropped uint64 `json:"listener_dropped"`
	Pending         int    `json:"pending"`
}

type outMsg struct {
	msg [3]byte
}

// Engine is the ingest pipeline. Receive is safe to call from the MIDI
// driver's callback; everything else runs on the consumer goroutine.
type Engine struct {
	opts  Options
	log   *logrus.Entry
	clock internalmidi.Clock

	ring   *Ring
	signal chan struct{}
	bus    *Bus

	// consumer-owned
	parser    *Parser
	sched     *Scheduler
	chunk     [SlotSize]byte
	immediate []outMsg
	events    []Message
	view      routing.View

	started  atomic.Bool
	stopped  atomic.Bool
	received atomic.Uint64

	chunks, messages, sysex              atomic.Uint64
	tooLarge, truncated                  atomic.Uint64
	immediateSent, delayed, delayedDrops atomic.Uint64
	unrouted, sendErrors, pending        atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Engine {
	def := DefaultOptions()
	if opts.RingBytes <= 0 {
		opts.RingBytes = def.RingBytes
	}
	if opts.MaxSysex <= 0 {
		opts.MaxSysex = def.MaxSysex
	}
	if opts.ListenerQueue <= 0 {
		opts.ListenerQueue = def.ListenerQueue
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = def.MaxPending
	}
	if opts.MaxImmediate <= 0 {
		opts.MaxImmediate = def.MaxImmediate
	}
	if opts.DrainLimit <= 0 {
		opts.DrainLimit = def.DrainLimit
	}
	if opts.Layout == (mioc.Layout{}) {
		opts.Layout = def.Layout
	}
	if opts.Clock == nil {
		opts.Clock = internalmidi.NewHostClock()
	}
	if opts.Table == nil {
		opts.Table = routing.NewTable()
	}
	if opts.DelayOut == nil {
		opts.DelayOut = opts.Out
	}
	if opts.Log == nil {
		opts.Log = logrus.WithField("component", "ingest")
	}

	return &Engine{
		opts:      opts,
		log:       opts.Log,
		clock:     opts.Clock,
		ring:      NewRing(opts.RingBytes),
		signal:    make(chan struct{}, 1),
		bus:       NewBus(opts.ListenerQueue, opts.Log),
		parser:    NewParser(opts.MaxSysex),
		sched:     NewScheduler(opts.MaxPending),
		immediate: make([]outMsg, 0, opts.MaxImmediate),
		events:    make([]Message, 0, opts.ListenerQueue),
	}
}

// Receive is the realtime entry point. It copies data into the ring and wakes
// the consumer. It does not lock, block or allocate, and does nothing after
// Stop.
func (e *Engine) Receive(data []byte, ts uint64) {
	if e.stopped.Load() || len(data) == 0 {
		return
	}
	e.received.Add(uint64(len(data)))
	e.ring.Write(data, ts)
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// Bus returns the listener bus.
func (e *Engine) Bus() *Bus { return e.bus }

func (e *Engine) AddMIDIListener(fn Listener) (uuid.UUID, error) {
	return e.bus.AddMIDIListener(fn)
}

func (e *Engine) AddSysExListener(fn Listener) (uuid.UUID, error) {
	return e.bus.AddSysExListener(fn)
}

func (e *Engine) RemoveListener(id uuid.UUID) error {
	return e.bus.RemoveListener(id)
}

// Table returns the routing table the engine reads.
func (e *Engine) Table() *routing.Table { return e.opts.Table }

// Start launches the consumer and listener dispatcher.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.bus.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()

	e.log.WithFields(logrus.Fields{
		"ring_slots":  e.ring.Slots(),
		"ring_bytes":  e.ring.Capacity(),
		"max_sysex":   e.opts.MaxSysex,
		"max_pending": e.opts.MaxPending,
	}).Info("ingest started")
	return nil
}

// Stop rejects further input, drains at most DrainLimit ring slots and waits
// for the consumer and dispatcher to exit. Pending delayed notes are dropped.
func (e *Engine) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.bus.Close()

	s := e.Stats()
	e.log.WithFields(logrus.Fields{
		"received_bytes": s.ReceivedBytes,
		"dropped":        s.Dropped,
		"immediate":      s.Immediate,
		"delayed":        s.Delayed,
	}).Info("ingest stopped")
}

func (e *Engine) run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer timer.Stop()

	var report <-chan time.Time
	if e.opts.ReportInterval > 0 {
		ticker := time.NewTicker(e.opts.ReportInterval)
		defer ticker.Stop()
		report = ticker.C
	}
	var last Stats

	for {
		e.poll(-1)
		e.armTimer(timer)

		select {
		case <-ctx.Done():
			e.poll(e.opts.DrainLimit)
			e.sched.Clear()
			e.pending.Store(0)
			return
		case <-e.signal:
		case <-timer.C:
		case <-report:
			last = e.report(last)
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func (e *Engine) armTimer(t *time.Timer) {
	stopTimer(t)
	next, ok := e.sched.Next()
	if !ok {
		return
	}
	now := e.clock.Now()
	var d time.Duration
	if next > now {
		d = time.Duration(next - now)
	}
	t.Reset(d)
}

// poll runs one cycle: due delayed notes first, then the notes routed from
// newly received data, then listener events. limit bounds the number of ring
// slots read; negative means until empty.
func (e *Engine) poll(limit int) {
	e.sched.FlushDue(e.clock.Now(), e.sendDelayed)

	e.view = e.opts.Table.Snapshot()
	for i := 0; limit < 0 || i < limit; i++ {
		n, ts, ok := e.ring.Read(&e.chunk)
		if !ok {
			break
		}
		e.chunks.Add(1)
		e.parser.Feed(e.chunk[:n], ts, e.handle)
	}
	e.view.Release()
	e.view = routing.View{}

	for i := range e.immediate {
		e.send(e.opts.Out, e.immediate[i].msg[:])
		e.immediateSent.Add(1)
	}
	e.immediate = e.immediate[:0]

	for i := range e.events {
		e.bus.Publish(e.events[i])
		e.events[i] = Message{}
	}
	e.events = e.events[:0]

	e.tooLarge.Store(e.parser.TooLarge())
	e.truncated.Store(e.parser.Truncated())
	e.pending.Store(uint64(e.sched.Len()))
}

func (e *Engine) handle(ev *Event) {
	e.messages.Add(1)
	if ev.Kind == EventSysEx {
		e.sysex.Add(1)
	}
	if ev.Kind == EventChannel {
		e.route(ev)
	}
	if e.bus.HasListeners() && len(e.events) < cap(e.events) {
		data := make([]byte, len(ev.Bytes()))
		copy(data, ev.Bytes())
		e.events = append(e.events, Message{Kind: ev.Kind, Data: data, TS: ev.TS})
	} else if e.bus.HasListeners() {
		e.bus.dropped.Add(1)
	}
}

// route fans a note out to every destination node with a non-zero weight.
func (e *Engine) route(ev *Event) {
	status := ev.Msg[0] & 0xF0
	if status != 0x80 && status != 0x90 {
		return
	}
	note, vel := ev.Msg[1], ev.Msg[2]
	src, ok := e.opts.Layout.NodeForNote(note)
	if !ok {
		e.unrouted.Add(1)
		return
	}

	m := e.view.Matrices()
	noteOn := status == 0x90 && vel > 0
	if noteOn {
		vel = m.Input[src].Apply(vel)
	}

	routed := false
	for dst := 0; dst < routing.Size; dst++ {
		w := m.Weight[src][dst]
		if w == 0 {
			continue
		}
		routed = true

		out := outMsg{}
		out.msg[0] = status | e.opts.Layout.ChannelForNode(dst)
		out.msg[1] = note
		out.msg[2] = vel
		if noteOn {
			out.msg[2] = m.Output[dst].Apply(scaleVelocity(vel, w))
		}

		delay := m.Delay[src][dst]
		if delay <= 0 {
			if len(e.immediate) < cap(e.immediate) {
				e.immediate = append(e.immediate, out)
			} else {
				// full this cycle: send now rather than lose the note
				e.send(e.opts.Out, out.msg[:])
				e.immediateSent.Add(1)
			}
			continue
		}
		due := ev.TS + uint64(delay*float64(time.Millisecond))
		if e.sched.Schedule(due, dst, out.msg) {
			e.delayed.Add(1)
		} else {
			e.delayedDrops.Add(1)
		}
	}
	if !routed {
		e.unrouted.Add(1)
	}
}

// scaleVelocity applies a route weight. The sign of the weight is ignored;
// a scaled note-on never becomes a note-off.
func scaleVelocity(v uint8, w float64) uint8 {
	y := math.Round(float64(v) * math.Abs(w))
	if y < 1 {
		return 1
	}
	if y > 127 {
		return 127
	}
	return uint8(y)
}

func (e *Engine) sendDelayed(dest int, msg []byte) {
	e.send(e.opts.DelayOut, msg)
}

func (e *Engine) send(s Sink, msg []byte) {
	if s == nil {
		return
	}
	if err := s.Send(msg); err != nil {
		e.sendErrors.Add(1)
	}
}

func (e *Engine) report(last Stats) Stats {
	s := e.Stats()
	if s.Dropped+s.Lost > last.Dropped+last.Lost {
		e.log.WithError(ErrBufferOverflow).WithFields(logrus.Fields{
			"dropped": s.Dropped - last.Dropped,
			"lost":    s.Lost - last.Lost,
		}).Warn("input dropped")
	}
	if s.SysexTooLarge > last.SysexTooLarge {
		e.log.WithError(ErrSysexTooLarge).WithFields(logrus.Fields{
			"count":     s.SysexTooLarge - last.SysexTooLarge,
			"max_sysex": e.opts.MaxSysex,
		}).Warn("sysex discarded")
	}
	if s.DelayedDropped > last.DelayedDropped {
		e.log.WithField("count", s.DelayedDropped-last.DelayedDropped).Warn("delayed notes dropped, scheduler full")
	}
	if s.ListenerDropped > last.ListenerDropped {
		e.log.WithField("count", s.ListenerDropped-last.ListenerDropped).Debug("listener events dropped")
	}
	return s
}

// Stats returns the current counters. Safe from any goroutine.
func (e *Engine) Stats() Stats {
	return Stats{
		ReceivedBytes:   e.received.Load(),
		Dropped:         e.ring.Dropped(),
		Lost:            e.ring.Lost(),
		Chunks:          e.chunks.Load(),
		Messages:        e.messages.Load(),
		SysEx:           e.sysex.Load(),
		SysexTooLarge:   e.tooLarge.Load(),
		SysexTruncated:  e.truncated.Load(),
		Immediate:       e.immediateSent.Load(),
		Delayed:         e.delayed.Load(),
		DelayedDropped:  e.delayedDrops.Load(),
		Unrouted:        e.unrouted.Load(),
		SendErrors:      e.sendErrors.Load(),
		ListenerDropped: e.bus.Stats().Dropped,
		Pending:         int(e.pending.Load()),
	}
}
