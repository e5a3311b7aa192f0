package ingest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2"
)

var (
	ErrListenerNotFound = errors.New("listener not found")
	ErrBusClosed        = errors.New("listener bus is closed")
)

// Message is what listeners receive. Data is owned by the listener.
type Message struct {
	Kind EventKind
	Data midi.Message
	TS   uint64
}

// Listener handles one message on the dispatcher goroutine.
type Listener func(Message)

type registration struct {
	id    uuid.UUID
	sysex bool
	fn    Listener
}

// BusStats counts listener deliveries.
type BusStats struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
	Panics    uint64
	Listeners int
}

// Bus fans messages out to registered listeners in registration order. A
// single dispatcher goroutine calls them, fed by a bounded queue; Publish never
// blocks and drops when the queue is full.
type Bus struct {
	mu     sync.RWMutex
	regs   []registration
	closed bool

	count atomic.Int32
	queue chan Message
	done  chan struct{}

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64

	log *logrus.Entry
}

func NewBus(depth int, log *logrus.Entry) *Bus {
	if depth < 1 {
		depth = 1
	}
	if log == nil {
		log = logrus.WithField("component", "ingest")
	}
	return &Bus{
		queue: make(chan Message, depth),
		done:  make(chan struct{}),
		log:   log,
	}
}

// AddMIDIListener registers fn for channel, system and realtime messages.
func (b *Bus) AddMIDIListener(fn Listener) (uuid.UUID, error) {
	return b.add(fn, false)
}

// AddSysExListener registers fn for complete sysex messages.
func (b *Bus) AddSysExListener(fn Listener) (uuid.UUID, error) {
	return b.add(fn, true)
}

func (b *Bus) add(fn Listener, sysex bool) (uuid.UUID, error) {
	if fn == nil {
		return uuid.Nil, errors.New("listener cannot be nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return uuid.Nil, ErrBusClosed
	}
	id := uuid.New()
	b.regs = append(b.regs, registration{id: id, sysex: sysex, fn: fn})
	b.count.Add(1)
	return id, nil
}

// RemoveListener unregisters a listener by ID.
func (b *Bus) RemoveListener(id uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, r := range b.regs {
		if r.id == id {
			b.regs = append(b.regs[:i:i], b.regs[i+1:]...)
			b.count.Add(-1)
			return nil
		}
	}
	return ErrListenerNotFound
}

// HasListeners reports whether anything is registered, so callers can skip
// copying message data nobody will read.
func (b *Bus) HasListeners() bool {
	return b.count.Load() > 0
}

// Publish queues m for delivery without blocking. It returns false if the
// message was dropped.
func (b *Bus) Publish(m Message) bool {
	b.published.Add(1)
	select {
	case <-b.done:
		b.dropped.Add(1)
		return false
	default:
	}
	select {
	case b.queue <- m:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Run dispatches until ctx is done or Close is called, then delivers what is
// already queued.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case m := <-b.queue:
			b.dispatch(m)
		case <-ctx.Done():
			b.flush()
			return
		case <-b.done:
			b.flush()
			return
		}
	}
}

func (b *Bus) flush() {
	for {
		select {
		case m := <-b.queue:
			b.dispatch(m)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(m Message) {
	b.mu.RLock()
	regs := b.regs
	b.mu.RUnlock()

	wantSysex := m.Kind == EventSysEx
	for _, r := range regs {
		if r.sysex != wantSysex {
			continue
		}
		b.call(r, m)
	}
}

func (b *Bus) call(r registration, m Message) {
	defer func() {
		if p := recover(); p != nil {
			b.panics.Add(1)
			b.log.WithField("listener", r.id).Errorf("listener panicked: %v", p)
		}
	}()
	r.fn(m)
	b.delivered.Add(1)
}

// Close stops accepting messages. Run returns after flushing the queue.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

func (b *Bus) Stats() BusStats {
	return BusStats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
		Panics:    b.panics.Load(),
		Listeners: int(b.count.Load()),
	}
}
