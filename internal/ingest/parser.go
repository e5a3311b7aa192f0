package ingest

// EventKind classifies what the parser produced.
type EventKind uint8

const (
	EventChannel  EventKind = iota // note, controller, program, pressure, pitch bend
	EventSystem                    // system common
	EventRealtime                  // clock, start, stop, active sensing, reset
	EventSysEx                     // complete F0..F7 message
)

// Event is one parsed MIDI message. For EventSysEx, SysEx aliases the
// parser's buffer and is only valid until the next call to Feed.
type Event struct {
	Kind  EventKind
	Msg   [3]byte
	Len   uint8
	SysEx []byte
	TS    uint64
}

// Bytes returns the channel, system or realtime message bytes.
func (e *Event) Bytes() []byte {
	if e.Kind == EventSysEx {
		return e.SysEx
	}
	return e.Msg[:e.Len]
}

// Parser turns a byte stream, possibly split at arbitrary points, into
// messages. It keeps running status and reassembles sysex up to a bound.
// It never allocates after construction.
type Parser struct {
	running uint8
	msg     [3]byte
	have    uint8
	need    uint8

	sysex      []byte
	inSysex    bool
	discarding bool

	tooLarge  uint64
	truncated uint64
	stray     uint64

	ev Event
}

// NewParser returns a parser that reassembles sysex of up to maxSysex bytes,
// framing included.
func NewParser(maxSysex int) *Parser {
	if maxSysex < 2 {
		maxSysex = 2
	}
	return &Parser{sysex: make([]byte, 0, maxSysex)}
}

// dataLength is the number of data bytes following a status byte.
func dataLength(status uint8) uint8 {
	switch status & 0xF0 {
	case 0xC0, 0xD0:
		return 1
	case 0x80, 0x90, 0xA0, 0xB0, 0xE0:
		return 2
	}
	switch status {
	case 0xF1, 0xF3:
		return 1
	case 0xF2:
		return 2
	}
	return 0
}

// Feed parses data and calls emit for every complete message.
func (p *Parser) Feed(data []byte, ts uint64, emit func(*Event)) {
	ev := &p.ev
	for _, b := range data {
		switch {
		case b >= 0xF8:
			// realtime bytes may appear anywhere, even inside sysex
			*ev = Event{Kind: EventRealtime, Len: 1, TS: ts}
			ev.Msg[0] = b
			emit(ev)

		case b == 0xF0:
			if p.inSysex {
				p.truncated++
			}
			p.running = 0
			p.have = 0
			p.inSysex = true
			p.discarding = false
			p.sysex = append(p.sysex[:0], b)

		case b == 0xF7:
			if !p.inSysex {
				p.stray++
				continue
			}
			p.inSysex = false
			if p.discarding {
				p.discarding = false
				continue
			}
			if !p.appendSysex(b) {
				p.discarding = false
				continue
			}
			*ev = Event{Kind: EventSysEx, SysEx: p.sysex, TS: ts}
			emit(ev)

		case b&0x80 != 0:
			if p.inSysex {
				// a status byte ends an unterminated sysex
				p.inSysex = false
				if !p.discarding {
					p.truncated++
				}
				p.discarding = false
			}
			p.msg[0] = b
			p.have = 1
			p.need = dataLength(b)
			if b < 0xF0 {
				p.running = b
			} else {
				p.running = 0
			}
			if p.need == 0 {
				p.have = 0
				*ev = Event{Kind: EventSystem, Len: 1, TS: ts}
				ev.Msg[0] = b
				emit(ev)
			}

		default:
			if p.inSysex {
				if !p.discarding {
					p.appendSysex(b)
				}
				continue
			}
			if p.have == 0 {
				if p.running == 0 {
					p.stray++
					continue
				}
				p.msg[0] = p.running
				p.have = 1
				p.need = dataLength(p.running)
			}
			p.msg[p.have] = b
			p.have++
			if p.have == p.need+1 {
				*ev = Event{Kind: EventChannel, Msg: p.msg, Len: p.have, TS: ts}
				if p.msg[0] >= 0xF0 {
					ev.Kind = EventSystem
				}
				p.have = 0
				emit(ev)
			}
		}
	}
}

func (p *Parser) appendSysex(b byte) bool {
	if len(p.sysex) == cap(p.sysex) {
		p.tooLarge++
		p.discarding = true
		p.sysex = p.sysex[:0]
		return false
	}
	p.sysex = append(p.sysex, b)
	return true
}

// Reset drops any partial message and running status.
func (p *Parser) Reset() {
	p.running = 0
	p.have = 0
	p.inSysex = false
	p.discarding = false
	p.sysex = p.sysex[:0]
}

// TooLarge counts sysex messages discarded for exceeding the bound.
func (p *Parser) TooLarge() uint64 { return p.tooLarge }

// Truncated counts sysex messages cut short by another status byte.
func (p *Parser) Truncated() uint64 { return p.truncated }

// Stray counts data bytes with no status to attach to.
func (p *Parser) Stray() uint64 { return p.stray }
