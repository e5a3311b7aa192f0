package device

import (
	"sort"
	"time"

	"github.com/PixPMusic/mioc-router/internal/mioc"
	"github.com/PixPMusic/mioc-router/internal/sysex"
)

// PortNames holds the names the device reports for its inputs and outputs.
type PortNames struct {
	In  [sysex.PortCount]string `json:"in"`
	Out [sysex.PortCount]string `json:"out"`
}

// State is the client-side belief about the device. It only changes when an
// operation is acknowledged, or applied to the internal processor.
type State struct {
	DeviceID           byte                     `json:"device_id"`
	DeviceType         byte                     `json:"device_type"`
	DeviceName         string                   `json:"device_name"`
	PortNames          PortNames                `json:"port_names"`
	Online             bool                     `json:"online"`
	CorrectPort        bool                     `json:"correct_port"`
	Target             Target                   `json:"target"`
	Connections        []mioc.Connection        `json:"connections"`
	VelocityProcessors []mioc.VelocityProcessor `json:"velocity_processors"`
	FiltersInitialized bool                     `json:"filters_initialized"`
	AwaitingReply      bool                     `json:"awaiting_reply"`
	Deadline           time.Time                `json:"deadline,omitempty"`
}

// Clone returns a deep copy.
func (s State) Clone() State {
	c := s
	c.Connections = append([]mioc.Connection(nil), s.Connections...)
	c.VelocityProcessors = append([]mioc.VelocityProcessor(nil), s.VelocityProcessors...)
	return c
}

// HasConnection reports whether a route with c's key is present.
func (s State) HasConnection(c mioc.Connection) bool {
	return indexOfConnection(s.Connections, c) >= 0
}

func indexOfConnection(list []mioc.Connection, c mioc.Connection) int {
	for i, o := range list {
		if o.Equal(c) {
			return i
		}
	}
	return -1
}

// putConnection adds c, replacing a route with the same key.
func putConnection(list []mioc.Connection, c mioc.Connection) []mioc.Connection {
	if i := indexOfConnection(list, c); i >= 0 {
		list[i] = c
		return list
	}
	return append(list, c)
}

func deleteConnection(list []mioc.Connection, c mioc.Connection) []mioc.Connection {
	if i := indexOfConnection(list, c); i >= 0 {
		return append(list[:i], list[i+1:]...)
	}
	return list
}

// putVelocityProcessor adds p, replacing one in the same slot, and keeps the
// list sorted by port, channel, direction and position.
func putVelocityProcessor(list []mioc.VelocityProcessor, p mioc.VelocityProcessor) []mioc.VelocityProcessor {
	replaced := false
	for i, o := range list {
		if o.Slot() == p.Slot() {
			list[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, p)
	}
	sortVelocityProcessors(list)
	return list
}

func deleteVelocityProcessor(list []mioc.VelocityProcessor, p mioc.VelocityProcessor) []mioc.VelocityProcessor {
	for i, o := range list {
		if o.Slot() == p.Slot() {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func sortVelocityProcessors(list []mioc.VelocityProcessor) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Port != b.Port {
			return a.Port < b.Port
		}
		if a.Channel != b.Channel {
			return a.Channel < b.Channel
		}
		if a.Direction != b.Direction {
			return a.Direction < b.Direction
		}
		return a.Position < b.Position
	})
}
