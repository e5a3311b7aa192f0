package mioc

// MaxNodes is the number of tapper nodes. Node 0 is the monitor ("big brother").
const MaxNodes = 16

// Layout maps experiment nodes onto MIOC ports, channels and notes. Tappers
// are grouped onto trigger-to-MIDI concentrators, one concentrator per port;
// the channel is the tapper number and the note is unique per node.
type Layout struct {
	BaseNote              uint8 `yaml:"base_note"`
	InputsPerConcentrator uint8 `yaml:"inputs_per_concentrator"`
	BigBrotherPort        uint8 `yaml:"big_brother_port"`    // 1-based
	BigBrotherChannel     uint8 `yaml:"big_brother_channel"` // 0-based
	PatchThruPort         uint8 `yaml:"patch_thru_port"`
	DelayPort             uint8 `yaml:"delay_port"`
}

func DefaultLayout() Layout {
	return Layout{
		BaseNote:              64,
		InputsPerConcentrator: 3,
		BigBrotherPort:        8,
		BigBrotherChannel:     15,
		PatchThruPort:         7,
		DelayPort:             6,
	}
}

func (l Layout) perConcentrator() int {
	if l.InputsPerConcentrator == 0 {
		return 1
	}
	return int(l.InputsPerConcentrator)
}

// PortForNode returns the 1-based port of node n.
func (l Layout) PortForNode(n int) uint8 {
	if n == 0 {
		return l.BigBrotherPort
	}
	return uint8((n-1)/l.perConcentrator() + 1)
}

// ChannelForNode returns the 0-based MIDI channel of node n.
func (l Layout) ChannelForNode(n int) uint8 {
	if n == 0 {
		return l.BigBrotherChannel
	}
	return uint8(n-1) & 0x0F
}

func (l Layout) NoteForNode(n int) uint8 {
	return l.BaseNote + uint8(n)
}

// NodeForNote inverts NoteForNode.
func (l Layout) NodeForNote(note uint8) (int, bool) {
	if note < l.BaseNote {
		return 0, false
	}
	n := int(note - l.BaseNote)
	if n > MaxNodes {
		return 0, false
	}
	return n, true
}

// NodeForPortChannel finds the node that owns a port and channel.
func (l Layout) NodeForPortChannel(port, channel uint8) (int, bool) {
	if port == l.BigBrotherPort && channel == l.BigBrotherChannel {
		return 0, true
	}
	n := int(channel) + 1
	if n < 1 || n > MaxNodes {
		return 0, false
	}
	if l.PortForNode(n) != port {
		return 0, false
	}
	return n, true
}
