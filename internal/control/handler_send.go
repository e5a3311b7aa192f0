package control

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2"
)

// Sink is a MIDI output
type Sink interface {
	Send(data []byte) error
}

// SendHandler writes one MIDI message to the output port, for wiring checks
type SendHandler struct {
	out Sink
}

// sendArgs is the JSON argument of the send command
type sendArgs struct {
	MsgType  string `json:"msg_type"` // "note_on", "note_off", "cc", "pc"
	Channel  int    `json:"channel"`  // 1-16
	Note     int    `json:"note"`     // note or controller number
	Velocity int    `json:"velocity"` // velocity or controller value
	Program  int    `json:"program"`
}

func (h *SendHandler) IsSupported() bool { return h.out != nil }

func (h *SendHandler) Execute(code string) (string, error) {
	msg, err := h.build(code)
	if err != nil {
		return "", err
	}
	if err := h.out.Send(msg.Bytes()); err != nil {
		return "", fmt.Errorf("send failed: %w", err)
	}
	return msg.String(), nil
}

func (h *SendHandler) Validate(code string) error {
	_, err := h.build(code)
	return err
}

func (h *SendHandler) build(code string) (midi.Message, error) {
	var data sendArgs
	if err := json.Unmarshal([]byte(code), &data); err != nil {
		return nil, fmt.Errorf("invalid MIDI message data: %w", err)
	}
	if data.Channel < 1 || data.Channel > 16 {
		return nil, errors.Errorf("channel %d outside 1..16", data.Channel)
	}
	for _, v := range []int{data.Note, data.Velocity, data.Program} {
		if v < 0 || v > 127 {
			return nil, errors.Errorf("value %d outside 0..127", v)
		}
	}
	channel := uint8(data.Channel - 1)

	switch data.MsgType {
	case "note_on":
		return midi.NoteOn(channel, uint8(data.Note), uint8(data.Velocity)), nil
	case "note_off":
		return midi.NoteOff(channel, uint8(data.Note)), nil
	case "cc":
		return midi.ControlChange(channel, uint8(data.Note), uint8(data.Velocity)), nil
	case "pc":
		return midi.ProgramChange(channel, uint8(data.Program)), nil
	}
	return nil, errors.Errorf("unknown message type %q", data.MsgType)
}
