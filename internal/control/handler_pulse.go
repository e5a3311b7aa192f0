package control

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PulseHandler fires the sync pulse. An optional {"width_ms": n} overrides
// the configured width.
type PulseHandler struct {
	pulser Pulser
	width  time.Duration
}

type pulseArgs struct {
	WidthMs float64 `json:"width_ms"`
}

func (h *PulseHandler) IsSupported() bool { return h.pulser != nil }

func (h *PulseHandler) Execute(code string) (string, error) {
	width, err := h.parseWidth(code)
	if err != nil {
		return "", err
	}
	ts, err := h.pulser.Pulse(width)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("pulse ts=%d", ts), nil
}

func (h *PulseHandler) Validate(code string) error {
	_, err := h.parseWidth(code)
	return err
}

func (h *PulseHandler) parseWidth(code string) (time.Duration, error) {
	if strings.TrimSpace(code) == "" {
		return h.width, nil
	}
	var args pulseArgs
	if err := json.Unmarshal([]byte(code), &args); err != nil {
		return 0, fmt.Errorf("invalid pulse arguments: %w", err)
	}
	if args.WidthMs <= 0 {
		return 0, fmt.Errorf("width_ms must be positive")
	}
	return time.Duration(args.WidthMs * float64(time.Millisecond)), nil
}
