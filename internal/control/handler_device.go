package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PixPMusic/mioc-router/internal/device"
	"github.com/PixPMusic/mioc-router/internal/mioc"
	"github.com/pkg/errors"
)

// splitJSON accepts one JSON object or an array of them
func splitJSON(code string) ([]json.RawMessage, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errors.New("missing JSON argument")
	}
	if code[0] != '[' {
		return []json.RawMessage{json.RawMessage(code)}, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal([]byte(code), &raws); err != nil {
		return nil, fmt.Errorf("invalid JSON list: %w", err)
	}
	if len(raws) == 0 {
		return nil, errors.New("empty list")
	}
	return raws, nil
}

func decodeConnections(code string) ([]mioc.Connection, error) {
	raws, err := splitJSON(code)
	if err != nil {
		return nil, err
	}
	list := make([]mioc.Connection, 0, len(raws))
	for _, raw := range raws {
		c := mioc.Connection{Weight: 1}
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("invalid connection: %w", err)
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, nil
}

func decodeVelocityProcessors(code string) ([]mioc.VelocityProcessor, error) {
	raws, err := splitJSON(code)
	if err != nil {
		return nil, err
	}
	list := make([]mioc.VelocityProcessor, 0, len(raws))
	for _, raw := range raws {
		p := mioc.NewVelocityProcessor(0, 0, mioc.Input)
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid velocity processor: %w", err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, nil
}

// ConnectHandler adds or removes routes. Disconnect also takes "all".
type ConnectHandler struct {
	dev     Device
	env     *env
	connect bool
}

func (h *ConnectHandler) IsSupported() bool { return h.dev != nil }

func (h *ConnectHandler) Execute(code string) (string, error) {
	ctx, cancel := h.env.op()
	defer cancel()

	if !h.connect && strings.TrimSpace(code) == "all" {
		if err := h.dev.DisconnectAll(ctx); err != nil {
			return "", err
		}
		return "disconnected all", nil
	}

	list, err := decodeConnections(code)
	if err != nil {
		return "", err
	}
	verb := "connected"
	if h.connect {
		err = h.dev.ConnectMany(ctx, list)
	} else {
		verb = "disconnected"
		err = h.dev.DisconnectMany(ctx, list)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %d", verb, len(list)), nil
}

func (h *ConnectHandler) Validate(code string) error {
	if !h.connect && strings.TrimSpace(code) == "all" {
		return nil
	}
	_, err := decodeConnections(code)
	return err
}

// VelocityHandler adds or removes velocity processors
type VelocityHandler struct {
	dev Device
	env *env
	add bool
}

func (h *VelocityHandler) IsSupported() bool { return h.dev != nil }

func (h *VelocityHandler) Execute(code string) (string, error) {
	list, err := decodeVelocityProcessors(code)
	if err != nil {
		return "", err
	}
	ctx, cancel := h.env.op()
	defer cancel()

	if h.add {
		err = h.dev.AddVelocityProcessors(ctx, list)
	} else {
		err = h.dev.RemoveVelocityProcessors(ctx, list)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d velocity processors", len(h.dev.State().VelocityProcessors)), nil
}

func (h *VelocityHandler) Validate(code string) error {
	_, err := decodeVelocityProcessors(code)
	return err
}

// DeviceOpHandler runs an argument-free device operation
type DeviceOpHandler struct {
	dev  Device
	env  *env
	name string
	op   func(Device, context.Context) error
}

func (h *DeviceOpHandler) IsSupported() bool { return h.dev != nil }

func (h *DeviceOpHandler) Execute(code string) (string, error) {
	if err := h.Validate(code); err != nil {
		return "", err
	}
	ctx, cancel := h.env.op()
	defer cancel()
	if err := h.op(h.dev, ctx); err != nil {
		return "", err
	}
	return h.name, nil
}

func (h *DeviceOpHandler) Validate(code string) error {
	if strings.TrimSpace(code) != "" {
		return errors.New("takes no argument")
	}
	return nil
}

// QueryHandler asks the device for its port address, name or port names
type QueryHandler struct {
	dev Device
	env *env
}

var queryKinds = []string{"port", "name", "ports"}

func (h *QueryHandler) IsSupported() bool { return h.dev != nil }

func (h *QueryHandler) Execute(code string) (string, error) {
	if err := h.Validate(code); err != nil {
		return "", err
	}
	ctx, cancel := h.env.op()
	defer cancel()

	switch strings.TrimSpace(code) {
	case "port":
		correct, err := h.dev.QueryPortAddress(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("online correct_port=%t", correct), nil
	case "name":
		return h.dev.QueryDeviceName(ctx)
	default:
		names, err := h.dev.QueryPortNames(ctx)
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(names)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func (h *QueryHandler) Validate(code string) error {
	code = strings.TrimSpace(code)
	for _, k := range queryKinds {
		if code == k {
			return nil
		}
	}
	return errors.Errorf("query must be one of %s", strings.Join(queryKinds, ", "))
}

// TargetHandler switches between the device and the internal processor
type TargetHandler struct {
	dev Device
}

func (h *TargetHandler) IsSupported() bool { return h.dev != nil }

func (h *TargetHandler) Execute(code string) (string, error) {
	t, err := device.ParseTarget(code)
	if err != nil {
		return "", err
	}
	h.dev.SetTarget(t)
	return t.String(), nil
}

func (h *TargetHandler) Validate(code string) error {
	_, err := device.ParseTarget(code)
	return err
}

// StateHandler prints the device state as JSON
type StateHandler struct {
	dev Device
}

func (h *StateHandler) IsSupported() bool { return h.dev != nil }

func (h *StateHandler) Execute(code string) (string, error) {
	b, err := json.Marshal(h.dev.State())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (h *StateHandler) Validate(code string) error { return nil }
