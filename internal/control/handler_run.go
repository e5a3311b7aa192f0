package control

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var ErrScriptNotFound = errors.New("script not found")

// RunHandler runs a named script. Scripts cannot run other scripts.
type RunHandler struct {
	exec    *Executor
	scripts map[string][]string
}

func (h *RunHandler) IsSupported() bool { return len(h.scripts) > 0 }

func (h *RunHandler) Execute(code string) (string, error) {
	if err := h.Validate(code); err != nil {
		return "", err
	}
	lines, _ := h.lookup(code)
	outputs, err := h.exec.RunLines(lines)
	if err != nil {
		return strings.Join(outputs, "; "), err
	}
	return fmt.Sprintf("%s: %d commands", strings.TrimSpace(code), len(outputs)), nil
}

func (h *RunHandler) Validate(code string) error {
	lines, err := h.lookup(code)
	if err != nil {
		return err
	}
	for i, line := range lines {
		cmd, err := ParseLine(line)
		if errors.Is(err, ErrEmptyCommand) {
			continue
		}
		if cmd.Type == CommandRun {
			return errors.Errorf("line %d: scripts cannot run scripts", i+1)
		}
	}
	return nil
}

func (h *RunHandler) lookup(code string) ([]string, error) {
	name := strings.TrimSpace(code)
	lines, ok := h.scripts[name]
	if !ok {
		return nil, errors.Wrapf(ErrScriptNotFound, "%q", name)
	}
	return lines, nil
}
