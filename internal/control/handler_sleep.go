package control

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var ErrInvalidDuration = errors.New("invalid sleep duration")

// SleepHandler waits between scripted commands. It takes bare seconds
// ("0.5") or a duration ("250ms") and returns early when the command
// context ends.
type SleepHandler struct {
	env *env
}

func (h *SleepHandler) IsSupported() bool {
	return true
}

func (h *SleepHandler) Execute(code string) (string, error) {
	d, err := parseSleep(code)
	if err != nil {
		return "", err
	}

	h.env.mu.Lock()
	ctx := h.env.ctx
	h.env.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return fmt.Sprintf("slept %.3fs", d.Seconds()), nil
}

func (h *SleepHandler) Validate(code string) error {
	_, err := parseSleep(code)
	return err
}

func parseSleep(code string) (time.Duration, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, errors.Wrap(ErrInvalidDuration, "missing")
	}
	d, err := time.ParseDuration(code)
	if err != nil {
		secs, ferr := strconv.ParseFloat(code, 64)
		if ferr != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, errors.Wrapf(ErrInvalidDuration, "%q", code)
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d < 0 {
		return 0, errors.Wrapf(ErrInvalidDuration, "%s is negative", d)
	}
	return d, nil
}
