package control

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PixPMusic/mioc-router/internal/routing"
	"github.com/pkg/errors"
)

// RouteHandler inspects and edits the node routing table directly.
//
//	route                                       list active edges
//	route set {"from":1,"to":4,"weight":0.5}    set one edge
//	route clear                                 remove every edge
type RouteHandler struct {
	table *routing.Table
}

type routeArgs struct {
	From    int     `json:"from"`
	To      int     `json:"to"`
	Weight  float64 `json:"weight"`
	DelayMs float64 `json:"delay_ms"`
}

func (h *RouteHandler) IsSupported() bool { return h.table != nil }

func (h *RouteHandler) Execute(code string) (string, error) {
	verb, rest, _ := strings.Cut(strings.TrimSpace(code), " ")
	switch verb {
	case "":
		return h.list(), nil
	case "clear":
		h.table.Clear()
		return "cleared", nil
	case "set":
		args, err := parseRouteArgs(rest)
		if err != nil {
			return "", err
		}
		if err := h.table.SetRoute(args.From, args.To, args.Weight, args.DelayMs); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d->%d", args.From, args.To), nil
	}
	return "", errors.Errorf("unknown route verb %q", verb)
}

func (h *RouteHandler) Validate(code string) error {
	verb, rest, _ := strings.Cut(strings.TrimSpace(code), " ")
	switch verb {
	case "", "clear":
		return nil
	case "set":
		_, err := parseRouteArgs(rest)
		return err
	}
	return errors.Errorf("unknown route verb %q", verb)
}

func parseRouteArgs(code string) (routeArgs, error) {
	var args routeArgs
	if err := json.Unmarshal([]byte(code), &args); err != nil {
		return args, fmt.Errorf("invalid route: %w", err)
	}
	if args.From < 0 || args.From >= routing.Size || args.To < 0 || args.To >= routing.Size {
		return args, errors.Errorf("route %d->%d outside 0..%d", args.From, args.To, routing.Size-1)
	}
	return args, nil
}

func (h *RouteHandler) list() string {
	v := h.table.Snapshot()
	defer v.Release()
	m := v.Matrices()

	var edges []string
	for from := 0; from < routing.Size; from++ {
		for to := 0; to < routing.Size; to++ {
			if m.Weight[from][to] == 0 {
				continue
			}
			e := fmt.Sprintf("%d->%d w=%.2f", from, to, m.Weight[from][to])
			if d := m.Delay[from][to]; d > 0 {
				e += fmt.Sprintf(" d=%.1fms", d)
			}
			edges = append(edges, e)
		}
	}
	if len(edges) == 0 {
		return "no routes"
	}
	return strings.Join(edges, "; ")
}
