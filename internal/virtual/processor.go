// Package virtual stands in for the MIOC by translating its connections and
// velocity processors into node routes on the realtime routing table.
package virtual

import (
	"github.com/PixPMusic/mioc-router/internal/mioc"
	"github.com/PixPMusic/mioc-router/internal/routing"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrUnmapped is returned for connections that touch no node in the layout.
var ErrUnmapped = errors.New("connection does not map to any node")

// Processor applies device operations to a routing table.
type Processor struct {
	layout mioc.Layout
	table  *routing.Table
	log    *logrus.Entry
}

func New(layout mioc.Layout, table *routing.Table, log *logrus.Entry) *Processor {
	if log == nil {
		log = logrus.WithField("component", "virtual")
	}
	return &Processor{layout: layout, table: table, log: log}
}

// Route is one node-to-node edge.
type Route struct {
	From, To int
}

// Routes expands a connection into node edges. An input channel of
// ChannelAll covers every node on the input port; an output channel of
// ChannelSameAsInput keeps each source node's channel.
func (p *Processor) Routes(c mioc.Connection) []Route {
	var routes []Route
	for src := 0; src <= mioc.MaxNodes; src++ {
		if p.layout.PortForNode(src) != c.InPort {
			continue
		}
		srcCh := p.layout.ChannelForNode(src)
		if c.InChannel != mioc.ChannelAll && c.InChannel != srcCh {
			continue
		}
		outCh := c.OutChannel
		if outCh == mioc.ChannelSameAsInput {
			outCh = srcCh
		}
		dst, ok := p.layout.NodeForPortChannel(c.OutPort, outCh)
		if !ok {
			continue
		}
		routes = append(routes, Route{From: src, To: dst})
	}
	return routes
}

// Connect sets the connection's weight and delay on every edge it covers. A
// zero weight routes at unit weight.
func (p *Processor) Connect(c mioc.Connection) error {
	routes := p.Routes(c)
	if len(routes) == 0 {
		return errors.Wrap(ErrUnmapped, c.String())
	}
	w := c.Weight
	if w == 0 {
		w = 1
	}
	p.table.Update(func(m *routing.Matrices) {
		for _, r := range routes {
			m.Weight[r.From][r.To] = w
			m.Delay[r.From][r.To] = c.DelayMs
		}
	})
	p.log.WithFields(logrus.Fields{"connection": c.String(), "edges": len(routes)}).Debug("connected")
	return nil
}

// Disconnect clears every edge the connection covers.
func (p *Processor) Disconnect(c mioc.Connection) error {
	routes := p.Routes(c)
	if len(routes) == 0 {
		return errors.Wrap(ErrUnmapped, c.String())
	}
	p.table.Update(func(m *routing.Matrices) {
		for _, r := range routes {
			m.Weight[r.From][r.To] = 0
			m.Delay[r.From][r.To] = 0
		}
	})
	p.log.WithFields(logrus.Fields{"connection": c.String(), "edges": len(routes)}).Debug("disconnected")
	return nil
}

// SetVelocityProcessors rebuilds every node's input and output chain from
// list. Omni processors apply to every node on their port; a processor for a
// specific channel wins over an omni one at the same position.
func (p *Processor) SetVelocityProcessors(list []mioc.VelocityProcessor) error {
	for _, vp := range list {
		if err := vp.Validate(); err != nil {
			return err
		}
	}

	var input, output [routing.Size]mioc.VelocityChain
	for n := 0; n < routing.Size; n++ {
		port := p.layout.PortForNode(n)
		ch := p.layout.ChannelForNode(n) + 1
		// omni first so specific channels overwrite
		for _, specific := range []bool{false, true} {
			for _, vp := range list {
				if vp.Port != port || (vp.Channel != 0) != specific {
					continue
				}
				if specific && vp.Channel != ch {
					continue
				}
				if vp.Direction == mioc.Input {
					input[n].Set(vp)
				} else {
					output[n].Set(vp)
				}
			}
		}
	}

	p.table.Update(func(m *routing.Matrices) {
		m.Input = input
		m.Output = output
	})
	return nil
}
