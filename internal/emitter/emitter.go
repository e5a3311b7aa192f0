// Package emitter publishes device state and router statistics to MQTT so
// an experiment controller can follow the session.
package emitter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/PixPMusic/mioc-router/internal/device"
	"github.com/sirupsen/logrus"
)

// Publisher sends one payload to a topic. MQTTClient is the production one.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

type Options struct {
	Topic         string // prefix; state goes to <topic>/state, stats to <topic>/stats
	QoS           byte
	StatsInterval time.Duration
	SessionID     string
	Log           *logrus.Entry
}

type Stats struct {
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Emitter turns state snapshots and stats samples into MQTT messages.
type Emitter struct {
	pub  Publisher
	opts Options
	log  *logrus.Entry

	mu        sync.Mutex
	published map[string]uint64
	errors    uint64
}

func New(pub Publisher, opts Options) *Emitter {
	if opts.Log == nil {
		opts.Log = logrus.WithField("component", "emitter")
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 5 * time.Second
	}
	return &Emitter{pub: pub, opts: opts, log: opts.Log, published: make(map[string]uint64)}
}

type envelope struct {
	Session string `json:"session,omitempty"`
	Time    int64  `json:"time_ms"`
	Data    any    `json:"data"`
}

// StateTopic and StatsTopic are the full topic names.
func (e *Emitter) StateTopic() string { return e.opts.Topic + "/state" }
func (e *Emitter) StatsTopic() string { return e.opts.Topic + "/stats" }

// PublishState sends a retained state snapshot.
func (e *Emitter) PublishState(s device.State) error {
	return e.publish(e.StateTopic(), true, s)
}

// PublishStats sends one stats sample.
func (e *Emitter) PublishStats(v any) error {
	return e.publish(e.StatsTopic(), false, v)
}

func (e *Emitter) publish(topic string, retained bool, v any) error {
	payload, err := json.Marshal(envelope{
		Session: e.opts.SessionID,
		Time:    time.Now().UnixMilli(),
		Data:    v,
	})
	if err == nil {
		err = e.pub.Publish(topic, e.opts.QoS, retained, payload)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.errors++
		e.log.WithError(err).WithField("topic", topic).Debug("publish failed")
		return err
	}
	e.published[topic]++
	return nil
}

// Run publishes every state received on states and a stats sample each
// interval until ctx is done or states closes. stats may be nil.
func (e *Emitter) Run(ctx context.Context, states <-chan device.State, stats func() any) {
	var tick <-chan time.Time
	if stats != nil {
		t := time.NewTicker(e.opts.StatsInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			_ = e.PublishState(s)
		case <-tick:
			_ = e.PublishStats(stats())
		}
	}
}

func (e *Emitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Published: published, Errors: e.errors}
}
