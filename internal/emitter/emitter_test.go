package emitter

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/PixPMusic/mioc-router/internal/device"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	fail error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.msgs = append(p.msgs, message{topic, retained, payload})
	return nil
}

func (p *fakePublisher) Messages() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message(nil), p.msgs...)
}

func TestPublishStateIsRetainedJSON(t *testing.T) {
	pub := &fakePublisher{}
	e := New(pub, Options{Topic: "lab/mioc", SessionID: "s1"})

	require.NoError(t, e.PublishState(device.State{DeviceName: "PMM-88E", Online: true, Target: device.TargetBoth}))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "lab/mioc/state", msgs[0].topic)
	assert.True(t, msgs[0].retained)

	var got struct {
		Session string `json:"session"`
		Data    struct {
			DeviceName string `json:"device_name"`
			Online     bool   `json:"online"`
			Target     string `json:"target"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].payload, &got))
	assert.Equal(t, "s1", got.Session)
	assert.Equal(t, "PMM-88E", got.Data.DeviceName)
	assert.True(t, got.Data.Online)
	assert.Equal(t, "both", got.Data.Target)

	assert.Equal(t, uint64(1), e.Stats().Published["lab/mioc/state"])
}

func TestFailuresAreCounted(t *testing.T) {
	pub := &fakePublisher{fail: ErrNotConnected}
	e := New(pub, Options{Topic: "mioc"})

	err := e.PublishStats(map[string]int{"routed": 3})
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Equal(t, uint64(1), e.Stats().Errors)
	assert.Empty(t, e.Stats().Published)
}

func TestRunPublishesStatesAndStats(t *testing.T) {
	pub := &fakePublisher{}
	e := New(pub, Options{Topic: "mioc", StatsInterval: 10 * time.Millisecond})

	states := make(chan device.State, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx, states, func() any { return map[string]int{"routed": 1} })
		close(done)
	}()

	states <- device.State{Online: true}
	assert.Eventually(t, func() bool {
		s := e.Stats()
		return s.Published["mioc/state"] == 1 && s.Published["mioc/stats"] >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunStopsWhenStatesClose(t *testing.T) {
	e := New(&fakePublisher{}, Options{Topic: "mioc"})
	states := make(chan device.State)
	close(states)
	e.Run(context.Background(), states, nil)
}
