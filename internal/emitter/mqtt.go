package emitter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrNotConnected = errors.New("mqtt not connected")

type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Timeout  time.Duration // connect and publish wait
}

// MQTTClient publishes over a paho client that reconnects on its own.
type MQTTClient struct {
	Client    mqtt.Client
	timeout   time.Duration
	connected atomic.Bool
	log       *logrus.Entry

	mu   sync.Mutex
	subs map[string]subscription
}

type subscription struct {
	qos byte
	fn  func(payload []byte)
}

func NewMQTTClient(opts MQTTOptions, log *logrus.Entry) *MQTTClient {
	if log == nil {
		log = logrus.WithField("component", "mqtt")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	c := &MQTTClient{
		timeout: opts.Timeout,
		log:     log.WithField("broker", opts.Broker),
		subs:    make(map[string]subscription),
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.OnConnect = func(mqtt.Client) {
		c.connected.Store(true)
		c.log.Info("mqtt connection established")
		// a clean session forgets subscriptions; waiting on tokens here would block paho
		go c.resubscribe()
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.connected.Store(false)
		c.log.WithError(err).Warn("mqtt connection lost, will auto-reconnect")
	}
	c.Client = mqtt.NewClient(co)
	return c
}

// Connect waits for the first connection, bounded by ctx and the timeout.
func (c *MQTTClient) Connect(ctx context.Context) error {
	token := c.Client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.timeout):
		return errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "mqtt connection failed")
	}
	c.connected.Store(true)
	return nil
}

func (c *MQTTClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	token := c.Client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.timeout) {
		return errors.Errorf("publish to %s timed out", topic)
	}
	return errors.Wrapf(token.Error(), "publish to %s", topic)
}

// Subscribe registers fn for topic and keeps it across reconnects.
func (c *MQTTClient) Subscribe(topic string, qos byte, fn func(payload []byte)) error {
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, fn: fn}
	c.mu.Unlock()
	return c.subscribe(topic, subscription{qos: qos, fn: fn})
}

func (c *MQTTClient) subscribe(topic string, s subscription) error {
	token := c.Client.Subscribe(topic, s.qos, func(_ mqtt.Client, m mqtt.Message) {
		s.fn(m.Payload())
	})
	if !token.WaitTimeout(c.timeout) {
		return errors.Errorf("subscribe to %s timed out", topic)
	}
	return errors.Wrapf(token.Error(), "subscribe to %s", topic)
}

func (c *MQTTClient) resubscribe() {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for t, s := range c.subs {
		subs[t] = s
	}
	c.mu.Unlock()
	for t, s := range subs {
		if err := c.subscribe(t, s); err != nil {
			c.log.WithError(err).Warn("resubscribe failed")
		}
	}
}

func (c *MQTTClient) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()
	if !c.Client.IsConnected() {
		return nil
	}
	token := c.Client.Unsubscribe(topic)
	if !token.WaitTimeout(c.timeout) {
		return errors.Errorf("unsubscribe from %s timed out", topic)
	}
	return errors.Wrapf(token.Error(), "unsubscribe from %s", topic)
}

func (c *MQTTClient) Disconnect() {
	if c.Client.IsConnected() {
		c.Client.Disconnect(250)
		c.log.Info("mqtt disconnected")
	}
	c.connected.Store(false)
}
