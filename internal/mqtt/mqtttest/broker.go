// Package mqtttest provides an in-memory broker implementing the mqtt.Conn
// contract, including wildcard filters and retained messages. Delivery is
// synchronous so tests can assert right after a publish.
package mqtttest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/prite36/irrigation-shadow/internal/mqtt"
)

// ErrBrokerDown is returned by Connect while the broker refuses connections.
var ErrBrokerDown = errors.New("mqtttest: broker down")

// Published is a message that went through the broker.
type Published struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Broker is an in-memory message broker.
type Broker struct {
	mu         sync.Mutex
	down       bool
	publishErr error
	retained   map[string][]byte
	conns      map[*Conn]struct{}
	published  []Published
}

func NewBroker() *Broker {
	return &Broker{
		retained: make(map[string][]byte),
		conns:    make(map[*Conn]struct{}),
	}
}

// Dialer returns an mqtt.Dialer creating connections to this broker.
func (b *Broker) Dialer() mqtt.Dialer {
	return func(hooks mqtt.Hooks) mqtt.Conn {
		return &Conn{broker: b, hooks: hooks}
	}
}

// SetDown makes subsequent Connect calls fail (or succeed again).
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

// FailPublishes makes every client publish return err; nil restores.
func (b *Broker) FailPublishes(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

// Inject publishes as if from a device.
func (b *Broker) Inject(topic string, payload []byte, retained bool) {
	b.route(Published{Topic: topic, Payload: payload, QoS: 1, Retained: retained})
}

// Messages returns every message published on topic.
func (b *Broker) Messages(topic string) []Published {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Published
	for _, p := range b.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}

	return out
}

// Retained returns the retained payload of topic.
func (b *Broker) Retained(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.retained[topic]

	return p, ok
}

// DropConnections severs every connection, clearing their subscriptions as a
// clean-session broker would, and fires OnConnectionLost.
func (b *Broker) DropConnections(cause error) {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		c.connected = false
		c.subs = nil
		c.mu.Unlock()

		if c.hooks.OnConnectionLost != nil {
			c.hooks.OnConnectionLost(cause)
		}
	}
}

// Reconnect restores dropped connections and fires OnConnect, like an
// automatic client reconnect.
func (b *Broker) Reconnect() {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()

		if c.hooks.OnConnect != nil {
			c.hooks.OnConnect()
		}
	}
}

func (b *Broker) route(p Published) {
	b.mu.Lock()
	b.published = append(b.published, p)

	if p.Retained {
		if len(p.Payload) == 0 {
			delete(b.retained, p.Topic)
		} else {
			b.retained[p.Topic] = append([]byte(nil), p.Payload...)
		}
	}

	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		for _, h := range c.handlersFor(p.Topic) {
			h(mqtt.Message{Topic: p.Topic, Payload: append([]byte(nil), p.Payload...)})
		}
	}
}

type subscription struct {
	filter  string
	handler mqtt.Handler
}

// Conn is a client connection to Broker.
type Conn struct {
	broker *Broker
	hooks  mqtt.Hooks

	mu        sync.Mutex
	connected bool
	subs      []subscription
}

func (c *Conn) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.broker.mu.Lock()
	if c.broker.down {
		c.broker.mu.Unlock()
		return ErrBrokerDown
	}
	c.broker.conns[c] = struct{}{}
	c.broker.mu.Unlock()

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	if c.hooks.OnConnect != nil {
		c.hooks.OnConnect()
	}

	return nil
}

func (c *Conn) Subscribe(filter string, _ byte, handler mqtt.Handler) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return mqtt.ErrNotConnected
	}
	c.subs = append(c.subs, subscription{filter: filter, handler: handler})
	c.mu.Unlock()

	c.broker.mu.Lock()
	var retained []mqtt.Message
	for topic, payload := range c.broker.retained {
		if Match(filter, topic) {
			retained = append(retained, mqtt.Message{Topic: topic, Payload: append([]byte(nil), payload...), Retained: true})
		}
	}
	c.broker.mu.Unlock()

	for _, m := range retained {
		handler(m)
	}

	return nil
}

func (c *Conn) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.IsConnected() {
		return mqtt.ErrNotConnected
	}

	c.broker.mu.Lock()
	err := c.broker.publishErr
	c.broker.mu.Unlock()

	if err != nil {
		return err
	}

	c.broker.route(Published{Topic: topic, Payload: append([]byte(nil), payload...), QoS: qos, Retained: retained})

	return nil
}

func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

func (c *Conn) Close() {
	c.broker.mu.Lock()
	delete(c.broker.conns, c)
	c.broker.mu.Unlock()

	c.mu.Lock()
	c.connected = false
	c.subs = nil
	c.mu.Unlock()
}

func (c *Conn) handlersFor(topic string) []mqtt.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	var hs []mqtt.Handler
	for _, s := range c.subs {
		if Match(s.filter, topic) {
			hs = append(hs, s.handler)
		}
	}

	return hs
}

// Match reports whether an MQTT topic filter matches topic.
func Match(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")

	for i, f := range fs {
		if f == "#" {
			return true
		}

		if i >= len(ts) {
			return false
		}

		if f != "+" && f != ts[i] {
			return false
		}
	}

	return len(fs) == len(ts)
}
