package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

var (
	// ErrNotConnected is returned when an operation needs an established
	// broker connection.
	ErrNotConnected = errors.New("mqtt: not connected")
	// ErrPublishTimeout is returned when the broker does not confirm a publish in time.
	ErrPublishTimeout = errors.New("mqtt: publish timed out")
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultConnectRetries = 5
	publishTimeout        = 5 * time.Second
	subscribeTimeout      = 10 * time.Second
	disconnectQuiesceMs   = 250
)

// Message is an inbound broker message.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Handler receives inbound messages.
type Handler func(Message)

// Hooks are connection lifecycle callbacks. OnConnect fires on the initial
// connection and on every automatic reconnect.
type Hooks struct {
	OnConnect        func()
	OnConnectionLost func(error)
}

// Conn is a broker connection.
type Conn interface {
	Connect(ctx context.Context) error
	Subscribe(filter string, qos byte, handler Handler) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	IsConnected() bool
	Close()
}

// Dialer creates an unconnected Conn wired to hooks.
type Dialer func(hooks Hooks) Conn

// Options configures a paho backed Client.
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	ConnectRetries int
}

// Client is a Conn backed by the paho MQTT client.
type Client struct {
	client mqtt.Client
	opts   Options
	logger zerolog.Logger
}

// NewClient configures a client. It does not connect.
func NewClient(o Options, hooks Hooks, logger zerolog.Logger) *Client {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}

	if o.ConnectRetries <= 0 {
		o.ConnectRetries = defaultConnectRetries
	}

	c := &Client{opts: o, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
	}
	if o.Password != "" {
		opts.SetPassword(o.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(o.ConnectTimeout)
	opts.SetOrderMatters(false)
	opts.OnConnect = func(mqtt.Client) {
		c.logger.Info().Str("broker", o.Broker).Msg("Connected to MQTT broker")
		if hooks.OnConnect != nil {
			hooks.OnConnect()
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.logger.Warn().Err(err).Msg("Connection to MQTT broker lost")
		if hooks.OnConnectionLost != nil {
			hooks.OnConnectionLost(err)
		}
	}

	c.client = mqtt.NewClient(opts)

	return c
}

// NewDialer returns a Dialer producing paho clients. suffix is appended to
// the configured client id so each connection has a distinct session.
func NewDialer(o Options, suffix string, logger zerolog.Logger) Dialer {
	return func(hooks Hooks) Conn {
		opts := o
		if suffix != "" {
			opts.ClientID = fmt.Sprintf("%s-%s", o.ClientID, suffix)
		}

		return NewClient(opts, hooks, logger.With().Str("client_id", opts.ClientID).Logger())
	}
}

// Connect dials the broker, retrying with exponential backoff up to the
// configured number of attempts or until ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute

	op := func() error {
		token := c.client.Connect()

		timer := time.NewTimer(c.opts.ConnectTimeout)
		defer timer.Stop()

		select {
		case <-token.Done():
		case <-timer.C:
			return fmt.Errorf("connect to %s: timed out", c.opts.Broker)
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}

		if err := token.Error(); err != nil {
			c.logger.Warn().Err(err).Str("broker", c.opts.Broker).Msg("Failed to connect to MQTT broker")
			return err
		}

		return nil
	}

	retries := uint64(c.opts.ConnectRetries - 1)
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx)); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return nil
}

// Subscribe registers handler for filter and waits for the broker to confirm.
func (c *Client) Subscribe(filter string, qos byte, handler Handler) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := c.client.Subscribe(filter, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(Message{Topic: msg.Topic(), Payload: msg.Payload(), Retained: msg.Retained()})
	})
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscribe to %s: timed out", filter)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", filter, err)
	}

	return nil
}

// Publish sends payload to topic and waits for the broker to take it.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("error publishing to topic %s: %w", topic, err)
	}

	return nil
}

// IsConnected reports whether the connection is up right now. paho's own
// IsConnected also counts a pending automatic reconnect.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects the client, abandoning a connect or reconnect still in
// progress, and stops automatic reconnects. It is safe to call more than once.
func (c *Client) Close() {
	if c.client == nil {
		return
	}

	c.client.Disconnect(disconnectQuiesceMs)
}
