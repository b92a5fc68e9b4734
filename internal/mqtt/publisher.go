package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/prite36/irrigation-shadow/internal/protocol"
)

// ErrCircuitOpen is returned while recent publish failures keep the
// publisher's breaker open.
var ErrCircuitOpen = errors.New("mqtt: publisher circuit open")

const (
	breakerFailures = 5
	breakerOpenFor  = 30 * time.Second
)

// Publisher sends commands to device command topics over its own
// connection. It never waits for an acknowledgement.
type Publisher struct {
	topics  protocol.Topics
	qos     byte
	dial    Dialer
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger

	mu          sync.Mutex
	conn        Conn
	established bool
	connecting  bool
}

func NewPublisher(topics protocol.Topics, qos byte, dial Dialer, logger zerolog.Logger) *Publisher {
	p := &Publisher{
		topics: topics,
		qos:    qos,
		dial:   dial,
		logger: logger,
	}

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "command-publisher",
		Timeout: breakerOpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Publisher breaker state changed")
		},
	})

	return p
}

// Connect establishes the publisher's connection. Once it has succeeded the
// client reconnects on its own and further calls are no-ops.
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.established || p.connecting {
		p.mu.Unlock()
		return nil
	}

	if p.conn == nil {
		p.conn = p.dial(Hooks{})
	}
	conn := p.conn
	p.connecting = true
	p.mu.Unlock()

	err := conn.Connect(ctx)

	p.mu.Lock()
	p.connecting = false
	stale := p.conn != conn
	p.established = err == nil && !stale
	p.mu.Unlock()

	if err == nil && stale {
		conn.Close()
	}

	if err != nil {
		return fmt.Errorf("publisher: %w", err)
	}

	return nil
}

// IsConnected reports whether commands can be published right now.
func (p *Publisher) IsConnected() bool {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	return conn != nil && conn.IsConnected()
}

// Publish encodes cmd and sends it to the device's command topic, at least
// once and not retained.
func (p *Publisher) Publish(deviceID string, cmd protocol.Command) error {
	if !protocol.ValidDeviceID(deviceID) {
		return fmt.Errorf("publish: invalid device id %q", deviceID)
	}

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}

	payload, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	topic := p.topics.Command(deviceID)

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, conn.Publish(topic, p.qos, false, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}

	if err != nil {
		return err
	}

	p.logger.Info().
		Str("device_id", deviceID).
		Str("type", string(cmd.Type)).
		Str("correlation_id", cmd.CorrelationID).
		Str("topic", topic).
		Msg("Published command")

	return nil
}

// Close disconnects the publisher.
func (p *Publisher) Close() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.established = false
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}
