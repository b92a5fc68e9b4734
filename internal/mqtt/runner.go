package mqtt

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/prite36/irrigation-shadow/internal/metrics"
)

// State is the lifecycle state of a Runner.
type State string

const (
	StateStopped    State = "stopped"
	StateConnecting State = "connecting"
	StateSubscribed State = "subscribed"
)

var allStates = []string{string(StateStopped), string(StateConnecting), string(StateSubscribed)}

// Notifier receives operator alerts.
type Notifier interface {
	SendAlert(title, message string)
}

// Runner owns one broker connection subscribed to a single topic filter and
// feeds every message to its handler. Messages are delivered on the broker
// client's goroutines, never on the caller's.
//
// Replicated state is kept across reconnects; a reconnect re-subscribes and
// resumes.
type Runner struct {
	name     string
	filter   string
	qos      byte
	dial     Dialer
	handler  Handler
	notifier Notifier
	logger   zerolog.Logger

	mu      sync.Mutex
	state   State
	conn    Conn
	lastErr error
}

// NewRunner creates a stopped runner. notifier may be nil.
func NewRunner(name, filter string, qos byte, dial Dialer, handler Handler, notifier Notifier, logger zerolog.Logger) *Runner {
	r := &Runner{
		name:     name,
		filter:   filter,
		qos:      qos,
		dial:     dial,
		handler:  handler,
		notifier: notifier,
		logger:   logger.With().Str("runner", name).Logger(),
		state:    StateStopped,
	}
	metrics.SetRunnerState(name, string(StateStopped), allStates)

	return r
}

func (r *Runner) Name() string { return r.name }

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}

// LastError returns the most recent connect or subscribe failure.
func (r *Runner) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastErr
}

func (r *Runner) setStateLocked(s State) {
	r.state = s
	metrics.SetRunnerState(r.name, string(s), allStates)
}

// Start connects and subscribes. It is a no-op unless the runner is stopped.
// A connection failure leaves the runner stopped and is returned to the
// caller; it never panics or exits the process.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateStopped {
		r.mu.Unlock()
		return nil
	}

	var conn Conn
	conn = r.dial(Hooks{
		OnConnect:        func() { r.onConnect(conn) },
		OnConnectionLost: func(err error) { r.onConnectionLost(conn, err) },
	})
	r.conn = conn
	r.lastErr = nil
	r.setStateLocked(StateConnecting)
	r.mu.Unlock()

	r.logger.Info().Str("filter", r.filter).Msg("Starting subscription runner")

	if err := conn.Connect(ctx); err != nil {
		conn.Close()

		r.mu.Lock()
		if r.conn == conn {
			r.conn = nil
			r.lastErr = err
			r.setStateLocked(StateStopped)
		}
		r.mu.Unlock()

		r.logger.Warn().Err(err).Msg("Broker unavailable, runner stopped")

		return fmt.Errorf("runner %s: %w", r.name, err)
	}

	r.mu.Lock()
	stale := r.conn != conn
	r.mu.Unlock()

	// Stopped while connecting.
	if stale {
		conn.Close()
	}

	return nil
}

// Stop releases the connection. It is safe to call on a stopped runner.
func (r *Runner) Stop() {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.setStateLocked(StateStopped)
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
		r.logger.Info().Msg("Subscription runner stopped")
	}
}

func (r *Runner) onConnect(conn Conn) {
	r.mu.Lock()
	current := r.conn == conn
	r.mu.Unlock()

	if !current {
		return
	}

	err := conn.Subscribe(r.filter, r.qos, r.dispatch)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != conn {
		return
	}

	if err != nil {
		r.lastErr = err
		r.logger.Error().Err(err).Str("filter", r.filter).Msg("Failed to subscribe")

		return
	}

	r.setStateLocked(StateSubscribed)
	r.logger.Info().Str("filter", r.filter).Msg("Subscribed")
}

func (r *Runner) onConnectionLost(conn Conn, err error) {
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	r.lastErr = err
	r.setStateLocked(StateConnecting)
	r.mu.Unlock()

	if r.notifier != nil {
		r.notifier.SendAlert("Broker connection lost",
			fmt.Sprintf("Runner %s lost its broker connection: %v. Reconnecting.", r.name, err))
	}
}

// dispatch shields the broker client from handler panics so one bad message
// cannot stop delivery for other devices.
func (r *Runner) dispatch(msg Message) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Str("topic", msg.Topic).Msg("Message handler panicked")
		}
	}()

	r.handler(msg)
}
