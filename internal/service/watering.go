package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prite36/irrigation-shadow/internal/metrics"
	"github.com/prite36/irrigation-shadow/internal/models"
	"github.com/prite36/irrigation-shadow/internal/mqtt"
	"github.com/prite36/irrigation-shadow/internal/protocol"
	"github.com/prite36/irrigation-shadow/internal/repository"
	"github.com/prite36/irrigation-shadow/internal/shadow"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultMaxWait      = 15 * time.Second
)

// CommandPublisher sends a command to a device without waiting for its ack.
type CommandPublisher interface {
	Publish(deviceID string, cmd protocol.Command) error
}

// StateLoader reads the persisted fallback row; a missing row is (nil, nil).
type StateLoader interface {
	GetState(ctx context.Context, deviceID string) (*models.DeviceState, error)
}

// Config wires a WateringService. States, Now and NewID are optional.
type Config struct {
	Shadows      *shadow.Store
	Acks         *shadow.AckStore
	Publisher    CommandPublisher
	States       StateLoader
	PollInterval time.Duration
	MaxWait      time.Duration
	Now          func() time.Time
	NewID        func() string
	Logger       zerolog.Logger
}

// WateringService is the synchronous façade over the device channel. It
// guards manual watering start/stop against the shadow, publishes commands
// and exposes acknowledgement lookups.
//
// The device owns its state machine; the service only refuses
// start-while-running and stop-while-not-running.
type WateringService struct {
	shadows      *shadow.Store
	acks         *shadow.AckStore
	publisher    CommandPublisher
	states       StateLoader
	pollInterval time.Duration
	maxWait      time.Duration
	now          func() time.Time
	newID        func() string
	logger       zerolog.Logger
}

func NewWateringService(cfg Config) *WateringService {
	s := &WateringService{
		shadows:      cfg.Shadows,
		acks:         cfg.Acks,
		publisher:    cfg.Publisher,
		states:       cfg.States,
		pollInterval: cfg.PollInterval,
		maxWait:      cfg.MaxWait,
		now:          cfg.Now,
		newID:        cfg.NewID,
		logger:       cfg.Logger,
	}

	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}

	if s.maxWait <= 0 {
		s.maxWait = DefaultMaxWait
	}

	if s.now == nil {
		s.now = time.Now
	}

	if s.newID == nil {
		s.newID = uuid.NewString
	}

	return s
}

// MaxWait is the ceiling applied to WaitAck timeouts.
func (s *WateringService) MaxWait() time.Duration {
	return s.maxWait
}

// Start requests manual watering for durationS seconds and returns the
// command's correlation id without waiting for the device.
func (s *WateringService) Start(ctx context.Context, deviceID string, durationS int) (string, error) {
	if !protocol.ValidDeviceID(deviceID) {
		return "", fmt.Errorf("%w: device id %q", ErrInvalidCommand, deviceID)
	}

	if durationS < protocol.MinDurationS || durationS > protocol.MaxDurationS {
		return "", fmt.Errorf("%w: duration_s must be between %d and %d", ErrInvalidCommand, protocol.MinDurationS, protocol.MaxDurationS)
	}

	now := s.now()
	if v, ok := s.shadows.View(deviceID, now); ok && v.Status == protocol.StatusRunning {
		metrics.Commands.WithLabelValues(string(protocol.CommandPumpStart), "conflict").Inc()
		return "", &ConflictError{DeviceID: deviceID, Status: v.Status, Reason: "manual watering is already running"}
	}

	id := s.newID()
	if err := s.publish(deviceID, protocol.NewPumpStart(id, durationS, now)); err != nil {
		return "", err
	}

	return id, nil
}

// Stop requests the end of a running manual watering.
func (s *WateringService) Stop(ctx context.Context, deviceID string) (string, error) {
	if !protocol.ValidDeviceID(deviceID) {
		return "", fmt.Errorf("%w: device id %q", ErrInvalidCommand, deviceID)
	}

	now := s.now()

	v, ok := s.shadows.View(deviceID, now)
	if !ok {
		metrics.Commands.WithLabelValues(string(protocol.CommandPumpStop), "conflict").Inc()
		return "", &ConflictError{DeviceID: deviceID, Status: protocol.StatusIdle, Reason: "device has not reported its state"}
	}

	if v.Status != protocol.StatusRunning {
		metrics.Commands.WithLabelValues(string(protocol.CommandPumpStop), "conflict").Inc()
		return "", &ConflictError{DeviceID: deviceID, Status: v.Status, Reason: fmt.Sprintf("manual watering is not running (status %s)", v.Status)}
	}

	id := s.newID()
	if err := s.publish(deviceID, protocol.NewPumpStop(id, now)); err != nil {
		return "", err
	}

	return id, nil
}

func (s *WateringService) publish(deviceID string, cmd protocol.Command) error {
	err := s.publisher.Publish(deviceID, cmd)

	switch {
	case err == nil:
		metrics.Commands.WithLabelValues(string(cmd.Type), "published").Inc()
		return nil
	case errors.Is(err, mqtt.ErrNotConnected), errors.Is(err, mqtt.ErrCircuitOpen):
		metrics.Commands.WithLabelValues(string(cmd.Type), "unavailable").Inc()
		s.logger.Warn().Err(err).Str("device_id", deviceID).Str("type", string(cmd.Type)).Msg("Command channel unavailable")

		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		metrics.Commands.WithLabelValues(string(cmd.Type), "failed").Inc()
		s.logger.Error().Err(err).Str("device_id", deviceID).Str("type", string(cmd.Type)).Msg("Failed to publish command")

		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
}

// Status returns the device's presentation view. It never fails: a shadow
// miss falls back to the persisted row, and a device seen nowhere yields
// the unknown view.
func (s *WateringService) Status(ctx context.Context, deviceID string) shadow.View {
	now := s.now()

	if v, ok := s.shadows.View(deviceID, now); ok {
		return v
	}

	if s.states == nil {
		return shadow.UnknownView(deviceID)
	}

	row, err := s.states.GetState(ctx, deviceID)
	if err != nil {
		s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to read persisted state")
		return shadow.UnknownView(deviceID)
	}

	if row == nil {
		return shadow.UnknownView(deviceID)
	}

	snap, err := repository.Snapshot(row)
	if err != nil {
		s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Discarding unreadable persisted state")
		return shadow.UnknownView(deviceID)
	}

	return shadow.BuildView(deviceID, snap, row.UpdatedAt, now, s.shadows.OnlineThreshold(), shadow.SourcePersisted)
}

// Ack returns the stored acknowledgement for correlationID.
func (s *WateringService) Ack(correlationID string) (shadow.AckEntry, error) {
	e, ok := s.acks.Get(correlationID)
	if !ok {
		return shadow.AckEntry{}, ErrNotFound
	}

	return e, nil
}

// WaitAck polls for the acknowledgement of correlationID until it arrives
// or timeout (clamped to MaxWait) elapses. No store lock is held between
// polls.
func (s *WateringService) WaitAck(ctx context.Context, correlationID string, timeout time.Duration) (shadow.AckEntry, error) {
	if e, ok := s.acks.Get(correlationID); ok {
		return e, nil
	}

	if timeout > s.maxWait {
		timeout = s.maxWait
	}

	if timeout <= 0 {
		return shadow.AckEntry{}, ErrTimeout
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return shadow.AckEntry{}, ctx.Err()
		case <-deadline.C:
			if e, ok := s.acks.Get(correlationID); ok {
				return e, nil
			}

			return shadow.AckEntry{}, ErrTimeout
		case <-ticker.C:
			if e, ok := s.acks.Get(correlationID); ok {
				return e, nil
			}
		}
	}
}
