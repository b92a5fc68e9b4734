// Package ingest turns raw broker messages into shadow and ack store
// updates. It is the only path by which device input reaches process state,
// so every failure is contained here: bad topics and payloads are logged and
// dropped.
package ingest

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/prite36/irrigation-shadow/internal/metrics"
	"github.com/prite36/irrigation-shadow/internal/mqtt"
	"github.com/prite36/irrigation-shadow/internal/protocol"
	"github.com/prite36/irrigation-shadow/internal/shadow"
)

// Recorder mirrors ingest writes into the persistence fallback. Calls must
// not block.
type Recorder interface {
	RecordState(deviceID string, snap protocol.StateSnapshot, at time.Time)
	RecordTouch(deviceID string, at time.Time)
}

// Notifier receives operator alerts.
type Notifier interface {
	SendAlert(title, message string)
}

// Config wires the handlers. Recorder, Notifier and Now are optional.
type Config struct {
	Topics   protocol.Topics
	Shadows  *shadow.Store
	Acks     *shadow.AckStore
	Recorder Recorder
	Notifier Notifier
	Now      func() time.Time
	Logger   zerolog.Logger
}

// Handlers holds the state and ack ingest handlers.
type Handlers struct {
	topics   protocol.Topics
	shadows  *shadow.Store
	acks     *shadow.AckStore
	recorder Recorder
	notifier Notifier
	now      func() time.Time
	logger   zerolog.Logger
}

func New(cfg Config) *Handlers {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Handlers{
		topics:   cfg.Topics,
		shadows:  cfg.Shadows,
		acks:     cfg.Acks,
		recorder: cfg.Recorder,
		notifier: cfg.Notifier,
		now:      now,
		logger:   cfg.Logger,
	}
}

// HandleState applies a state snapshot to the shadow store.
func (h *Handlers) HandleState(msg mqtt.Message) {
	deviceID, ok := h.topics.DeviceID(msg.Topic, protocol.KindState)
	if !ok {
		metrics.IngestMessages.WithLabelValues(protocol.KindState, metrics.OutcomeNoDevice).Inc()
		h.logger.Debug().Str("topic", msg.Topic).Msg("Ignoring message from unexpected topic")

		return
	}

	snap, err := protocol.DecodeState(msg.Payload)
	if err != nil {
		metrics.IngestMessages.WithLabelValues(protocol.KindState, metrics.OutcomeInvalid).Inc()
		h.logger.Warn().Err(err).Str("topic", msg.Topic).Str("device_id", deviceID).Msg("Discarding malformed state payload")

		return
	}

	now := h.now()
	h.shadows.Update(deviceID, snap, now)
	metrics.IngestMessages.WithLabelValues(protocol.KindState, metrics.OutcomeApplied).Inc()

	h.logger.Debug().
		Str("device_id", deviceID).
		Str("status", string(snap.ManualWatering.Status)).
		Bool("retained", msg.Retained).
		Msg("Updated device shadow")

	if h.recorder != nil {
		h.recorder.RecordState(deviceID, snap, now)
	}
}

// HandleAck stores an acknowledgement under its correlation id.
func (h *Handlers) HandleAck(msg mqtt.Message) {
	deviceID, ok := h.topics.DeviceID(msg.Topic, protocol.KindAck)
	if !ok {
		metrics.IngestMessages.WithLabelValues(protocol.KindAck, metrics.OutcomeNoDevice).Inc()
		h.logger.Debug().Str("topic", msg.Topic).Msg("Ignoring message from unexpected topic")

		return
	}

	ack, err := protocol.DecodeAck(msg.Payload)
	if err != nil {
		metrics.IngestMessages.WithLabelValues(protocol.KindAck, metrics.OutcomeInvalid).Inc()
		h.logger.Warn().Err(err).Str("topic", msg.Topic).Str("device_id", deviceID).Msg("Discarding malformed ack payload")

		return
	}

	now := h.now()
	h.acks.Put(deviceID, ack, now)
	metrics.IngestMessages.WithLabelValues(protocol.KindAck, metrics.OutcomeApplied).Inc()

	h.logger.Info().
		Str("device_id", deviceID).
		Str("correlation_id", ack.CorrelationID).
		Str("result", string(ack.Result)).
		Str("reason", ack.Reason).
		Msg("Received acknowledgement")

	if h.recorder != nil && !h.shadows.Has(deviceID) {
		h.recorder.RecordTouch(deviceID, now)
	}

	if ack.Result == protocol.ResultError && h.notifier != nil {
		h.notifier.SendAlert("Device reported an error",
			fmt.Sprintf("Device %s failed command %s: %s", deviceID, ack.CorrelationID, ack.Reason))
	}
}
