// Package simulator emulates an irrigation controller speaking the device
// side of the command/state contract. It is used for bench testing the
// service without hardware.
package simulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prite36/irrigation-shadow/internal/mqtt"
	"github.com/prite36/irrigation-shadow/internal/protocol"
)

const defaultHeartbeat = 30 * time.Second

// Config describes the simulated device.
type Config struct {
	DeviceID  string
	Topics    protocol.Topics
	QoS       byte
	FWVersion string
	// Heartbeat is the interval between unsolicited state reports.
	Heartbeat time.Duration
	// TimeScale is the real time one watering second takes. Defaults to a second.
	TimeScale time.Duration
	Now       func() time.Time
	Logger    zerolog.Logger
}

// Device is a simulated controller with a single pump.
type Device struct {
	cfg  Config
	dial mqtt.Dialer

	mu            sync.Mutex
	conn          mqtt.Conn
	status        protocol.WateringStatus
	durationS     int
	startedAt     time.Time
	correlationID string
	timer         *time.Timer
}

func New(cfg Config, dial mqtt.Dialer) (*Device, error) {
	if !protocol.ValidDeviceID(cfg.DeviceID) {
		return nil, fmt.Errorf("invalid device id %q", cfg.DeviceID)
	}

	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}

	if cfg.TimeScale <= 0 {
		cfg.TimeScale = time.Second
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.FWVersion == "" {
		cfg.FWVersion = "sim-1.0.0"
	}

	return &Device{cfg: cfg, dial: dial, status: protocol.StatusIdle}, nil
}

// Status returns the simulated pump state.
func (d *Device) Status() protocol.WateringStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.status
}

// Run connects, reports state and serves commands until ctx is done.
func (d *Device) Run(ctx context.Context) error {
	var conn mqtt.Conn
	conn = d.dial(mqtt.Hooks{
		OnConnect: func() { d.onConnect(conn) },
	})

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("simulator %s: %w", d.cfg.DeviceID, err)
	}
	defer conn.Close()

	ticker := time.NewTicker(d.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			if d.timer != nil {
				d.timer.Stop()
			}
			d.mu.Unlock()

			return nil
		case <-ticker.C:
			d.publishState()
		}
	}
}

func (d *Device) onConnect(conn mqtt.Conn) {
	if err := conn.Subscribe(d.cfg.Topics.Command(d.cfg.DeviceID), d.cfg.QoS, d.handleCommand); err != nil {
		d.cfg.Logger.Error().Err(err).Msg("Failed to subscribe to command topic")
		return
	}

	d.cfg.Logger.Info().Str("device_id", d.cfg.DeviceID).Msg("Simulated device online")
	d.publishState()
}

func (d *Device) handleCommand(msg mqtt.Message) {
	cmd, err := protocol.DecodeCommand(msg.Payload)
	if err != nil {
		d.cfg.Logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Ignoring malformed command")
		return
	}

	var ack protocol.Ack

	switch cmd.Type {
	case protocol.CommandPumpStart:
		ack = d.start(cmd)
	case protocol.CommandPumpStop:
		ack = d.stop(cmd)
	}

	d.cfg.Logger.Info().
		Str("type", string(cmd.Type)).
		Str("correlation_id", cmd.CorrelationID).
		Str("result", string(ack.Result)).
		Msg("Handled command")

	d.publish(d.cfg.Topics.Ack(d.cfg.DeviceID), false, ack)

	if ack.Result == protocol.ResultAccepted {
		d.publishState()
	}
}

func (d *Device) start(cmd protocol.Command) protocol.Ack {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.status == protocol.StatusRunning {
		return protocol.Ack{
			CorrelationID: cmd.CorrelationID,
			Result:        protocol.ResultRejected,
			Reason:        "already running",
			Status:        d.status,
		}
	}

	d.status = protocol.StatusRunning
	d.durationS = *cmd.DurationS
	d.startedAt = d.cfg.Now()
	d.correlationID = cmd.CorrelationID

	cid := cmd.CorrelationID
	d.timer = time.AfterFunc(time.Duration(d.durationS)*d.cfg.TimeScale, func() { d.complete(cid) })

	return protocol.Ack{
		CorrelationID: cmd.CorrelationID,
		Result:        protocol.ResultAccepted,
		Status:        protocol.StatusRunning,
		DurationS:     protocol.IntPtr(d.durationS),
		StartedAt:     protocol.NewTimestamp(d.startedAt),
	}
}

func (d *Device) stop(cmd protocol.Command) protocol.Ack {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.status != protocol.StatusRunning {
		return protocol.Ack{
			CorrelationID: cmd.CorrelationID,
			Result:        protocol.ResultRejected,
			Reason:        "not running",
			Status:        d.status,
		}
	}

	d.idleLocked()

	return protocol.Ack{
		CorrelationID: cmd.CorrelationID,
		Result:        protocol.ResultAccepted,
		Status:        protocol.StatusIdle,
	}
}

// complete ends the watering run identified by cid when its time is up.
func (d *Device) complete(cid string) {
	d.mu.Lock()
	if d.status != protocol.StatusRunning || d.correlationID != cid {
		d.mu.Unlock()
		return
	}
	d.idleLocked()
	d.mu.Unlock()

	d.cfg.Logger.Info().Str("correlation_id", cid).Msg("Watering run completed")
	d.publishState()
}

func (d *Device) idleLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	d.status = protocol.StatusIdle
	d.durationS = 0
	d.startedAt = time.Time{}
	d.correlationID = ""
}

func (d *Device) snapshot() protocol.StateSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := protocol.StateSnapshot{
		ManualWatering: protocol.ManualWatering{Status: d.status},
		FWVersion:      d.cfg.FWVersion,
		FWName:         "irrigation-sim",
	}

	if d.status == protocol.StatusRunning {
		elapsed := int(d.cfg.Now().Sub(d.startedAt) / d.cfg.TimeScale)
		remaining := d.durationS - elapsed
		if remaining < 0 {
			remaining = 0
		}

		snap.ManualWatering.DurationS = protocol.IntPtr(d.durationS)
		snap.ManualWatering.StartedAt = protocol.NewTimestamp(d.startedAt)
		snap.ManualWatering.RemainingS = protocol.IntPtr(remaining)
		snap.ManualWatering.CorrelationID = d.correlationID
	}

	return snap
}

func (d *Device) publishState() {
	d.publish(d.cfg.Topics.State(d.cfg.DeviceID), true, d.snapshot())
}

func (d *Device) publish(topic string, retained bool, v any) {
	var (
		payload []byte
		err     error
	)

	switch m := v.(type) {
	case protocol.Ack:
		payload, err = protocol.EncodeAck(m)
	case protocol.StateSnapshot:
		payload, err = protocol.EncodeState(m)
	default:
		err = fmt.Errorf("unsupported message %T", v)
	}

	if err != nil {
		d.cfg.Logger.Error().Err(err).Str("topic", topic).Msg("Failed to encode message")
		return
	}

	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	if conn == nil {
		return
	}

	if err := conn.Publish(topic, d.cfg.QoS, retained, payload); err != nil {
		d.cfg.Logger.Warn().Err(err).Str("topic", topic).Msg("Failed to publish")
	}
}
