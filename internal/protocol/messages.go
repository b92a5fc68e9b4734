package protocol

import "time"

// WateringStatus is the manual watering state reported by a device.
type WateringStatus string

const (
	StatusIdle     WateringStatus = "idle"
	StatusRunning  WateringStatus = "running"
	StatusStopping WateringStatus = "stopping"
)

func (s WateringStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusStopping:
		return true
	}

	return false
}

// CommandType identifies an outbound command.
type CommandType string

const (
	CommandPumpStart CommandType = "pump_start"
	CommandPumpStop  CommandType = "pump_stop"
)

// Manual watering duration bounds for pump_start, in seconds.
const (
	MinDurationS = 1
	MaxDurationS = 3600
)

// AckResult is the outcome a device reports for a command.
type AckResult string

const (
	ResultAccepted AckResult = "accepted"
	ResultRejected AckResult = "rejected"
	ResultError    AckResult = "error"
)

func (r AckResult) Valid() bool {
	switch r {
	case ResultAccepted, ResultRejected, ResultError:
		return true
	}

	return false
}

// ManualWatering is the watering sub-record of a state snapshot.
// StartedAt and RemainingS only carry meaning while Status is running.
type ManualWatering struct {
	Status        WateringStatus `json:"status"`
	DurationS     *int           `json:"duration_s,omitempty"`
	StartedAt     *Timestamp     `json:"started_at,omitempty"`
	RemainingS    *int           `json:"remaining_s,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// StateSnapshot is a device's total self-reported state. Snapshots replace
// each other wholesale; fields are never merged across snapshots.
type StateSnapshot struct {
	ManualWatering ManualWatering `json:"manual_watering"`
	FW             string         `json:"fw,omitempty"`
	FWVersion      string         `json:"fw_version,omitempty"`
	FWName         string         `json:"fw_name,omitempty"`
	FWBuild        string         `json:"fw_build,omitempty"`
}

// Clone returns a deep copy so callers never share pointers with a store.
func (s StateSnapshot) Clone() StateSnapshot {
	out := s
	out.ManualWatering.DurationS = cloneInt(s.ManualWatering.DurationS)
	out.ManualWatering.RemainingS = cloneInt(s.ManualWatering.RemainingS)

	if s.ManualWatering.StartedAt != nil {
		ts := *s.ManualWatering.StartedAt
		out.ManualWatering.StartedAt = &ts
	}

	return out
}

// Command is a pump-start or pump-stop instruction. DurationS is set only for
// pump-start.
type Command struct {
	Type          CommandType `json:"type"`
	CorrelationID string      `json:"correlation_id"`
	IssuedAt      Timestamp   `json:"issued_at"`
	DurationS     *int        `json:"duration_s,omitempty"`
}

// NewPumpStart builds a pump_start command.
func NewPumpStart(correlationID string, durationS int, issuedAt time.Time) Command {
	return Command{
		Type:          CommandPumpStart,
		CorrelationID: correlationID,
		IssuedAt:      *NewTimestamp(issuedAt),
		DurationS:     &durationS,
	}
}

// NewPumpStop builds a pump_stop command.
func NewPumpStop(correlationID string, issuedAt time.Time) Command {
	return Command{
		Type:          CommandPumpStop,
		CorrelationID: correlationID,
		IssuedAt:      *NewTimestamp(issuedAt),
	}
}

// Ack is a device's acknowledgement of a command.
type Ack struct {
	CorrelationID string         `json:"correlation_id"`
	Result        AckResult      `json:"result"`
	Reason        string         `json:"reason,omitempty"`
	Status        WateringStatus `json:"status,omitempty"`
	DurationS     *int           `json:"duration_s,omitempty"`
	StartedAt     *Timestamp     `json:"started_at,omitempty"`
}

// Clone returns a deep copy of the ack.
func (a Ack) Clone() Ack {
	out := a
	out.DurationS = cloneInt(a.DurationS)

	if a.StartedAt != nil {
		ts := *a.StartedAt
		out.StartedAt = &ts
	}

	return out
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}

	n := *v

	return &n
}

// IntPtr is a helper for optional integer fields.
func IntPtr(v int) *int { return &v }
