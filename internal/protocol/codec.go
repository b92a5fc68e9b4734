package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPayload is returned for any payload that fails to decode or
// validate. Ingest treats it as "ignore and log".
var ErrInvalidPayload = errors.New("invalid payload")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// EncodeCommand validates and serialises a command.
func EncodeCommand(cmd Command) ([]byte, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	return json.Marshal(cmd)
}

// EncodeAck validates and serialises an acknowledgement.
func EncodeAck(ack Ack) ([]byte, error) {
	if err := ack.Validate(); err != nil {
		return nil, err
	}

	return json.Marshal(ack)
}

// EncodeState validates and serialises a state snapshot.
func EncodeState(s StateSnapshot) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	return json.Marshal(s)
}

// DecodeCommand parses and validates a command payload.
func DecodeCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, invalid("command: %v", err)
	}

	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}

	return cmd, nil
}

// DecodeAck parses and validates an acknowledgement payload.
func DecodeAck(payload []byte) (Ack, error) {
	var ack Ack
	if err := json.Unmarshal(payload, &ack); err != nil {
		return Ack{}, invalid("ack: %v", err)
	}

	if err := ack.Validate(); err != nil {
		return Ack{}, err
	}

	return ack, nil
}

// DecodeState parses and validates a state snapshot payload.
func DecodeState(payload []byte) (StateSnapshot, error) {
	var s StateSnapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return StateSnapshot{}, invalid("state: %v", err)
	}

	if err := s.Validate(); err != nil {
		return StateSnapshot{}, err
	}

	return s, nil
}

// Validate checks required fields and ranges of a command.
func (c Command) Validate() error {
	if c.CorrelationID == "" {
		return invalid("command: missing correlation_id")
	}

	if c.IssuedAt.IsZero() {
		return invalid("command: missing issued_at")
	}

	switch c.Type {
	case CommandPumpStart:
		if c.DurationS == nil {
			return invalid("pump_start: missing duration_s")
		}

		if *c.DurationS < MinDurationS || *c.DurationS > MaxDurationS {
			return invalid("pump_start: duration_s %d out of range [%d,%d]", *c.DurationS, MinDurationS, MaxDurationS)
		}
	case CommandPumpStop:
		if c.DurationS != nil {
			return invalid("pump_stop: unexpected duration_s")
		}
	default:
		return invalid("command: unknown type %q", c.Type)
	}

	return nil
}

// Validate checks required fields and enumerations of an acknowledgement.
func (a Ack) Validate() error {
	if a.CorrelationID == "" {
		return invalid("ack: missing correlation_id")
	}

	if !a.Result.Valid() {
		return invalid("ack: unknown result %q", a.Result)
	}

	if a.Status != "" && !a.Status.Valid() {
		return invalid("ack: unknown status %q", a.Status)
	}

	if a.DurationS != nil && *a.DurationS < 0 {
		return invalid("ack: negative duration_s")
	}

	return nil
}

// Validate checks the watering sub-record of a snapshot.
func (s StateSnapshot) Validate() error {
	mw := s.ManualWatering
	if !mw.Status.Valid() {
		return invalid("state: unknown manual_watering.status %q", mw.Status)
	}

	if mw.DurationS != nil && *mw.DurationS < 0 {
		return invalid("state: negative duration_s")
	}

	if mw.RemainingS != nil && *mw.RemainingS < 0 {
		return invalid("state: negative remaining_s")
	}

	return nil
}
