package service

import (
	"errors"
	"fmt"

	"github.com/prite36/irrigation-shadow/internal/protocol"
)

var (
	// ErrConflict matches every *ConflictError.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable means the broker connection is not established.
	ErrUnavailable = errors.New("command channel unavailable")
	// ErrPublishFailed means the broker connection was up but the publish failed.
	ErrPublishFailed = errors.New("command publish failed")
	// ErrNotFound means no acknowledgement is stored for a correlation id.
	ErrNotFound = errors.New("acknowledgement not found")
	// ErrTimeout means no acknowledgement arrived before the wait ceiling.
	ErrTimeout = errors.New("timed out waiting for acknowledgement")
	// ErrInvalidCommand rejects malformed start/stop input.
	ErrInvalidCommand = errors.New("invalid command")
)

// ConflictError rejects a command the device's current state does not allow.
type ConflictError struct {
	DeviceID string
	Status   protocol.WateringStatus
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("device %s: %s", e.DeviceID, e.Reason)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
