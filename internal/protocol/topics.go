package protocol

import (
	"fmt"
	"strings"
)

// Channel kinds published under a device's topic tree.
const (
	KindCommand = "cmd"
	KindAck     = "ack"
	KindState   = "state"
)

// Topics builds and parses the per-device channel names "<ns>/dev/<id>/<kind>".
type Topics struct {
	Namespace string
}

// NewTopics returns a Topics for the given namespace. Leading and trailing
// slashes are stripped.
func NewTopics(namespace string) Topics {
	return Topics{Namespace: strings.Trim(namespace, "/")}
}

func (t Topics) topic(deviceID, kind string) string {
	return fmt.Sprintf("%s/dev/%s/%s", t.Namespace, deviceID, kind)
}

// Command returns the topic commands are published to.
func (t Topics) Command(deviceID string) string { return t.topic(deviceID, KindCommand) }

// Ack returns the topic a device publishes acknowledgements on.
func (t Topics) Ack(deviceID string) string { return t.topic(deviceID, KindAck) }

// State returns the retained state topic of a device.
func (t Topics) State(deviceID string) string { return t.topic(deviceID, KindState) }

// StateFilter matches the state topic of every device.
func (t Topics) StateFilter() string { return t.topic("+", KindState) }

// AckFilter matches the ack topic of every device.
func (t Topics) AckFilter() string { return t.topic("+", KindAck) }

// DeviceID extracts the device id from topic if it is exactly a kind topic of
// this namespace. Anything else, including an empty id, is not a match.
func (t Topics) DeviceID(topic, kind string) (string, bool) {
	prefix := t.Namespace + "/dev/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}

	parts := strings.Split(strings.TrimPrefix(topic, prefix), "/")
	if len(parts) != 2 || parts[1] != kind {
		return "", false
	}

	if !ValidDeviceID(parts[0]) {
		return "", false
	}

	return parts[0], true
}

// ValidDeviceID reports whether id can be used as a single topic segment.
func ValidDeviceID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/+#")
}
