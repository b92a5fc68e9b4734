package shadow

import (
	"sync"
	"time"

	"github.com/prite36/irrigation-shadow/internal/protocol"
)

// DefaultAckTTL is how long an acknowledgement stays readable.
const DefaultAckTTL = 300 * time.Second

// AckEntry is a stored acknowledgement with its origin.
type AckEntry struct {
	DeviceID   string       `json:"device_id"`
	Ack        protocol.Ack `json:"ack"`
	ReceivedAt time.Time    `json:"received_at"`
}

// AckStore maps correlation ids to acknowledgements. Reads do not consume;
// entries leave only through Cleanup.
type AckStore struct {
	mu      sync.Mutex
	entries map[string]AckEntry
}

func NewAckStore() *AckStore {
	return &AckStore{entries: make(map[string]AckEntry)}
}

// Put inserts or overwrites the entry for ack.CorrelationID.
func (s *AckStore) Put(deviceID string, ack protocol.Ack, receivedAt time.Time) {
	e := AckEntry{DeviceID: deviceID, Ack: ack.Clone(), ReceivedAt: receivedAt}

	s.mu.Lock()
	s.entries[ack.CorrelationID] = e
	s.mu.Unlock()
}

// Get returns a copy of the entry for correlationID.
func (s *AckStore) Get(correlationID string) (AckEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[correlationID]
	if !ok {
		return AckEntry{}, false
	}

	e.Ack = e.Ack.Clone()

	return e, true
}

// Cleanup evicts entries received before now-maxAge and returns how many
// were removed. It scans every entry, so run it off the request path.
func (s *AckStore) Cleanup(maxAge time.Duration, now time.Time) int {
	cutoff := now.Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for id, e := range s.entries {
		if e.ReceivedAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}

	return removed
}

// Len returns the number of stored acknowledgements.
func (s *AckStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}
