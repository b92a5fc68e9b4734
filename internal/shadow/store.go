// Package shadow holds the in-memory replicas fed by the broker: the latest
// state snapshot of each device and recently received acknowledgements.
package shadow

import (
	"sync"
	"time"

	"github.com/prite36/irrigation-shadow/internal/protocol"
)

// DefaultOnlineThreshold is the maximum shadow age still considered online.
const DefaultOnlineThreshold = 60 * time.Second

type entry struct {
	snapshot   protocol.StateSnapshot
	receivedAt time.Time
}

// Store maps device ids to their latest snapshot. A single mutex guards the
// map; every operation is O(1) and never does I/O while holding it.
type Store struct {
	mu              sync.Mutex
	entries         map[string]entry
	onlineThreshold time.Duration
}

// NewStore creates an empty store. A non-positive threshold selects
// DefaultOnlineThreshold.
func NewStore(onlineThreshold time.Duration) *Store {
	if onlineThreshold <= 0 {
		onlineThreshold = DefaultOnlineThreshold
	}

	return &Store{
		entries:         make(map[string]entry),
		onlineThreshold: onlineThreshold,
	}
}

// OnlineThreshold returns the configured online window.
func (s *Store) OnlineThreshold() time.Duration {
	return s.onlineThreshold
}

// Update replaces the device's snapshot and receipt time (last write wins).
func (s *Store) Update(deviceID string, snap protocol.StateSnapshot, receivedAt time.Time) {
	e := entry{snapshot: snap.Clone(), receivedAt: receivedAt}

	s.mu.Lock()
	s.entries[deviceID] = e
	s.mu.Unlock()
}

// View computes the device's presentation at now. Reading the entry and
// deriving the view happen in one critical section.
func (s *Store) View(deviceID string, now time.Time) (View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[deviceID]
	if !ok {
		return View{}, false
	}

	return BuildView(deviceID, e.snapshot, e.receivedAt, now, s.onlineThreshold, SourceShadow), true
}

// Has reports whether the device has a shadow entry.
func (s *Store) Has(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[deviceID]

	return ok
}

// Len returns the number of devices with a shadow.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}
