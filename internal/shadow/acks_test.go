package shadow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prite36/irrigation-shadow/internal/protocol"
)

func ack(id string) protocol.Ack {
	return protocol.Ack{CorrelationID: id, Result: protocol.ResultAccepted}
}

func TestAckPutGet(t *testing.T) {
	s := NewAckStore()
	s.Put("d1", ack("c1"), t0)

	e, ok := s.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "d1", e.DeviceID)
	assert.Equal(t, protocol.ResultAccepted, e.Ack.Result)

	// Reads do not consume.
	_, ok = s.Get("c1")
	assert.True(t, ok)

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestAckOverwrite(t *testing.T) {
	s := NewAckStore()
	s.Put("d1", ack("c1"), t0)

	rejected := ack("c1")
	rejected.Result = protocol.ResultRejected
	s.Put("d1", rejected, t0.Add(time.Second))

	e, _ := s.Get("c1")
	assert.Equal(t, protocol.ResultRejected, e.Ack.Result)
	assert.Equal(t, 1, s.Len())
}

func TestAckCleanup(t *testing.T) {
	s := NewAckStore()
	s.Put("d1", ack("old"), t0)
	s.Put("d1", ack("edge"), t0.Add(10*time.Second))
	s.Put("d2", ack("fresh"), t0.Add(50*time.Second))

	now := t0.Add(70 * time.Second)

	removed := s.Cleanup(60*time.Second, now)
	assert.Equal(t, 1, removed)

	_, ok := s.Get("old")
	assert.False(t, ok)
	_, ok = s.Get("edge")
	assert.True(t, ok, "entry exactly at the cutoff is kept")
	_, ok = s.Get("fresh")
	assert.True(t, ok)

	assert.Equal(t, 0, s.Cleanup(60*time.Second, now))
}
