package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prite36/irrigation-shadow/internal/models"
	"github.com/prite36/irrigation-shadow/internal/mqtt"
	"github.com/prite36/irrigation-shadow/internal/protocol"
	"github.com/prite36/irrigation-shadow/internal/shadow"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

type published struct {
	deviceID string
	cmd      protocol.Command
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []published
	err   error
}

func (p *fakePublisher) Publish(deviceID string, cmd protocol.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, published{deviceID: deviceID, cmd: cmd})
	return p.err
}

func (p *fakePublisher) published() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.calls...)
}

type fakeStates struct {
	rows map[string]*models.DeviceState
	err  error
}

func (f *fakeStates) GetState(_ context.Context, deviceID string) (*models.DeviceState, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rows[deviceID], nil
}

type fixture struct {
	svc       *WateringService
	shadows   *shadow.Store
	acks      *shadow.AckStore
	publisher *fakePublisher
	states    *fakeStates
	now       time.Time
}

func newFixture() *fixture {
	f := &fixture{
		shadows:   shadow.NewStore(60 * time.Second),
		acks:      shadow.NewAckStore(),
		publisher: &fakePublisher{},
		states:    &fakeStates{rows: map[string]*models.DeviceState{}},
		now:       t0,
	}

	seq := 0
	f.svc = NewWateringService(Config{
		Shadows:      f.shadows,
		Acks:         f.acks,
		Publisher:    f.publisher,
		States:       f.states,
		PollInterval: 20 * time.Millisecond,
		Now:          func() time.Time { return f.now },
		NewID: func() string {
			seq++
			return fmt.Sprintf("cid-%d", seq)
		},
		Logger: zerolog.Nop(),
	})

	return f
}

func (f *fixture) report(deviceID string, status protocol.WateringStatus) {
	snap := protocol.StateSnapshot{ManualWatering: protocol.ManualWatering{Status: status}}
	if status == protocol.StatusRunning {
		snap.ManualWatering.DurationS = protocol.IntPtr(60)
		snap.ManualWatering.StartedAt = protocol.NewTimestamp(f.now)
	}
	f.shadows.Update(deviceID, snap, f.now)
}

func TestStartPublishesPumpStart(t *testing.T) {
	f := newFixture()
	f.report("d1", protocol.StatusIdle)

	id, err := f.svc.Start(context.Background(), "d1", 90)
	require.NoError(t, err)
	assert.Equal(t, "cid-1", id)

	calls := f.publisher.published()
	require.Len(t, calls, 1)
	assert.Equal(t, "d1", calls[0].deviceID)
	assert.Equal(t, protocol.CommandPumpStart, calls[0].cmd.Type)
	assert.Equal(t, id, calls[0].cmd.CorrelationID)
	assert.Equal(t, 90, *calls[0].cmd.DurationS)
}

func TestStartAllowedForUnseenDevice(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Start(context.Background(), "new", 10)
	require.NoError(t, err)
	assert.Len(t, f.publisher.published(), 1)
}

func TestStartWhileRunningConflicts(t *testing.T) {
	f := newFixture()
	f.report("d1", protocol.StatusRunning)

	_, err := f.svc.Start(context.Background(), "d1", 30)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, protocol.StatusRunning, conflict.Status)
	assert.NotEmpty(t, conflict.Reason)

	assert.Empty(t, f.publisher.published())
}

func TestStartValidatesInput(t *testing.T) {
	f := newFixture()

	for _, d := range []int{0, 3601, -1} {
		_, err := f.svc.Start(context.Background(), "d1", d)
		assert.ErrorIs(t, err, ErrInvalidCommand)
	}

	_, err := f.svc.Start(context.Background(), "bad/id", 10)
	assert.ErrorIs(t, err, ErrInvalidCommand)
	assert.Empty(t, f.publisher.published())
}

func TestStopWhileIdleConflicts(t *testing.T) {
	f := newFixture()
	f.report("d1", protocol.StatusIdle)

	_, err := f.svc.Stop(context.Background(), "d1")
	assert.ErrorIs(t, err, ErrConflict)

	f.report("d2", protocol.StatusStopping)
	_, err = f.svc.Stop(context.Background(), "d2")
	assert.ErrorIs(t, err, ErrConflict)

	_, err = f.svc.Stop(context.Background(), "never")
	assert.ErrorIs(t, err, ErrConflict)

	assert.Empty(t, f.publisher.published())
}

func TestStopWhileRunningPublishesOnce(t *testing.T) {
	f := newFixture()
	f.report("d1", protocol.StatusRunning)

	id, err := f.svc.Stop(context.Background(), "d1")
	require.NoError(t, err)

	calls := f.publisher.published()
	require.Len(t, calls, 1)
	assert.Equal(t, protocol.CommandPumpStop, calls[0].cmd.Type)
	assert.Equal(t, id, calls[0].cmd.CorrelationID)
	assert.Nil(t, calls[0].cmd.DurationS)
}

func TestPublishErrorsAreClassified(t *testing.T) {
	f := newFixture()

	f.publisher.err = mqtt.ErrNotConnected
	_, err := f.svc.Start(context.Background(), "d1", 10)
	assert.ErrorIs(t, err, ErrUnavailable)

	f.publisher.err = fmt.Errorf("wrapped: %w", mqtt.ErrCircuitOpen)
	_, err = f.svc.Start(context.Background(), "d1", 10)
	assert.ErrorIs(t, err, ErrUnavailable)

	f.publisher.err = errors.New("connection reset by peer")
	id, err := f.svc.Start(context.Background(), "d1", 10)
	assert.ErrorIs(t, err, ErrPublishFailed)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.Empty(t, id)
}

func TestStatusUnknownDevice(t *testing.T) {
	f := newFixture()

	v := f.svc.Status(context.Background(), "ghost")
	assert.Equal(t, protocol.StatusIdle, v.Status)
	assert.False(t, v.IsOnline)
	assert.Equal(t, shadow.SourceUnknown, v.Source)
	assert.Equal(t, shadow.ReasonNeverSeen, v.Reason)

	f.states.err = errors.New("db down")
	v = f.svc.Status(context.Background(), "ghost")
	assert.Equal(t, shadow.SourceUnknown, v.Source)
}

func TestStatusPrefersShadow(t *testing.T) {
	f := newFixture()
	f.report("d1", protocol.StatusRunning)
	f.states.rows["d1"] = &models.DeviceState{DeviceID: "d1", StateJSON: `{"manual_watering":{"status":"idle"}}`, UpdatedAt: t0}

	v := f.svc.Status(context.Background(), "d1")
	assert.Equal(t, shadow.SourceShadow, v.Source)
	assert.Equal(t, protocol.StatusRunning, v.Status)
}

func TestStatusFallsBackToPersistedAfterRestart(t *testing.T) {
	f := newFixture()
	f.states.rows["d1"] = &models.DeviceState{
		DeviceID:  "d1",
		StateJSON: `{"manual_watering":{"status":"running","duration_s":20,"started_at":"2025-06-01T08:00:00Z"},"fw_version":"3.0.1"}`,
		UpdatedAt: t0,
	}

	f.now = t0.Add(5 * time.Second)
	v := f.svc.Status(context.Background(), "d1")
	assert.Equal(t, shadow.SourcePersisted, v.Source)
	assert.Equal(t, protocol.StatusRunning, v.Status)
	assert.Equal(t, "3.0.1", v.FWVersion)
	require.NotNil(t, v.RemainingS)
	assert.Equal(t, 15, *v.RemainingS)
	assert.True(t, v.IsOnline)
	assert.Equal(t, "2025-06-01T08:00:00Z", v.LastSeen)

	f.now = t0.Add(61 * time.Second)
	v = f.svc.Status(context.Background(), "d1")
	assert.False(t, v.IsOnline)
}

func TestStatusIgnoresUnreadablePersistedRow(t *testing.T) {
	f := newFixture()
	f.states.rows["d1"] = &models.DeviceState{DeviceID: "d1", StateJSON: `garbage`, UpdatedAt: t0}

	v := f.svc.Status(context.Background(), "d1")
	assert.Equal(t, shadow.SourceUnknown, v.Source)
}

func TestAckLookup(t *testing.T) {
	f := newFixture()
	f.acks.Put("d1", protocol.Ack{CorrelationID: "x", Result: protocol.ResultAccepted}, t0)

	e, err := f.svc.Ack("x")
	require.NoError(t, err)
	assert.Equal(t, protocol.ResultAccepted, e.Ack.Result)

	_, err = f.svc.Ack("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWaitAckReturnsImmediatelyWhenPresent(t *testing.T) {
	f := newFixture()
	f.acks.Put("d1", protocol.Ack{CorrelationID: "x", Result: protocol.ResultAccepted}, t0)

	start := time.Now()
	e, err := f.svc.WaitAck(context.Background(), "x", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "d1", e.DeviceID)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitAckTimesOut(t *testing.T) {
	f := newFixture()

	start := time.Now()
	_, err := f.svc.WaitAck(context.Background(), "missing", time.Second)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 1500*time.Millisecond)
}

func TestWaitAckSeesLateArrival(t *testing.T) {
	f := newFixture()

	go func() {
		time.Sleep(100 * time.Millisecond)
		f.acks.Put("d1", protocol.Ack{CorrelationID: "late", Result: protocol.ResultRejected}, t0)
	}()

	e, err := f.svc.WaitAck(context.Background(), "late", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.ResultRejected, e.Ack.Result)
}

func TestWaitAckClampsTimeout(t *testing.T) {
	f := newFixture()
	f.svc.maxWait = 200 * time.Millisecond

	start := time.Now()
	_, err := f.svc.WaitAck(context.Background(), "missing", time.Hour)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitAckHonoursCancellation(t *testing.T) {
	f := newFixture()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.svc.WaitAck(ctx, "missing", 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
