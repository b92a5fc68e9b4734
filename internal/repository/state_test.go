package repository

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
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/prite36/irrigation-shadow/internal/protocol"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func newTestRepository(t *testing.T) *StateRepository {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := NewStateRepository(db)
	require.NoError(t, repo.Migrate())

	return repo
}

func TestGetStateMissing(t *testing.T) {
	repo := newTestRepository(t)

	row, err := repo.GetState(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestUpsertState(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	snap := protocol.StateSnapshot{
		ManualWatering: protocol.ManualWatering{
			Status:    protocol.StatusRunning,
			DurationS: protocol.IntPtr(30),
			StartedAt: protocol.NewTimestamp(t0),
		},
		FWVersion: "2.1.0",
	}
	require.NoError(t, repo.UpsertState(ctx, "d1", snap, t0))

	idle := protocol.StateSnapshot{ManualWatering: protocol.ManualWatering{Status: protocol.StatusIdle}}
	require.NoError(t, repo.UpsertState(ctx, "d1", idle, t0.Add(time.Minute)))

	row, err := repo.GetState(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.UpdatedAt.Equal(t0.Add(time.Minute)))

	got, err := Snapshot(row)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusIdle, got.ManualWatering.Status)
	assert.Empty(t, got.FWVersion)
}

func TestTouchCreatesIdleRowThenBumps(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Touch(ctx, "d2", t0))

	row, err := repo.GetState(ctx, "d2")
	require.NoError(t, err)
	require.NotNil(t, row)

	snap, err := Snapshot(row)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusIdle, snap.ManualWatering.Status)

	running := protocol.StateSnapshot{ManualWatering: protocol.ManualWatering{Status: protocol.StatusRunning}}
	require.NoError(t, repo.UpsertState(ctx, "d2", running, t0.Add(time.Second)))
	require.NoError(t, repo.Touch(ctx, "d2", t0.Add(time.Hour)))

	row, err = repo.GetState(ctx, "d2")
	require.NoError(t, err)
	assert.True(t, row.UpdatedAt.Equal(t0.Add(time.Hour)))

	snap, err = Snapshot(row)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusRunning, snap.ManualWatering.Status, "touch keeps the stored state")
}

type recordingWriter struct {
	mu      sync.Mutex
	upserts []string
	touches []string
	fail    bool
}

func (w *recordingWriter) UpsertState(_ context.Context, deviceID string, _ protocol.StateSnapshot, _ time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.upserts = append(w.upserts, deviceID)
	if w.fail {
		return errors.New("database is down")
	}
	return nil
}

func (w *recordingWriter) Touch(_ context.Context, deviceID string, _ time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.touches = append(w.touches, deviceID)
	return nil
}

func (w *recordingWriter) counts() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.upserts), len(w.touches)
}

func TestMirrorAppliesWrites(t *testing.T) {
	w := &recordingWriter{fail: true}
	m := NewMirror(w, 8, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.RecordState("d1", protocol.StateSnapshot{}, t0)
	m.RecordTouch("d2", t0)

	require.Eventually(t, func() bool {
		u, tc := w.counts()
		return u == 1 && tc == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMirrorDropsWhenFull(t *testing.T) {
	w := &recordingWriter{}
	m := NewMirror(w, 1, zerolog.Nop())

	// Not running: the second write overflows the queue without blocking.
	m.RecordTouch("d1", t0)
	m.RecordTouch("d2", t0)

	assert.Len(t, m.queue, 1)
}
