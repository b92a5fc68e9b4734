package repository

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/prite36/irrigation-shadow/internal/metrics"
	"github.com/prite36/irrigation-shadow/internal/protocol"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 5 * time.Second
)

// StateWriter is the write side of the fallback table.
type StateWriter interface {
	UpsertState(ctx context.Context, deviceID string, snap protocol.StateSnapshot, updatedAt time.Time) error
	Touch(ctx context.Context, deviceID string, now time.Time) error
}

type mirrorJob struct {
	deviceID string
	snapshot *protocol.StateSnapshot
	at       time.Time
}

// Mirror queues fallback writes and applies them on a single goroutine so
// broker callbacks never wait on the database. Writes are advisory: a full
// queue or a failed write is logged and dropped.
type Mirror struct {
	writer StateWriter
	queue  chan mirrorJob
	logger zerolog.Logger
}

func NewMirror(writer StateWriter, queueSize int, logger zerolog.Logger) *Mirror {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &Mirror{
		writer: writer,
		queue:  make(chan mirrorJob, queueSize),
		logger: logger,
	}
}

// RecordState queues an upsert of the device's snapshot.
func (m *Mirror) RecordState(deviceID string, snap protocol.StateSnapshot, at time.Time) {
	s := snap.Clone()
	m.enqueue(mirrorJob{deviceID: deviceID, snapshot: &s, at: at})
}

// RecordTouch queues a touch of the device's row.
func (m *Mirror) RecordTouch(deviceID string, at time.Time) {
	m.enqueue(mirrorJob{deviceID: deviceID, at: at})
}

func (m *Mirror) enqueue(job mirrorJob) {
	select {
	case m.queue <- job:
	default:
		metrics.MirrorDropped.Inc()
		m.logger.Warn().Str("device_id", job.deviceID).Msg("Persistence queue full, dropping write")
	}
}

// Run applies queued writes until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-m.queue:
			m.apply(ctx, job)
		}
	}
}

func (m *Mirror) apply(ctx context.Context, job mirrorJob) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	var err error
	if job.snapshot != nil {
		err = m.writer.UpsertState(ctx, job.deviceID, *job.snapshot, job.at)
	} else {
		err = m.writer.Touch(ctx, job.deviceID, job.at)
	}

	if err != nil {
		m.logger.Warn().Err(err).Str("device_id", job.deviceID).Msg("Failed to persist device state")
	}
}
