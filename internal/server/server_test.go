package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prite36/irrigation-shadow/internal/mqtt"
	"github.com/prite36/irrigation-shadow/internal/protocol"
	"github.com/prite36/irrigation-shadow/internal/service"
	"github.com/prite36/irrigation-shadow/internal/shadow"
)

type stubPublisher struct {
	mu   sync.Mutex
	err  error
	cmds []protocol.Command
}

func (p *stubPublisher) Publish(_ string, cmd protocol.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmds = append(p.cmds, cmd)
	return p.err
}

type staticHealth struct{ h Health }

func (s staticHealth) Health() Health { return s.h }

type testEnv struct {
	handler   http.Handler
	shadows   *shadow.Store
	acks      *shadow.AckStore
	publisher *stubPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		shadows:   shadow.NewStore(60 * time.Second),
		acks:      shadow.NewAckStore(),
		publisher: &stubPublisher{},
	}

	svc := service.NewWateringService(service.Config{
		Shadows:      env.shadows,
		Acks:         env.acks,
		Publisher:    env.publisher,
		PollInterval: 10 * time.Millisecond,
		MaxWait:      time.Second,
		NewID:        func() string { return "cid-1" },
		Logger:       zerolog.Nop(),
	})

	health := staticHealth{Health{Status: "ok", Runners: map[string]string{"state": "subscribed"}, Publisher: "connected"}}
	env.handler = New(":0", svc, health, zerolog.Nop()).Handler

	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))

	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	h := decode[Health](t, rec)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "subscribed", h.Runners["state"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusUnknownDevice(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/devices/ghost/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	v := decode[shadow.View](t, rec)
	assert.Equal(t, "ghost", v.DeviceID)
	assert.Equal(t, protocol.StatusIdle, v.Status)
	assert.Equal(t, shadow.SourceUnknown, v.Source)
	assert.False(t, v.IsOnline)
}

func TestStartAccepted(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/devices/d1/watering/start", `{"duration_s":120}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "cid-1", decode[CommandResponse](t, rec).CorrelationID)

	require.Len(t, env.publisher.cmds, 1)
	assert.Equal(t, 120, *env.publisher.cmds[0].DurationS)
}

func TestStartBadRequests(t *testing.T) {
	env := newTestEnv(t)

	for _, body := range []string{`{}`, `not json`, `{"duration_s":0}`, `{"duration_s":3601}`} {
		rec := env.do(t, http.MethodPost, "/api/v1/devices/d1/watering/start", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	assert.Empty(t, env.publisher.cmds)
}

func TestStartWhileRunningIsConflict(t *testing.T) {
	env := newTestEnv(t)
	env.shadows.Update("d1", protocol.StateSnapshot{ManualWatering: protocol.ManualWatering{
		Status:    protocol.StatusRunning,
		DurationS: protocol.IntPtr(60),
		StartedAt: protocol.NewTimestamp(time.Now()),
	}}, time.Now())

	rec := env.do(t, http.MethodPost, "/api/v1/devices/d1/watering/start", `{"duration_s":30}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, protocol.StatusRunning, body.Status)
	assert.NotEmpty(t, body.Reason)
}

func TestStopWhileIdleIsConflict(t *testing.T) {
	env := newTestEnv(t)
	env.shadows.Update("d1", protocol.StateSnapshot{ManualWatering: protocol.ManualWatering{Status: protocol.StatusIdle}}, time.Now())

	rec := env.do(t, http.MethodPost, "/api/v1/devices/d1/watering/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPublishFailuresMapToStatusCodes(t *testing.T) {
	env := newTestEnv(t)

	env.publisher.err = mqtt.ErrNotConnected
	rec := env.do(t, http.MethodPost, "/api/v1/devices/d1/watering/start", `{"duration_s":10}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	env.publisher.err = errors.New("broker said no")
	rec = env.do(t, http.MethodPost, "/api/v1/devices/d1/watering/start", `{"duration_s":10}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestAckLookup(t *testing.T) {
	env := newTestEnv(t)
	env.acks.Put("d1", protocol.Ack{CorrelationID: "abc", Result: protocol.ResultRejected, Reason: "already running"},
		time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))

	rec := env.do(t, http.MethodGet, "/api/v1/acks/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[AckResponse](t, rec)
	assert.Equal(t, "d1", body.DeviceID)
	assert.Equal(t, protocol.ResultRejected, body.Result)
	assert.Equal(t, "already running", body.Reason)
	assert.Equal(t, "2025-06-01T08:00:00Z", body.ReceivedAt)

	rec = env.do(t, http.MethodGet, "/api/v1/acks/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWaitAck(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/acks/missing/wait?timeout=0.1", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/acks/missing/wait?timeout=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	go func() {
		time.Sleep(50 * time.Millisecond)
		env.acks.Put("d1", protocol.Ack{CorrelationID: "late", Result: protocol.ResultAccepted}, time.Now())
	}()

	rec = env.do(t, http.MethodGet, "/api/v1/acks/late/wait?timeout=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, protocol.ResultAccepted, decode[AckResponse](t, rec).Result)
}

func TestWaitAckOversizedTimeoutUsesMaxWait(t *testing.T) {
	env := newTestEnv(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		env.acks.Put("d1", protocol.Ack{CorrelationID: "slow", Result: protocol.ResultAccepted}, time.Now())
	}()

	rec := env.do(t, http.MethodGet, "/api/v1/acks/slow/wait?timeout=1e20", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "slow", decode[AckResponse](t, rec).CorrelationID)
}

func TestUnknownMethodRejected(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodDelete, "/api/v1/devices/d1/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
