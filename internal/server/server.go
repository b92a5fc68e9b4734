package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/prite36/irrigation-shadow/internal/shadow"
)

// WateringAPI is the command façade served over HTTP.
type WateringAPI interface {
	Start(ctx context.Context, deviceID string, durationS int) (string, error)
	Stop(ctx context.Context, deviceID string) (string, error)
	Status(ctx context.Context, deviceID string) shadow.View
	Ack(correlationID string) (shadow.AckEntry, error)
	WaitAck(ctx context.Context, correlationID string, timeout time.Duration) (shadow.AckEntry, error)
	MaxWait() time.Duration
}

// Health is the body of GET /health.
type Health struct {
	Status    string            `json:"status"`
	Runners   map[string]string `json:"runners,omitempty"`
	Publisher string            `json:"publisher,omitempty"`
	Devices   int               `json:"devices"`
	Acks      int               `json:"acks"`
}

// HealthReporter reports the broker side of the service.
type HealthReporter interface {
	Health() Health
}

// New creates a new HTTP server and sets up the routes.
func New(addr string, api WateringAPI, health HealthReporter, logger zerolog.Logger) *http.Server {
	h := &handlers{api: api, logger: logger}

	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		body := Health{Status: "ok"}
		if health != nil {
			body = health.Health()
		}
		writeJSON(w, http.StatusOK, body)
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/devices/{id}/status", h.status)
	mux.HandleFunc("POST /api/v1/devices/{id}/watering/start", h.start)
	mux.HandleFunc("POST /api/v1/devices/{id}/watering/stop", h.stop)
	mux.HandleFunc("GET /api/v1/acks/{cid}", h.ack)
	mux.HandleFunc("GET /api/v1/acks/{cid}/wait", h.waitAck)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
	})

	logger.Info().Str("addr", addr).Msg("API server configured")

	return &http.Server{
		Addr:              addr,
		Handler:           c.Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
