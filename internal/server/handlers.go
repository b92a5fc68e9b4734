package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/prite36/irrigation-shadow/internal/protocol"
	"github.com/prite36/irrigation-shadow/internal/service"
	"github.com/prite36/irrigation-shadow/internal/shadow"
)

const maxBodyBytes = 4 << 10

type handlers struct {
	api    WateringAPI
	logger zerolog.Logger
}

// StartRequest is the body of the watering start endpoint.
type StartRequest struct {
	DurationS *int `json:"duration_s"`
}

// CommandResponse is returned when a command has been published.
type CommandResponse struct {
	CorrelationID string `json:"correlation_id"`
}

// AckResponse is a stored acknowledgement.
type AckResponse struct {
	DeviceID string `json:"device_id"`
	protocol.Ack
	ReceivedAt string `json:"received_at"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error  string                  `json:"error"`
	Reason string                  `json:"reason,omitempty"`
	Status protocol.WateringStatus `json:"status,omitempty"`
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.api.Status(r.Context(), r.PathValue("id")))
}

func (h *handlers) start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	if req.DurationS == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "duration_s is required"})
		return
	}

	id, err := h.api.Start(r.Context(), r.PathValue("id"), *req.DurationS)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, CommandResponse{CorrelationID: id})
}

func (h *handlers) stop(w http.ResponseWriter, r *http.Request) {
	id, err := h.api.Stop(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, CommandResponse{CorrelationID: id})
}

func (h *handlers) ack(w http.ResponseWriter, r *http.Request) {
	e, err := h.api.Ack(r.PathValue("cid"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ackResponse(e))
}

func (h *handlers) waitAck(w http.ResponseWriter, r *http.Request) {
	timeout := h.api.MaxWait()

	if raw := r.URL.Query().Get("timeout"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "timeout must be a non-negative number of seconds"})
			return
		}

		if secs < timeout.Seconds() {
			timeout = time.Duration(secs * float64(time.Second))
		}
	}

	e, err := h.api.WaitAck(r.Context(), r.PathValue("cid"), timeout)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ackResponse(e))
}

func ackResponse(e shadow.AckEntry) AckResponse {
	return AckResponse{
		DeviceID:   e.DeviceID,
		Ack:        e.Ack,
		ReceivedAt: e.ReceivedAt.UTC().Truncate(time.Second).Format(time.RFC3339),
	}
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	var conflict *service.ConflictError

	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "conflict", Reason: conflict.Reason, Status: conflict.Status})
	case errors.Is(err, service.ErrInvalidCommand):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeJSON(w, http.StatusGatewayTimeout, ErrorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrPublishFailed):
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error()})
	default:
		h.logger.Error().Err(err).Msg("Unhandled request error")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}
