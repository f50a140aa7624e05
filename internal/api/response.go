package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hackgods/voice-appointment-orchestrator/internal/call"
	"github.com/hackgods/voice-appointment-orchestrator/internal/handoff"
	"github.com/hackgods/voice-appointment-orchestrator/internal/ledger"
	redisclient "github.com/hackgods/voice-appointment-orchestrator/internal/redis"
	"github.com/hackgods/voice-appointment-orchestrator/internal/registry"
	"github.com/hackgods/voice-appointment-orchestrator/internal/scheduling"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// handleError maps domain sentinels onto HTTP statuses.
func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "call_not_found", err.Error())
	case errors.Is(err, registry.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "call_exists", err.Error())
	case errors.Is(err, call.ErrSessionEnded):
		writeError(w, http.StatusConflict, "call_ended", err.Error())
	case errors.Is(err, ledger.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, ledger.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ledger.ErrInvalidArgument), errors.Is(err, scheduling.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, ledger.ErrServiceNotOffered):
		writeError(w, http.StatusBadRequest, "service_not_offered", err.Error())
	case errors.Is(err, ledger.ErrConflict), errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "slot_conflict", "slot is currently being booked, please retry shortly")
	case errors.Is(err, ledger.ErrExpired):
		writeError(w, http.StatusConflict, "hold_expired", err.Error())
	case errors.Is(err, ledger.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, handoff.ErrAgentBusy):
		writeError(w, http.StatusConflict, "agent_busy", err.Error())
	case errors.Is(err, handoff.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error())
	case errors.Is(err, ledger.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "ledger_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
