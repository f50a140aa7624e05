package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/voice-appointment-orchestrator/internal/audit"
	"github.com/hackgods/voice-appointment-orchestrator/internal/call"
	"github.com/hackgods/voice-appointment-orchestrator/internal/ledger"
	"github.com/hackgods/voice-appointment-orchestrator/internal/registry"
)

const maxUtteranceBytes = 1 << 20

// Telephony

func admitCallHandler(calls CallService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AdmitCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.CallID == "" {
			writeError(w, http.StatusBadRequest, "invalid_call_id", "call_id is required")
			return
		}
		if req.RoutingKey == "" {
			writeError(w, http.StatusBadRequest, "invalid_routing_key", "routing_key is required")
			return
		}

		s, err := calls.Admit(r.Context(), call.Admission{
			CallID:       req.CallID,
			CallerNumber: req.CallerNumber,
			RoutingKey:   req.RoutingKey,
		})
		if err != nil {
			handleError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, CallResponse{Snapshot: s.Snapshot()})
	}
}

func getCallHandler(calls CallService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := calls.Get(chi.URLParam(r, "id"))
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, CallResponse{Snapshot: s.Snapshot()})
	}
}

// deliverTurnHandler queues one utterance. The body is passed to the voice
// pipeline untouched.
func deliverTurnHandler(calls CallService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callID := chi.URLParam(r, "id")
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUtteranceBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "utterance_too_large", err.Error())
			return
		}

		if err := calls.Deliver(r.Context(), callID, body); err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, callResponse(calls, callID))
	}
}

func hangupHandler(calls CallService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callID := chi.URLParam(r, "id")
		if err := calls.Hangup(callID); err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, callResponse(calls, callID))
	}
}

func handoffEndedHandler(calls CallService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callID := chi.URLParam(r, "id")
		req := HandoffEndedRequest{Resolved: true}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
				return
			}
		}

		if err := calls.HandoffEnded(r.Context(), callID, req.Resolved); err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, callResponse(calls, callID))
	}
}

// callResponse reports the latest snapshot. The session may already have
// retired by the time the input is queued.
func callResponse(calls CallService, callID string) CallResponse {
	s, err := calls.Get(callID)
	if err != nil {
		return CallResponse{Snapshot: registry.Snapshot{CallID: callID}, Queued: true}
	}
	return CallResponse{Snapshot: s.Snapshot(), Queued: true}
}

// Dashboard

func listCallsHandler(calls CallService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, calls.ListActive())
	}
}

func callHistoryHandler(rec *audit.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := rec.History(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			handleError(w, err)
			return
		}
		if events == nil {
			events = []audit.Event{}
		}
		writeJSON(w, http.StatusOK, events)
	}
}

func eventsSinceHandler(rec *audit.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var after int64
		if v := r.URL.Query().Get("after"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid_after", "after must be a non-negative sequence number")
				return
			}
			after = n
		}
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 1000 {
				writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000")
				return
			}
			limit = n
		}

		events, err := rec.Since(r.Context(), after, limit)
		if err != nil {
			handleError(w, err)
			return
		}
		if events == nil {
			events = []audit.Event{}
		}
		writeJSON(w, http.StatusOK, events)
	}
}

func listProvidersHandler(l ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providers, err := l.ListProviders(r.Context())
		if err != nil {
			handleError(w, err)
			return
		}
		resp := make([]ProviderResponse, 0, len(providers))
		for _, p := range providers {
			resp = append(resp, toProviderResponse(p))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func listAppointmentsHandler(l ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "id must be a valid UUID")
			return
		}
		window, ok := parseRange(w, r)
		if !ok {
			return
		}

		appts, err := l.ListAppointments(r.Context(), providerID, window)
		if err != nil {
			handleError(w, err)
			return
		}
		resp := make([]AppointmentResponse, 0, len(appts))
		for _, a := range appts {
			resp = append(resp, toAppointmentResponse(a))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func listSlotsHandler(l ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "id must be a valid UUID")
			return
		}
		window, ok := parseRange(w, r)
		if !ok {
			return
		}

		slots, err := l.FindOpenSlots(r.Context(), providerID, window, r.URL.Query().Get("service"))
		if err != nil {
			handleError(w, err)
			return
		}
		resp := make([]SlotResponse, 0, len(slots))
		for _, s := range slots {
			resp = append(resp, toSlotResponse(s))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getAppointmentHandler(l ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}
		appt, err := l.GetAppointment(r.Context(), id)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

// parseRange reads from/to as RFC 3339. The default window is the next 7 days.
func parseRange(w http.ResponseWriter, r *http.Request) (ledger.TimeRange, bool) {
	q := r.URL.Query()
	window := ledger.TimeRange{From: time.Now().UTC()}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", "from must be an RFC 3339 timestamp")
			return ledger.TimeRange{}, false
		}
		window.From = t
	}
	window.To = window.From.Add(7 * 24 * time.Hour)
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_to", "to must be an RFC 3339 timestamp")
			return ledger.TimeRange{}, false
		}
		window.To = t
	}
	if !window.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_range", "to must be after from")
		return ledger.TimeRange{}, false
	}
	return window, true
}

// Staff

func listTicketsHandler(h HandoffService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.Tickets())
	}
}

func agentAvailableHandler(h HandoffService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AgentAvailableRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "agent_id is required")
			return
		}
		queue := chi.URLParam(r, "queue")
		if err := h.AgentAvailable(queue, req.AgentID); err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"queue":     queue,
			"agent_id":  req.AgentID,
			"available": true,
		})
	}
}
