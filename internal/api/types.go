package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/voice-appointment-orchestrator/internal/ledger"
	"github.com/hackgods/voice-appointment-orchestrator/internal/registry"
)

type AdmitCallRequest struct {
	CallID       string `json:"call_id"`
	CallerNumber string `json:"caller_number"`
	RoutingKey   string `json:"routing_key"`
}

type HandoffEndedRequest struct {
	Resolved bool `json:"resolved"`
}

type AgentAvailableRequest struct {
	AgentID string `json:"agent_id"`
}

type CallResponse struct {
	registry.Snapshot
	Queued bool `json:"queued,omitempty"`
}

type ProviderResponse struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	RoutingKey   string    `json:"routing_key"`
	ServiceTypes []string  `json:"service_types"`
	SlotMinutes  int       `json:"slot_minutes,omitempty"`
}

type SlotResponse struct {
	ID         uuid.UUID `json:"id"`
	ProviderID uuid.UUID `json:"provider_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Status     string    `json:"status"`
}

type AppointmentResponse struct {
	ID               uuid.UUID  `json:"id"`
	SlotID           uuid.UUID  `json:"slot_id"`
	ProviderID       uuid.UUID  `json:"provider_id"`
	PatientRef       string     `json:"patient_ref"`
	CallID           string     `json:"call_id,omitempty"`
	Status           string     `json:"status"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          time.Time  `json:"end_time"`
	ConfirmationCode string     `json:"confirmation_code"`
	CancelReason     string     `json:"cancel_reason,omitempty"`
	RescheduledFrom  *uuid.UUID `json:"rescheduled_from,omitempty"`
	RescheduledTo    *uuid.UUID `json:"rescheduled_to,omitempty"`
	CanceledAt       *time.Time `json:"canceled_at,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toProviderResponse(p ledger.Provider) ProviderResponse {
	types := p.ServiceTypes
	if types == nil {
		types = []string{}
	}
	return ProviderResponse{
		ID:           p.ID,
		Name:         p.Name,
		RoutingKey:   p.RoutingKey,
		ServiceTypes: types,
		SlotMinutes:  int(p.SlotLength / time.Minute),
	}
}

func toSlotResponse(s ledger.Slot) SlotResponse {
	return SlotResponse{
		ID:         s.ID,
		ProviderID: s.ProviderID,
		StartTime:  s.StartTime,
		EndTime:    s.EndTime(),
		Status:     string(s.Status),
	}
}

func toAppointmentResponse(a ledger.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:               a.ID,
		SlotID:           a.SlotID,
		ProviderID:       a.ProviderID,
		PatientRef:       a.PatientRef,
		CallID:           a.CallID,
		Status:           string(a.Status),
		StartTime:        a.StartTime,
		EndTime:          a.StartTime.Add(a.Duration),
		ConfirmationCode: a.ConfirmationCode,
		CancelReason:     a.CancelReason,
		RescheduledFrom:  a.RescheduledFrom,
		RescheduledTo:    a.RescheduledTo,
		CanceledAt:       a.CanceledAt,
	}
}
