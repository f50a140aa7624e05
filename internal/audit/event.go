package audit

import (
	"context"
	"encoding/json"
	"time"
)

type EventType string

const (
	CallAdmitted  EventType = "call.admitted"
	CallState     EventType = "call.state"
	CallPrompt    EventType = "call.prompt"
	CallRetired   EventType = "call.retired"
	IntentCapture EventType = "intent.recognized"

	PipelineFailure EventType = "pipeline.failure"

	HoldPlaced     EventType = "hold.placed"
	HoldConflict   EventType = "hold.conflict"
	HoldReleased   EventType = "hold.released"
	HoldExpired    EventType = "hold.expired"
	NoAvailability EventType = "scheduling.no_availability"

	AppointmentBooked      EventType = "appointment.booked"
	AppointmentCanceled    EventType = "appointment.canceled"
	AppointmentRescheduled EventType = "appointment.rescheduled"

	HandoffRequested EventType = "handoff.requested"
	HandoffConnected EventType = "handoff.connected"
	HandoffTimedOut  EventType = "handoff.timeout"
	HandoffClosed    EventType = "handoff.closed"
)

// Event is one append-only audit record. Replay order is Timestamp, then Seq.
type Event struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	CallID    string          `json:"call_id,omitempty"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Before reports whether e replays ahead of o.
func (e Event) Before(o Event) bool {
	if e.Timestamp.Equal(o.Timestamp) {
		return e.Seq < o.Seq
	}
	return e.Timestamp.Before(o.Timestamp)
}

type Store interface {
	Append(ctx context.Context, ev Event) error
	ByCall(ctx context.Context, callID string) ([]Event, error)
	Since(ctx context.Context, seq int64, limit int) ([]Event, error)
	LastSeq(ctx context.Context) (int64, error)
}

// Sink receives every recorded event after it has been handed to the store.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}
