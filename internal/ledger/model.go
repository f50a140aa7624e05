package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type SlotStatus string

const (
	SlotOpen   SlotStatus = "open"
	SlotHeld   SlotStatus = "held"
	SlotBooked SlotStatus = "booked"
)

type HoldStatus string

const (
	HoldActive    HoldStatus = "active"
	HoldCommitted HoldStatus = "committed"
	HoldReleased  HoldStatus = "released"
	HoldExpired   HoldStatus = "expired"
)

type AppointmentStatus string

const (
	StatusBooked      AppointmentStatus = "booked"
	StatusRescheduled AppointmentStatus = "rescheduled"
	StatusCanceled    AppointmentStatus = "canceled"
	StatusCompleted   AppointmentStatus = "completed"
)

// WorkingHours is one weekly availability window, Start and End as "HH:MM" in UTC.
type WorkingHours struct {
	Weekday time.Weekday `json:"weekday"`
	Start   string       `json:"start"`
	End     string       `json:"end"`
}

type Provider struct {
	ID           uuid.UUID
	Name         string
	RoutingKey   string
	ServiceTypes []string
	WorkingHours []WorkingHours
	SlotLength   time.Duration
	CreatedAt    time.Time
}

// Offers reports whether the provider handles serviceType. An empty
// serviceType matches every provider.
func (p Provider) Offers(serviceType string) bool {
	if serviceType == "" || len(p.ServiceTypes) == 0 {
		return true
	}
	for _, st := range p.ServiceTypes {
		if strings.EqualFold(st, serviceType) {
			return true
		}
	}
	return false
}

type Slot struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	StartTime  time.Time
	Duration   time.Duration
	Status     SlotStatus
}

func (s Slot) EndTime() time.Time {
	return s.StartTime.Add(s.Duration)
}

// Overlaps treats slots as half-open intervals, so back to back slots do not overlap.
func (s Slot) Overlaps(o Slot) bool {
	return s.StartTime.Before(o.EndTime()) && o.StartTime.Before(s.EndTime())
}

type Hold struct {
	ID            uuid.UUID
	SlotID        uuid.UUID
	ProviderID    uuid.UUID
	CallID        string
	Status        HoldStatus
	ExpiresAt     time.Time
	CreatedAt     time.Time
	AppointmentID *uuid.UUID
	Replaces      *uuid.UUID // appointment being rescheduled, if any
}

type Appointment struct {
	ID               uuid.UUID
	SlotID           uuid.UUID
	ProviderID       uuid.UUID
	PatientRef       string
	CallID           string
	Status           AppointmentStatus
	StartTime        time.Time
	Duration         time.Duration
	ConfirmationCode string
	CancelReason     string
	RescheduledFrom  *uuid.UUID
	RescheduledTo    *uuid.UUID
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CanceledAt       *time.Time
}

// TimeRange is half-open: From is included, To is not.
type TimeRange struct {
	From time.Time
	To   time.Time
}

func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

func (r TimeRange) Valid() bool {
	return r.To.After(r.From)
}

// confirmationAttempts bounds how many codes a commit tries before giving up
// on finding an unused one.
const confirmationAttempts = 5

// NewConfirmationCode returns the short code read back to callers.
func NewConfirmationCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
