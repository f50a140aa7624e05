package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrConflict          = errors.New("slot is held or booked by another caller")
	ErrExpired           = errors.New("hold expired")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrServiceNotOffered = errors.New("provider does not offer service type")
	ErrUnavailable       = errors.New("ledger unavailable")

	ErrProviderNotFound    = fmt.Errorf("provider %w", ErrNotFound)
	ErrSlotNotFound        = fmt.Errorf("slot %w", ErrNotFound)
	ErrHoldNotFound        = fmt.Errorf("hold %w", ErrNotFound)
	ErrAppointmentNotFound = fmt.Errorf("appointment %w", ErrNotFound)
)

// Ledger is the authoritative store of provider slots, holds and appointments.
// Hold placement and commit are atomic with respect to every other caller.
type Ledger interface {
	FindOpenSlots(ctx context.Context, providerID uuid.UUID, r TimeRange, serviceType string) ([]Slot, error)

	// Holds
	PlaceHold(ctx context.Context, slotID uuid.UUID, callID string, ttl time.Duration) (Hold, error)
	ReleaseHold(ctx context.Context, holdID uuid.UUID) error
	CommitHold(ctx context.Context, holdID uuid.UUID, patientRef string) (Appointment, error)
	ActiveHolds(ctx context.Context) ([]Hold, error)
	ExpireHolds(ctx context.Context, now time.Time) ([]Hold, error)

	// Appointments
	CancelAppointment(ctx context.Context, appointmentID uuid.UUID, reason string) (Slot, error)
	RescheduleAppointment(ctx context.Context, appointmentID, newSlotID uuid.UUID, callID string, ttl time.Duration) (Hold, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (Appointment, error)
	ListAppointments(ctx context.Context, providerID uuid.UUID, r TimeRange) ([]Appointment, error)

	// Providers
	GetProvider(ctx context.Context, id uuid.UUID) (Provider, error)
	ProviderByRoute(ctx context.Context, routingKey string) (Provider, error)
	ListProviders(ctx context.Context) ([]Provider, error)
}

// Admin is implemented by ledgers that can be populated outside a call.
type Admin interface {
	RegisterProvider(ctx context.Context, p Provider) error
	AddSlots(ctx context.Context, slots ...Slot) error
}
