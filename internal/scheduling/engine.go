package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/hackgods/voice-appointment-orchestrator/internal/audit"
	"github.com/hackgods/voice-appointment-orchestrator/internal/ledger"
	"github.com/hackgods/voice-appointment-orchestrator/internal/metrics"
)

var ErrInvalidRequest = errors.New("invalid scheduling request")

type Kind string

const (
	KindBook       Kind = "book"
	KindReschedule Kind = "reschedule"
	KindCancel     Kind = "cancel"
)

type Request struct {
	Kind          Kind
	CallID        string
	ProviderID    uuid.UUID
	ServiceType   string
	DesiredTime   time.Time
	AppointmentID uuid.UUID   // reschedule and cancel
	Exclude       []uuid.UUID // slots already declined on this call
	Reason        string      // cancel
}

type Status string

const (
	StatusHeld           Status = "held"
	StatusNoAvailability Status = "no_availability"
	StatusCanceled       Status = "canceled"
)

type Outcome struct {
	Status       Status
	Hold         *ledger.Hold
	Slot         *ledger.Slot
	Exact        bool
	Alternatives []ledger.Slot
	Reason       string
}

type Config struct {
	HoldTTL          time.Duration
	SearchWindow     time.Duration
	WindowStep       time.Duration
	MaxExpansions    int
	MaxHoldAttempts  int
	MaxAlternatives  int
	ProviderCacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.HoldTTL <= 0 {
		c.HoldTTL = 2 * time.Minute
	}
	if c.SearchWindow <= 0 {
		c.SearchWindow = 2 * time.Hour
	}
	if c.WindowStep <= 0 {
		c.WindowStep = 24 * time.Hour
	}
	if c.MaxExpansions < 0 {
		c.MaxExpansions = 0
	}
	if c.MaxHoldAttempts <= 0 {
		c.MaxHoldAttempts = 3
	}
	if c.MaxAlternatives <= 0 {
		c.MaxAlternatives = 3
	}
	if c.ProviderCacheTTL <= 0 {
		c.ProviderCacheTTL = 5 * time.Minute
	}
	return c
}

// Engine turns scheduling intents into ledger operations.
type Engine struct {
	ledger    ledger.Ledger
	recorder  *audit.Recorder
	metrics   *metrics.Metrics
	log       zerolog.Logger
	cfg       Config
	providers *cache.Cache
	now       func() time.Time
}

func NewEngine(l ledger.Ledger, rec *audit.Recorder, m *metrics.Metrics, log zerolog.Logger, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		ledger:    l,
		recorder:  rec,
		metrics:   m,
		log:       log.With().Str("component", "scheduling").Logger(),
		cfg:       cfg,
		providers: cache.New(cfg.ProviderCacheTTL, 2*cfg.ProviderCacheTTL),
		now:       time.Now,
	}
}

func (e *Engine) HoldTTL() time.Duration {
	return e.cfg.HoldTTL
}

func (e *Engine) observe(op string, start time.Time) {
	e.metrics.SchedulingLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ResolveProvider maps a telephony routing key to its provider. Providers are
// immutable while calls run, so lookups are cached.
func (e *Engine) ResolveProvider(ctx context.Context, routingKey string) (ledger.Provider, error) {
	if v, ok := e.providers.Get(routingKey); ok {
		return v.(ledger.Provider), nil
	}
	p, err := e.ledger.ProviderByRoute(ctx, routingKey)
	if err != nil {
		return ledger.Provider{}, err
	}
	e.providers.Set(routingKey, p, cache.DefaultExpiration)
	return p, nil
}

// Propose searches for the best slot near the desired time and holds it.
// A conflict on one candidate moves on to the next, up to MaxHoldAttempts.
func (e *Engine) Propose(ctx context.Context, req Request) (Outcome, error) {
	defer e.observe("propose", time.Now())

	if req.Kind != KindBook && req.Kind != KindReschedule {
		return Outcome{}, fmt.Errorf("%w: propose does not handle %q", ErrInvalidRequest, req.Kind)
	}
	if req.Kind == KindReschedule {
		if req.AppointmentID == uuid.Nil {
			return Outcome{}, fmt.Errorf("%w: reschedule needs an appointment id", ErrInvalidRequest)
		}
		appt, err := e.ledger.GetAppointment(ctx, req.AppointmentID)
		if err != nil {
			return Outcome{}, err
		}
		if appt.Status != ledger.StatusBooked {
			return Outcome{}, fmt.Errorf("%w: appointment is %s", ledger.ErrInvalidTransition, appt.Status)
		}
		if req.ProviderID == uuid.Nil {
			req.ProviderID = appt.ProviderID
		}
		req.Exclude = append(append([]uuid.UUID(nil), req.Exclude...), appt.SlotID)
	}
	if req.ProviderID == uuid.Nil {
		return Outcome{}, fmt.Errorf("%w: provider is required", ErrInvalidRequest)
	}
	if req.DesiredTime.IsZero() {
		req.DesiredTime = e.now()
	}

	candidates, err := e.search(ctx, req)
	if errors.Is(err, ledger.ErrServiceNotOffered) {
		return e.noAvailability(ctx, req, "service_not_offered"), nil
	}
	if err != nil {
		return Outcome{}, err
	}

	attempts := 0
	for i, slot := range candidates {
		if attempts >= e.cfg.MaxHoldAttempts {
			break
		}
		attempts++

		hold, err := e.place(ctx, req, slot.ID)
		if errors.Is(err, ledger.ErrConflict) {
			e.metrics.Holds.WithLabelValues("conflict").Inc()
			e.recorder.Record(ctx, req.CallID, audit.HoldConflict, map[string]any{
				"slot_id": slot.ID,
				"attempt": attempts,
			})
			continue
		}
		if err != nil {
			return Outcome{}, err
		}

		e.heldEvent(ctx, req, hold, slot)
		s := slot
		s.Status = ledger.SlotHeld
		return Outcome{
			Status:       StatusHeld,
			Hold:         &hold,
			Slot:         &s,
			Exact:        slot.StartTime.Equal(req.DesiredTime),
			Alternatives: e.alternatives(candidates[i+1:]),
		}, nil
	}

	return e.noAvailability(ctx, req, "exhausted"), nil
}

// HoldSlot holds a specific slot the caller picked from the offered alternatives.
func (e *Engine) HoldSlot(ctx context.Context, req Request, slot ledger.Slot) (Outcome, error) {
	defer e.observe("hold_slot", time.Now())

	hold, err := e.place(ctx, req, slot.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			e.metrics.Holds.WithLabelValues("conflict").Inc()
			e.recorder.Record(ctx, req.CallID, audit.HoldConflict, map[string]any{"slot_id": slot.ID})
		}
		return Outcome{}, err
	}

	e.heldEvent(ctx, req, hold, slot)
	slot.Status = ledger.SlotHeld
	return Outcome{
		Status: StatusHeld,
		Hold:   &hold,
		Slot:   &slot,
		Exact:  !req.DesiredTime.IsZero() && slot.StartTime.Equal(req.DesiredTime),
	}, nil
}

// Confirm commits a hold. Confirming the same hold twice returns the same appointment.
func (e *Engine) Confirm(ctx context.Context, callID string, holdID uuid.UUID, patientRef string) (ledger.Appointment, error) {
	defer e.observe("confirm", time.Now())

	appt, err := e.ledger.CommitHold(ctx, holdID, patientRef)
	if err != nil {
		if errors.Is(err, ledger.ErrExpired) {
			e.metrics.Holds.WithLabelValues("expired").Inc()
			e.recorder.Record(ctx, callID, audit.HoldExpired, map[string]any{"hold_id": holdID})
		}
		return ledger.Appointment{}, err
	}

	e.metrics.Holds.WithLabelValues("committed").Inc()
	typ, action := audit.AppointmentBooked, "booked"
	payload := map[string]any{
		"appointment_id":    appt.ID,
		"hold_id":           holdID,
		"slot_id":           appt.SlotID,
		"provider_id":       appt.ProviderID,
		"start_time":        appt.StartTime,
		"confirmation_code": appt.ConfirmationCode,
	}
	if appt.RescheduledFrom != nil {
		typ, action = audit.AppointmentRescheduled, "rescheduled"
		payload["rescheduled_from"] = *appt.RescheduledFrom
	}
	e.metrics.Appointments.WithLabelValues(action).Inc()
	e.recorder.Record(ctx, callID, typ, payload)
	return appt, nil
}

func (e *Engine) Release(ctx context.Context, callID string, holdID uuid.UUID) error {
	defer e.observe("release", time.Now())

	if err := e.ledger.ReleaseHold(ctx, holdID); err != nil {
		return err
	}
	e.metrics.Holds.WithLabelValues("released").Inc()
	e.recorder.Record(ctx, callID, audit.HoldReleased, map[string]any{"hold_id": holdID})
	return nil
}

// Cancel resolves immediately. Canceling an already canceled appointment succeeds.
func (e *Engine) Cancel(ctx context.Context, req Request) (Outcome, error) {
	defer e.observe("cancel", time.Now())

	if req.AppointmentID == uuid.Nil {
		return Outcome{}, fmt.Errorf("%w: cancel needs an appointment id", ErrInvalidRequest)
	}
	slot, err := e.ledger.CancelAppointment(ctx, req.AppointmentID, req.Reason)
	if err != nil {
		return Outcome{}, err
	}

	e.metrics.Appointments.WithLabelValues("canceled").Inc()
	e.recorder.Record(ctx, req.CallID, audit.AppointmentCanceled, map[string]any{
		"appointment_id": req.AppointmentID,
		"slot_id":        slot.ID,
		"reason":         req.Reason,
	})
	return Outcome{Status: StatusCanceled, Slot: &slot}, nil
}

// HoldsExpired records holds the reaper returned to the open pool. It has
// the shape of ledger.Reaper.OnExpired.
func (e *Engine) HoldsExpired(ctx context.Context, holds []ledger.Hold) {
	for _, h := range holds {
		e.metrics.Holds.WithLabelValues("reaped").Inc()
		e.recorder.Record(ctx, h.CallID, audit.HoldExpired, map[string]any{
			"hold_id":    h.ID,
			"slot_id":    h.SlotID,
			"expired_at": h.ExpiresAt,
		})
	}
}

func (e *Engine) Appointment(ctx context.Context, id uuid.UUID) (ledger.Appointment, error) {
	return e.ledger.GetAppointment(ctx, id)
}

func (e *Engine) place(ctx context.Context, req Request, slotID uuid.UUID) (ledger.Hold, error) {
	if req.Kind == KindReschedule {
		return e.ledger.RescheduleAppointment(ctx, req.AppointmentID, slotID, req.CallID, e.cfg.HoldTTL)
	}
	return e.ledger.PlaceHold(ctx, slotID, req.CallID, e.cfg.HoldTTL)
}

func (e *Engine) heldEvent(ctx context.Context, req Request, hold ledger.Hold, slot ledger.Slot) {
	e.metrics.Holds.WithLabelValues("placed").Inc()
	payload := map[string]any{
		"hold_id":    hold.ID,
		"slot_id":    hold.SlotID,
		"expires_at": hold.ExpiresAt,
		"kind":       req.Kind,
	}
	if !slot.StartTime.IsZero() {
		payload["start_time"] = slot.StartTime
	}
	if hold.Replaces != nil {
		payload["replaces"] = *hold.Replaces
	}
	e.recorder.Record(ctx, req.CallID, audit.HoldPlaced, payload)
}

func (e *Engine) noAvailability(ctx context.Context, req Request, reason string) Outcome {
	e.recorder.Record(ctx, req.CallID, audit.NoAvailability, map[string]any{
		"provider_id":  req.ProviderID,
		"desired_time": req.DesiredTime,
		"service_type": req.ServiceType,
		"reason":       reason,
	})
	return Outcome{Status: StatusNoAvailability, Reason: reason}
}

func (e *Engine) alternatives(rest []ledger.Slot) []ledger.Slot {
	if len(rest) > e.cfg.MaxAlternatives {
		rest = rest[:e.cfg.MaxAlternatives]
	}
	return append([]ledger.Slot(nil), rest...)
}

// search queries [desired, desired+window) and widens it by WindowStep on
// both sides while nothing is found, at most MaxExpansions times.
func (e *Engine) search(ctx context.Context, req Request) ([]ledger.Slot, error) {
	excluded := make(map[uuid.UUID]bool, len(req.Exclude))
	for _, id := range req.Exclude {
		excluded[id] = true
	}

	window := ledger.TimeRange{From: req.DesiredTime, To: req.DesiredTime.Add(e.cfg.SearchWindow)}
	for i := 0; i <= e.cfg.MaxExpansions; i++ {
		slots, err := e.ledger.FindOpenSlots(ctx, req.ProviderID, window, req.ServiceType)
		if err != nil {
			return nil, err
		}

		candidates := slots[:0]
		for _, s := range slots {
			if !excluded[s.ID] {
				candidates = append(candidates, s)
			}
		}
		if len(candidates) > 0 {
			Rank(candidates, req.DesiredTime)
			return candidates, nil
		}

		window.From = window.From.Add(-e.cfg.WindowStep)
		window.To = window.To.Add(e.cfg.WindowStep)
	}
	return nil, nil
}

// Rank orders slots at or after desired earliest first, then slots before
// desired closest first.
func Rank(slots []ledger.Slot, desired time.Time) {
	sort.SliceStable(slots, func(i, j int) bool {
		a, b := slots[i].StartTime, slots[j].StartTime
		aAfter, bAfter := !a.Before(desired), !b.Before(desired)
		if aAfter != bAfter {
			return aAfter
		}
		if aAfter {
			return a.Before(b)
		}
		return a.After(b)
	})
}
