package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/voice-appointment-orchestrator/internal/audit"
	"github.com/hackgods/voice-appointment-orchestrator/internal/ledger"
	"github.com/hackgods/voice-appointment-orchestrator/internal/metrics"
)

var day = time.Date(2030, time.March, 4, 0, 0, 0, 0, time.UTC)

func at(hhmm time.Duration) time.Time { return day.Add(hhmm) }

type harness struct {
	engine   *Engine
	ledger   *ledger.Memory
	recorder *audit.Recorder
	provider ledger.Provider
	slots    []ledger.Slot
	clock    time.Time
	mu       sync.Mutex
}

func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.clock = h.clock.Add(d)
	h.mu.Unlock()
}

// newHarness opens 09:00, 09:30, 10:00 and 10:30 for one provider.
func newHarness(t *testing.T, wrap func(ledger.Ledger) ledger.Ledger) *harness {
	t.Helper()
	h := &harness{clock: day.Add(-time.Hour)}
	h.ledger = ledger.NewMemory(ledger.WithClock(h.now))
	h.recorder = audit.NewRecorder(audit.NewMemoryStore())

	h.provider = ledger.Provider{
		ID:           uuid.New(),
		Name:         "Dr. Lindqvist",
		RoutingKey:   "+15550142",
		ServiceTypes: []string{"general"},
	}
	ctx := context.Background()
	require.NoError(t, h.ledger.RegisterProvider(ctx, h.provider))
	for i := 0; i < 4; i++ {
		h.slots = append(h.slots, ledger.Slot{
			ID:         uuid.New(),
			ProviderID: h.provider.ID,
			StartTime:  at(9*time.Hour + time.Duration(i)*30*time.Minute),
			Duration:   30 * time.Minute,
		})
	}
	require.NoError(t, h.ledger.AddSlots(ctx, h.slots...))

	var l ledger.Ledger = h.ledger
	if wrap != nil {
		l = wrap(l)
	}
	h.engine = NewEngine(l, h.recorder, metrics.NewNop(), zerolog.Nop(), Config{
		HoldTTL:         time.Minute,
		SearchWindow:    2 * time.Hour,
		WindowStep:      24 * time.Hour,
		MaxExpansions:   1,
		MaxHoldAttempts: 2,
		MaxAlternatives: 2,
	})
	h.engine.now = h.now
	return h
}

func (h *harness) book(desired time.Time) Request {
	return Request{Kind: KindBook, CallID: "call-" + uuid.NewString()[:8], ProviderID: h.provider.ID, DesiredTime: desired}
}

func (h *harness) types(t *testing.T, callID string) []audit.EventType {
	t.Helper()
	events, err := h.recorder.History(context.Background(), callID)
	require.NoError(t, err)
	out := make([]audit.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestRank(t *testing.T) {
	t.Parallel()

	slots := []ledger.Slot{
		{StartTime: at(9 * time.Hour)},
		{StartTime: at(11 * time.Hour)},
		{StartTime: at(9*time.Hour + 30*time.Minute)},
		{StartTime: at(10 * time.Hour)},
	}
	Rank(slots, at(10*time.Hour))

	var got []time.Time
	for _, s := range slots {
		got = append(got, s.StartTime)
	}
	assert.Equal(t, []time.Time{
		at(10 * time.Hour),
		at(11 * time.Hour),
		at(9*time.Hour + 30*time.Minute),
		at(9 * time.Hour),
	}, got)
}

func TestProposeHoldsExactSlot(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	req := h.book(at(9*time.Hour + 30*time.Minute))

	out, err := h.engine.Propose(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StatusHeld, out.Status)
	assert.True(t, out.Exact)
	assert.Equal(t, h.slots[1].ID, out.Slot.ID)
	assert.Equal(t, h.now().Add(time.Minute), out.Hold.ExpiresAt)

	require.Len(t, out.Alternatives, 2)
	assert.Equal(t, h.slots[2].ID, out.Alternatives[0].ID)
	assert.Equal(t, h.slots[3].ID, out.Alternatives[1].ID)

	assert.Equal(t, []audit.EventType{audit.HoldPlaced}, h.types(t, req.CallID))
}

func TestProposeWidensWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	out, err := h.engine.Propose(context.Background(), h.book(at(13*time.Hour)))
	require.NoError(t, err)
	require.Equal(t, StatusHeld, out.Status)
	assert.False(t, out.Exact)
	assert.Equal(t, h.slots[3].ID, out.Slot.ID, "closest earlier slot once nothing is later")
}

func TestProposeReportsNoAvailability(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	req := h.book(at(9 * time.Hour))
	req.ServiceType = "dermatology"
	out, err := h.engine.Propose(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusNoAvailability, out.Status)
	assert.Equal(t, "service_not_offered", out.Reason)

	// nothing within a day either side of a date a month out
	out, err = h.engine.Propose(context.Background(), h.book(day.AddDate(0, 1, 0)))
	require.NoError(t, err)
	assert.Equal(t, StatusNoAvailability, out.Status)
	assert.Nil(t, out.Hold)

	_, err = h.engine.Propose(context.Background(), Request{Kind: KindCancel})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

// racingLedger loses the hold race for the listed slots: a rival grabs the
// slot between the search and the hold.
type racingLedger struct {
	ledger.Ledger
	lose map[uuid.UUID]bool
}

func (r racingLedger) PlaceHold(ctx context.Context, slotID uuid.UUID, callID string, ttl time.Duration) (ledger.Hold, error) {
	if r.lose[slotID] {
		if _, err := r.Ledger.PlaceHold(ctx, slotID, "rival", ttl); err != nil {
			return ledger.Hold{}, err
		}
	}
	return r.Ledger.PlaceHold(ctx, slotID, callID, ttl)
}

func TestProposeFallsBackOnConflict(t *testing.T) {
	t.Parallel()
	var lose map[uuid.UUID]bool
	h := newHarness(t, func(l ledger.Ledger) ledger.Ledger {
		lose = map[uuid.UUID]bool{}
		return racingLedger{Ledger: l, lose: lose}
	})
	lose[h.slots[0].ID] = true

	req := h.book(at(9 * time.Hour))
	out, err := h.engine.Propose(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StatusHeld, out.Status)
	assert.False(t, out.Exact)
	assert.Equal(t, h.slots[1].ID, out.Slot.ID)
	assert.Equal(t, []audit.EventType{audit.HoldConflict, audit.HoldPlaced}, h.types(t, req.CallID))
}

func TestProposeGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	var lose map[uuid.UUID]bool
	h := newHarness(t, func(l ledger.Ledger) ledger.Ledger {
		lose = map[uuid.UUID]bool{}
		return racingLedger{Ledger: l, lose: lose}
	})
	for _, s := range h.slots {
		lose[s.ID] = true
	}

	out, err := h.engine.Propose(context.Background(), h.book(at(9*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, StatusNoAvailability, out.Status)
	assert.Equal(t, "exhausted", out.Reason)
}

func TestConfirmIsIdempotentAndRejectsLapsedHold(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	req := h.book(at(10 * time.Hour))
	out, err := h.engine.Propose(ctx, req)
	require.NoError(t, err)

	appt, err := h.engine.Confirm(ctx, req.CallID, out.Hold.ID, "PT-3")
	require.NoError(t, err)
	again, err := h.engine.Confirm(ctx, req.CallID, out.Hold.ID, "PT-3")
	require.NoError(t, err)
	assert.Equal(t, appt.ID, again.ID)

	late := h.book(at(9 * time.Hour))
	out, err = h.engine.Propose(ctx, late)
	require.NoError(t, err)
	h.advance(2 * time.Minute)

	_, err = h.engine.Confirm(ctx, late.CallID, out.Hold.ID, "PT-4")
	assert.ErrorIs(t, err, ledger.ErrExpired)
	assert.Contains(t, h.types(t, late.CallID), audit.HoldExpired)
}

func TestRescheduleMovesAppointment(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	req := h.book(at(9 * time.Hour))
	out, err := h.engine.Propose(ctx, req)
	require.NoError(t, err)
	orig, err := h.engine.Confirm(ctx, req.CallID, out.Hold.ID, "PT-5")
	require.NoError(t, err)

	// asking for the current time offers something else
	move := Request{Kind: KindReschedule, CallID: "call-move", AppointmentID: orig.ID, DesiredTime: at(9 * time.Hour)}
	out, err = h.engine.Propose(ctx, move)
	require.NoError(t, err)
	require.Equal(t, StatusHeld, out.Status)
	assert.NotEqual(t, orig.SlotID, out.Slot.ID)
	require.NotNil(t, out.Hold.Replaces)

	moved, err := h.engine.Confirm(ctx, move.CallID, out.Hold.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "PT-5", moved.PatientRef)
	assert.Contains(t, h.types(t, move.CallID), audit.AppointmentRescheduled)

	prev, err := h.engine.Appointment(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRescheduled, prev.Status)

	_, err = h.engine.Propose(ctx, move)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition, "a rescheduled appointment cannot move again")
}

func TestCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.engine.Cancel(ctx, Request{Kind: KindCancel, CallID: "call-x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req := h.book(at(10*time.Hour + 30*time.Minute))
	out, err := h.engine.Propose(ctx, req)
	require.NoError(t, err)
	appt, err := h.engine.Confirm(ctx, req.CallID, out.Hold.ID, "PT-6")
	require.NoError(t, err)

	res, err := h.engine.Cancel(ctx, Request{Kind: KindCancel, CallID: "call-y", AppointmentID: appt.ID, Reason: "travel"})
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, res.Status)
	assert.Equal(t, ledger.SlotOpen, res.Slot.Status)
	assert.Equal(t, []audit.EventType{audit.AppointmentCanceled}, h.types(t, "call-y"))
}

func TestHoldSlotAndRelease(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	req := h.book(at(9 * time.Hour))
	out, err := h.engine.HoldSlot(ctx, req, h.slots[2])
	require.NoError(t, err)
	assert.False(t, out.Exact)

	_, err = h.engine.HoldSlot(ctx, h.book(time.Time{}), h.slots[2])
	assert.ErrorIs(t, err, ledger.ErrConflict)

	require.NoError(t, h.engine.Release(ctx, req.CallID, out.Hold.ID))
	assert.Equal(t, []audit.EventType{audit.HoldPlaced, audit.HoldReleased}, h.types(t, req.CallID))

	_, err = h.engine.HoldSlot(ctx, h.book(time.Time{}), h.slots[2])
	assert.NoError(t, err)
}

type countingLedger struct {
	ledger.Ledger
	mu    sync.Mutex
	calls int
}

func (c *countingLedger) ProviderByRoute(ctx context.Context, key string) (ledger.Provider, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Ledger.ProviderByRoute(ctx, key)
}

func TestResolveProviderIsCached(t *testing.T) {
	t.Parallel()
	counter := &countingLedger{}
	h := newHarness(t, func(l ledger.Ledger) ledger.Ledger {
		counter.Ledger = l
		return counter
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := h.engine.ResolveProvider(ctx, h.provider.RoutingKey)
		require.NoError(t, err)
		assert.Equal(t, h.provider.ID, p.ID)
	}
	assert.Equal(t, 1, counter.calls)

	_, err := h.engine.ResolveProvider(ctx, "+10000000")
	assert.ErrorIs(t, err, ledger.ErrProviderNotFound)
}

func TestHoldsExpiredRecordsEachHold(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	req := h.book(at(9 * time.Hour))
	_, err := h.engine.Propose(ctx, req)
	require.NoError(t, err)

	expired, err := h.ledger.ExpireHolds(ctx, h.now().Add(time.Hour))
	require.NoError(t, err)
	h.engine.HoldsExpired(ctx, expired)

	assert.Equal(t, []audit.EventType{audit.HoldPlaced, audit.HoldExpired}, h.types(t, req.CallID))
}
