package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/voice-appointment-orchestrator/internal/audit"
	"github.com/hackgods/voice-appointment-orchestrator/internal/handoff"
	"github.com/hackgods/voice-appointment-orchestrator/internal/ledger"
	"github.com/hackgods/voice-appointment-orchestrator/internal/metrics"
	"github.com/hackgods/voice-appointment-orchestrator/internal/scheduling"
	"github.com/hackgods/voice-appointment-orchestrator/internal/voice"
)

const routingKey = "+15550100"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	clock    *clock
	ledger   *ledger.Memory
	engine   *scheduling.Engine
	voice    *voice.TextPipeline
	handoff  *handoff.Coordinator
	recorder *audit.Recorder
	manager  *Manager
	provider ledger.Provider
	day      time.Time // 09:00 two days out
}

type harnessOption func(*Deps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	clk := &clock{t: time.Now().UTC()}
	l := ledger.NewMemory(ledger.WithClock(clk.Now))
	rec := audit.NewRecorder(audit.NewMemoryStore())
	m := metrics.NewNop()
	log := zerolog.Nop()

	p := ledger.Provider{ID: uuid.New(), Name: "Dr. Rivera", RoutingKey: routingKey}
	require.NoError(t, l.RegisterProvider(context.Background(), p))

	day := clk.Now().Truncate(24 * time.Hour).Add(48*time.Hour + 9*time.Hour)
	for i := 0; i < 16; i++ {
		require.NoError(t, l.AddSlots(context.Background(), ledger.Slot{
			ProviderID: p.ID,
			StartTime:  day.Add(time.Duration(i) * 30 * time.Minute),
			Duration:   30 * time.Minute,
		}))
	}

	engine := scheduling.NewEngine(l, rec, m, log, scheduling.Config{HoldTTL: 2 * time.Minute})
	tp := voice.NewTextPipeline()
	coord := handoff.NewCoordinator(handoff.Config{WaitBound: 50 * time.Millisecond}, nil, rec, m, log)

	deps := Deps{
		Scheduler: engine,
		Pipeline:  tp,
		Handoff:   coord,
		Recorder:  rec,
		Metrics:   m,
		Log:       log,
		Limits: Limits{
			IntentRetries:     3,
			NegotiationRounds: 3,
			PipelineRetries:   1,
			PipelineTimeout:   time.Second,
			PipelineBackoff:   time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(&deps)
	}

	mgr := NewManager(deps, engine)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	return &harness{
		clock:    clk,
		ledger:   l,
		engine:   engine,
		voice:    tp,
		handoff:  coord,
		recorder: rec,
		manager:  mgr,
		provider: p,
		day:      day,
	}
}

func (h *harness) admit(t *testing.T, callID string) *Session {
	t.Helper()
	s, err := h.manager.Admit(context.Background(), Admission{CallID: callID, CallerNumber: "+15559999", RoutingKey: routingKey})
	require.NoError(t, err)
	waitState(t, s, StateIntentCapture)
	return s
}

func (h *harness) say(t *testing.T, s *Session, utterance string) {
	t.Helper()
	require.NoError(t, h.manager.Deliver(context.Background(), s.CallID(), []byte(utterance)))
}

func bookAt(at time.Time) string {
	return fmt.Sprintf(`{"intent":"book","desired_time":%q}`, at.Format(time.RFC3339))
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, 5*time.Millisecond,
		"call %s stuck in %s, want %s", s.CallID(), s.State(), want)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("call %s did not retire, state %s", s.CallID(), s.State())
	}
}

func (h *harness) eventTypes(t *testing.T, callID string) []audit.EventType {
	t.Helper()
	events, err := h.recorder.History(context.Background(), callID)
	require.NoError(t, err)
	out := make([]audit.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func lastPrompt(p *voice.TextPipeline, callID string) string {
	prompts := p.Prompts(callID)
	if len(prompts) == 0 {
		return ""
	}
	return prompts[len(prompts)-1]
}

func TestSessionBooksRequestedSlot(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	s := h.admit(t, "call-a")
	want := h.day.Add(5 * time.Hour) // 14:00
	h.say(t, s, bookAt(want))
	waitState(t, s, StateConfirmation)
	assert.Contains(t, lastPrompt(h.voice, "call-a"), "is available")
	assert.NotEmpty(t, s.Snapshot().HoldID)

	h.say(t, s, `{"intent":"affirm","patient_ref":"patient-17"}`)
	waitDone(t, s)

	snap := s.Snapshot()
	assert.Equal(t, string(StateCompleted), snap.State)
	assert.Empty(t, snap.HoldID)
	require.NotEmpty(t, snap.AppointmentID)

	appt, err := h.ledger.GetAppointment(ctx, uuid.MustParse(snap.AppointmentID))
	require.NoError(t, err)
	assert.True(t, appt.StartTime.Equal(want))
	assert.Equal(t, "patient-17", appt.PatientRef)
	assert.Equal(t, ledger.StatusBooked, appt.Status)
	assert.Contains(t, lastPrompt(h.voice, "call-a"), appt.ConfirmationCode)

	types := h.eventTypes(t, "call-a")
	assert.Contains(t, types, audit.HoldPlaced)
	assert.Contains(t, types, audit.AppointmentBooked)
	assert.Equal(t, audit.CallRetired, types[len(types)-1])

	_, err = h.manager.Get("call-a")
	assert.Error(t, err, "retired session should leave the registry")
}

func TestSessionsContendForSameSlot(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	want := h.day.Add(5 * time.Hour)
	a := h.admit(t, "call-b1")
	b := h.admit(t, "call-b2")

	var wg sync.WaitGroup
	for _, s := range []*Session{a, b} {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			h.say(t, s, bookAt(want))
		}(s)
	}
	wg.Wait()

	waitState(t, a, StateConfirmation)
	waitState(t, b, StateConfirmation)
	assert.NotEqual(t, a.Snapshot().HoldID, b.Snapshot().HoldID)

	exact := 0
	for _, id := range []string{"call-b1", "call-b2"} {
		if strings.Contains(lastPrompt(h.voice, id), "is available") {
			exact++
		} else {
			assert.Contains(t, lastPrompt(h.voice, id), "isn't available")
		}
	}
	assert.Equal(t, 1, exact, "exactly one caller gets the requested time")

	holds, err := h.ledger.ActiveHolds(context.Background())
	require.NoError(t, err)
	assert.Len(t, holds, 2)
}

type expiringScheduler struct {
	*scheduling.Engine
	clock *clock
	once  sync.Once
}

// Confirm lets the hold lapse before the first commit reaches the ledger.
func (e *expiringScheduler) Confirm(ctx context.Context, callID string, holdID uuid.UUID, patientRef string) (ledger.Appointment, error) {
	e.once.Do(func() { e.clock.Advance(5 * time.Minute) })
	return e.Engine.Confirm(ctx, callID, holdID, patientRef)
}

func TestSessionRenegotiatesAfterHoldExpires(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.manager.deps.Scheduler = &expiringScheduler{Engine: h.engine, clock: h.clock}

	s := h.admit(t, "call-c")
	h.say(t, s, bookAt(h.day.Add(5*time.Hour)))
	waitState(t, s, StateConfirmation)
	first := s.Snapshot().HoldID

	h.say(t, s, `{"intent":"affirm"}`)
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.State == string(StateConfirmation) && snap.HoldID != "" && snap.HoldID != first
	}, 2*time.Second, 5*time.Millisecond)

	types := h.eventTypes(t, "call-c")
	assert.Contains(t, types, audit.HoldExpired)

	h.say(t, s, `{"intent":"affirm"}`)
	waitDone(t, s)
	assert.Equal(t, string(StateCompleted), s.Snapshot().State)
}

func TestSessionHandsOffAfterRepeatedLowConfidence(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	s := h.admit(t, "call-d")
	for i := 0; i < 3; i++ {
		h.say(t, s, `{"intent":"book","confidence":0.2}`)
	}
	waitDone(t, s)

	snap := s.Snapshot()
	assert.Equal(t, string(StateFailed), snap.State)
	assert.True(t, snap.CallbackRequested)

	types := h.eventTypes(t, "call-d")
	assert.Contains(t, types, audit.HandoffRequested)
	assert.Contains(t, types, audit.HandoffTimedOut)
}

func TestGarbledUtteranceIsRepromptedNotEscalated(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	s := h.admit(t, "call-d2")
	h.say(t, s, `{"intent":"book",`)
	require.Eventually(t, func() bool { return lastPrompt(h.voice, "call-d2") == repromptIntent },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateIntentCapture, s.State())

	h.say(t, s, bookAt(h.day.Add(5*time.Hour)))
	waitState(t, s, StateConfirmation)

	types := h.eventTypes(t, "call-d2")
	assert.NotContains(t, types, audit.PipelineFailure)
	assert.NotContains(t, types, audit.HandoffRequested)
}

func TestHandoffFromConfirmationReleasesHold(t *testing.T) {
	t.Parallel()
	var coord *handoff.Coordinator
	h := newHarness(t, func(d *Deps) {
		coord = handoff.NewCoordinator(handoff.Config{WaitBound: 5 * time.Second}, nil, d.Recorder, d.Metrics, d.Log)
		d.Handoff = coord
	})
	ctx := context.Background()

	s := h.admit(t, "call-d3")
	h.say(t, s, bookAt(h.day.Add(5*time.Hour)))
	waitState(t, s, StateConfirmation)
	holds, err := h.ledger.ActiveHolds(ctx)
	require.NoError(t, err)
	require.Len(t, holds, 1)

	h.say(t, s, "actually let me talk to a person")
	waitState(t, s, StateHandoffRequested)
	assert.Empty(t, s.Snapshot().HoldID)
	holds, err = h.ledger.ActiveHolds(ctx)
	require.NoError(t, err)
	assert.Empty(t, holds, "no hold outlives the move to a human")
	assert.Contains(t, h.eventTypes(t, "call-d3"), audit.HoldReleased)

	require.NoError(t, coord.AgentAvailable(routingKey, "nurse-1"))
	waitState(t, s, StateHumanConnected)
	require.NoError(t, h.manager.HandoffEnded(ctx, "call-d3", true))
	waitDone(t, s)
	assert.Equal(t, string(StateCompleted), s.Snapshot().State)
}

func TestSessionCancelsExistingAppointment(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	at := h.day.Add(2 * time.Hour)
	slots, err := h.ledger.FindOpenSlots(ctx, h.provider.ID, ledger.TimeRange{From: at, To: at.Add(time.Minute)}, "")
	require.NoError(t, err)
	require.Len(t, slots, 1)
	hold, err := h.ledger.PlaceHold(ctx, slots[0].ID, "earlier-call", time.Minute)
	require.NoError(t, err)
	appt, err := h.ledger.CommitHold(ctx, hold.ID, "patient-5")
	require.NoError(t, err)

	s := h.admit(t, "call-e")
	h.say(t, s, fmt.Sprintf(`{"intent":"cancel","appointment_id":%q,"reason":"feeling better"}`, appt.ID))
	waitDone(t, s)

	assert.Equal(t, string(StateCompleted), s.Snapshot().State)
	got, err := h.ledger.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCanceled, got.Status)
	assert.Equal(t, "feeling better", got.CancelReason)

	open, err := h.ledger.FindOpenSlots(ctx, h.provider.ID, ledger.TimeRange{From: at, To: at.Add(time.Minute)}, "")
	require.NoError(t, err)
	assert.Len(t, open, 1, "canceled slot is bookable again")
}

func TestSessionDeclineOffersAnotherSlot(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	s := h.admit(t, "call-f")
	want := h.day.Add(5 * time.Hour)
	h.say(t, s, bookAt(want))
	waitState(t, s, StateConfirmation)
	first := s.Snapshot().HoldID

	h.say(t, s, `{"intent":"decline"}`)
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.State == string(StateConfirmation) && snap.HoldID != first
	}, 2*time.Second, 5*time.Millisecond)

	holds, err := h.ledger.ActiveHolds(context.Background())
	require.NoError(t, err)
	require.Len(t, holds, 1, "declined hold is released")

	h.say(t, s, `{"intent":"affirm"}`)
	waitDone(t, s)
	appt, err := h.ledger.GetAppointment(context.Background(), uuid.MustParse(s.Snapshot().AppointmentID))
	require.NoError(t, err)
	assert.False(t, appt.StartTime.Equal(want))
}

func TestSessionPicksAlternative(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	s := h.admit(t, "call-g")
	want := h.day.Add(5 * time.Hour)
	h.say(t, s, bookAt(want))
	waitState(t, s, StateConfirmation)
	first := s.Snapshot().HoldID

	h.say(t, s, `{"intent":"affirm","choice":2}`)
	require.Eventually(t, func() bool { return s.Snapshot().HoldID != first }, 2*time.Second, 5*time.Millisecond)

	h.say(t, s, `{"intent":"affirm"}`)
	waitDone(t, s)
	appt, err := h.ledger.GetAppointment(context.Background(), uuid.MustParse(s.Snapshot().AppointmentID))
	require.NoError(t, err)
	assert.True(t, appt.StartTime.Equal(want.Add(30*time.Minute)))
}

func TestSessionDeclinesUntilRoundsRunOut(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	s := h.admit(t, "call-h")
	h.say(t, s, bookAt(h.day.Add(5*time.Hour)))
	for i := 0; i < 3; i++ {
		h.say(t, s, `{"intent":"decline"}`)
	}
	waitDone(t, s)

	assert.Equal(t, string(StateCanceled), s.Snapshot().State)
	holds, err := h.ledger.ActiveHolds(context.Background())
	require.NoError(t, err)
	assert.Empty(t, holds)
}

func TestHangupReleasesHold(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	s := h.admit(t, "call-i")
	h.say(t, s, bookAt(h.day.Add(5*time.Hour)))
	waitState(t, s, StateConfirmation)

	require.NoError(t, h.manager.Hangup("call-i"))
	waitDone(t, s)

	assert.Equal(t, string(StateCanceled), s.Snapshot().State)
	holds, err := h.ledger.ActiveHolds(context.Background())
	require.NoError(t, err)
	assert.Empty(t, holds)
	assert.Contains(t, h.eventTypes(t, "call-i"), audit.HoldReleased)
}

type brokenEars struct {
	*voice.TextPipeline
	mu    sync.Mutex
	calls int
}

func (b *brokenEars) Recognize(context.Context, string, []byte) (voice.Intent, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return voice.Intent{}, errors.New("stt backend unreachable")
}

func TestPipelineFailureHandsOffToHuman(t *testing.T) {
	t.Parallel()
	ears := &brokenEars{TextPipeline: voice.NewTextPipeline()}
	h := newHarness(t, func(d *Deps) { d.Pipeline = ears })
	require.NoError(t, h.handoff.AgentAvailable(routingKey, "agent-1"))

	s := h.admit(t, "call-j")
	h.say(t, s, "I'd like to book")
	waitState(t, s, StateHumanConnected)

	ears.mu.Lock()
	assert.Equal(t, 2, ears.calls, "one attempt plus one retry")
	ears.mu.Unlock()

	// utterances while connected are ignored by the agent logic
	h.say(t, s, "hello?")
	require.NoError(t, h.manager.HandoffEnded(context.Background(), "call-j", true))
	waitDone(t, s)

	assert.Equal(t, string(StateCompleted), s.Snapshot().State)
	assert.Equal(t, 1, h.handoff.Available(routingKey), "agent is back on the queue")
	assert.Contains(t, h.eventTypes(t, "call-j"), audit.PipelineFailure)
}

func TestAgentIntentSkipsRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	require.NoError(t, h.handoff.AgentAvailable(handoff.DefaultQueue, "agent-2"))

	s := h.admit(t, "call-k")
	h.say(t, s, "can I talk to a human")
	waitState(t, s, StateHumanConnected)

	require.NoError(t, h.manager.Hangup("call-k"))
	waitDone(t, s)
	assert.Equal(t, string(StateCompleted), s.Snapshot().State)
}

func TestAdmitRejectsDuplicateAndUnknownRoute(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.admit(t, "call-l")
	_, err := h.manager.Admit(context.Background(), Admission{CallID: "call-l", RoutingKey: routingKey})
	assert.Error(t, err)

	_, err = h.manager.Admit(context.Background(), Admission{CallID: "call-m", RoutingKey: "+10000000"})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Len(t, h.manager.ListActive(), 1)
}

func TestTransitionsAreClosed(t *testing.T) {
	t.Parallel()

	for from, tos := range transitions {
		assert.False(t, from.Terminal(), "terminal state %s has exits", from)
		for _, to := range tos {
			assert.True(t, CanTransition(from, to))
		}
	}
	assert.False(t, CanTransition(StateCompleted, StateIntentCapture))
	assert.False(t, CanTransition(StateHumanConnected, StateCanceled))
}
