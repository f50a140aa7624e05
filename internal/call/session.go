package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/voice-appointment-orchestrator/internal/audit"
	"github.com/hackgods/voice-appointment-orchestrator/internal/handoff"
	"github.com/hackgods/voice-appointment-orchestrator/internal/ledger"
	"github.com/hackgods/voice-appointment-orchestrator/internal/metrics"
	"github.com/hackgods/voice-appointment-orchestrator/internal/registry"
	"github.com/hackgods/voice-appointment-orchestrator/internal/scheduling"
	"github.com/hackgods/voice-appointment-orchestrator/internal/voice"
)

var (
	ErrSessionEnded = errors.New("call session has ended")
	errHungUp       = errors.New("caller hung up")
)

// Scheduler is the part of the scheduling engine a session drives.
type Scheduler interface {
	Propose(ctx context.Context, req scheduling.Request) (scheduling.Outcome, error)
	HoldSlot(ctx context.Context, req scheduling.Request, slot ledger.Slot) (scheduling.Outcome, error)
	Confirm(ctx context.Context, callID string, holdID uuid.UUID, patientRef string) (ledger.Appointment, error)
	Release(ctx context.Context, callID string, holdID uuid.UUID) error
	Cancel(ctx context.Context, req scheduling.Request) (scheduling.Outcome, error)
}

type Handoff interface {
	RequestHandoff(ctx context.Context, req handoff.Request) (handoff.Ticket, error)
	Close(ctx context.Context, ticketID uuid.UUID) error
}

// Deps are shared by every session a Manager starts.
type Deps struct {
	Scheduler Scheduler
	Pipeline  voice.Pipeline
	Handoff   Handoff
	Recorder  *audit.Recorder
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
	Limits    Limits
	Now       func() time.Time
}

type inputKind int

const (
	inputUtterance inputKind = iota
	inputHandoffEnded
	inputTimeout
	inputHangup
)

type input struct {
	kind    inputKind
	payload []byte
	ok      bool
	at      time.Time
}

// Session runs one call. All conversation state is owned by the goroutine in
// run; other goroutines only enqueue input, hang up, or read a Snapshot.
type Session struct {
	id         string
	caller     string
	routingKey string
	provider   ledger.Provider
	deps       Deps
	log        zerolog.Logger
	base       context.Context

	inbox      chan input
	hangup     chan struct{}
	hangupOnce sync.Once
	done       chan struct{}
	onRetire   func(*Session)

	turnMu     sync.Mutex
	turnCancel context.CancelFunc

	mu            sync.RWMutex
	state         State
	patientRef    string
	holdID        uuid.UUID
	appointmentID uuid.UUID
	turns         int
	callback      bool
	createdAt     time.Time
	lastActivity  time.Time

	// owned by run
	request       *scheduling.Request
	offer         *scheduling.Outcome
	unclear       int
	rounds        int
	handoffReason string
	ticket        *handoff.Ticket
	outcome       string
}

func newSession(base context.Context, id, caller, routingKey string, p ledger.Provider, deps Deps, onRetire func(*Session)) *Session {
	now := deps.Now()
	return &Session{
		id:           id,
		caller:       caller,
		routingKey:   routingKey,
		provider:     p,
		deps:         deps,
		log:          deps.Log.With().Str("call_id", id).Logger(),
		base:         base,
		inbox:        make(chan input, 8),
		hangup:       make(chan struct{}),
		done:         make(chan struct{}),
		onRetire:     onRetire,
		state:        StateRinging,
		createdAt:    now,
		lastActivity: now,
	}
}

func (s *Session) CallID() string { return s.id }

// Done is closed once the session is retired and its audit trail flushed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Snapshot() registry.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := registry.Snapshot{
		CallID:            s.id,
		CallerNumber:      s.caller,
		RoutingKey:        s.routingKey,
		State:             string(s.state),
		PatientRef:        s.patientRef,
		Turns:             s.turns,
		CallbackRequested: s.callback,
		CreatedAt:         s.createdAt,
		LastActivity:      s.lastActivity,
	}
	if s.holdID != uuid.Nil {
		snap.HoldID = s.holdID.String()
	}
	if s.appointmentID != uuid.Nil {
		snap.AppointmentID = s.appointmentID.String()
	}
	return snap
}

func (s *Session) enqueue(ctx context.Context, in input) error {
	select {
	case <-s.done:
		return ErrSessionEnded
	case <-s.hangup:
		return ErrSessionEnded
	default:
	}
	select {
	case s.inbox <- in:
		return nil
	case <-s.done:
		return ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hangup ends the call. Any pipeline or scheduling call in flight for the
// current turn is canceled; the session then releases its hold and retires.
func (s *Session) Hangup() {
	s.hangupOnce.Do(func() { close(s.hangup) })
	s.turnMu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.turnMu.Unlock()
}

func (s *Session) hungUp() bool {
	select {
	case <-s.hangup:
		return true
	default:
		return false
	}
}

// turnContext derives a context for one blocking call that a hangup cancels.
func (s *Session) turnContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(s.base, timeout)
	} else {
		ctx, cancel = context.WithCancel(s.base)
	}
	s.turnMu.Lock()
	s.turnCancel = cancel
	s.turnMu.Unlock()
	if s.hungUp() {
		cancel()
	}
	return ctx, cancel
}

// detached is for cleanup that must finish even after a hangup.
func (s *Session) detached() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(s.base), s.deps.Limits.SchedulingTimeout)
}

func (s *Session) run() {
	defer s.retire()

	s.transition(StateGreeting, "answered")
	if !s.say(greetingPrompt(s.provider)) {
		if s.hungUp() {
			s.onHangup()
		}
		if s.state.Terminal() {
			return
		}
	} else {
		s.transition(StateIntentCapture, "greeted")
	}

	for !s.state.Terminal() {
		if s.hungUp() {
			s.onHangup()
			break
		}
		if s.state == StateHandoffRequested {
			s.runHandoff()
			continue
		}
		s.handle(s.next())
	}
}

func (s *Session) next() input {
	if s.hungUp() {
		return input{kind: inputHangup}
	}

	var timeout <-chan time.Time
	if s.state != StateHumanConnected && s.deps.Limits.TurnTimeout > 0 {
		t := time.NewTimer(s.deps.Limits.TurnTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-s.hangup:
		return input{kind: inputHangup}
	case <-s.base.Done():
		return input{kind: inputHangup}
	case in := <-s.inbox:
		return in
	case <-timeout:
		return input{kind: inputTimeout, at: s.deps.Now()}
	}
}

func (s *Session) handle(in input) {
	switch in.kind {
	case inputHangup:
		s.onHangup()
	case inputHandoffEnded:
		s.onHandoffEnded(in.ok)
	case inputTimeout:
		s.onSilence()
	case inputUtterance:
		s.onUtterance(in)
	}
}

func (s *Session) onUtterance(in input) {
	s.mu.Lock()
	s.turns++
	s.lastActivity = s.deps.Now()
	s.mu.Unlock()
	defer func() {
		s.deps.Metrics.TurnLatency.Observe(s.deps.Now().Sub(in.at).Seconds())
	}()

	if s.state == StateHumanConnected {
		return
	}

	intent, err := s.recognize(in.payload)
	if err != nil {
		if !s.hungUp() {
			s.pipelineFailure("recognize", err)
		}
		return
	}
	s.deps.Recorder.Record(s.base, s.id, audit.IntentCapture, map[string]any{
		"intent":         intent.Type,
		"confidence":     intent.Confidence,
		"state":          s.state,
		"desired_time":   intent.DesiredTime,
		"appointment_id": intent.AppointmentID,
		"choice":         intent.Choice,
	})

	if intent.Type == voice.IntentAgent {
		s.requestHandoff("caller_request")
		return
	}
	if intent.Type == voice.IntentOther || intent.Confidence < s.deps.Limits.MinConfidence {
		s.onUnclear()
		return
	}
	s.unclear = 0
	if intent.PatientRef != "" {
		s.mu.Lock()
		s.patientRef = intent.PatientRef
		s.mu.Unlock()
	}

	switch s.state {
	case StateIntentCapture:
		s.capture(intent)
	case StateSlotNegotiation:
		s.negotiate(intent)
	case StateConfirmation:
		s.confirm(intent)
	}
}

// onUnclear handles low-confidence, unrecognized, and silent turns.
func (s *Session) onUnclear() {
	s.unclear++
	if s.unclear >= s.deps.Limits.IntentRetries {
		s.requestHandoff("low_confidence")
		return
	}
	switch s.state {
	case StateSlotNegotiation:
		s.say(repromptNegotiation)
	case StateConfirmation:
		s.say(repromptConfirmation)
	default:
		s.say(repromptIntent)
	}
}

func (s *Session) onSilence() {
	if s.state == StateConfirmation {
		s.decline(nil, "timeout")
		return
	}
	s.onUnclear()
}

func (s *Session) capture(in voice.Intent) {
	switch in.Type {
	case voice.IntentBook:
		s.request = &scheduling.Request{
			Kind:        scheduling.KindBook,
			CallID:      s.id,
			ProviderID:  s.provider.ID,
			ServiceType: in.ServiceType,
			DesiredTime: in.DesiredTime,
		}
		s.rounds = 0
		s.transition(StateSlotNegotiation, "book")
		s.propose()

	case voice.IntentReschedule:
		if in.AppointmentID == uuid.Nil {
			s.say(needAppointmentRef)
			return
		}
		s.request = &scheduling.Request{
			Kind:          scheduling.KindReschedule,
			CallID:        s.id,
			ServiceType:   in.ServiceType,
			DesiredTime:   in.DesiredTime,
			AppointmentID: in.AppointmentID,
		}
		s.rounds = 0
		s.transition(StateSlotNegotiation, "reschedule")
		s.propose()

	case voice.IntentCancel:
		if in.AppointmentID == uuid.Nil {
			s.say(needAppointmentRef)
			return
		}
		s.cancelAppointment(in)

	default:
		s.say(repromptIntent)
	}
}

func (s *Session) cancelAppointment(in voice.Intent) {
	reason := in.Reason
	if reason == "" {
		reason = "caller_request"
	}

	var out scheduling.Outcome
	err := s.schedule(func(ctx context.Context) (err error) {
		out, err = s.deps.Scheduler.Cancel(ctx, scheduling.Request{
			Kind:          scheduling.KindCancel,
			CallID:        s.id,
			AppointmentID: in.AppointmentID,
			Reason:        reason,
		})
		return err
	})
	if err != nil {
		s.schedulingFailure(err)
		return
	}

	s.mu.Lock()
	s.appointmentID = in.AppointmentID
	s.mu.Unlock()
	s.outcome = "canceled"
	s.sayBestEffort(canceledPrompt(*out.Slot))
	s.transition(StateCompleted, "appointment_canceled")
}

// negotiate handles a turn while the caller is choosing a new time.
func (s *Session) negotiate(in voice.Intent) {
	switch in.Type {
	case voice.IntentBook, voice.IntentReschedule, voice.IntentAffirm:
		if !in.DesiredTime.IsZero() {
			s.request.DesiredTime = in.DesiredTime
		}
		if in.ServiceType != "" {
			s.request.ServiceType = in.ServiceType
		}
		s.propose()
	case voice.IntentDecline:
		s.outcome = "declined"
		s.sayBestEffort(goodbyePrompt)
		s.transition(StateCanceled, "caller_declined")
	case voice.IntentCancel:
		s.request = nil
		s.transition(StateIntentCapture, "switch_to_cancel")
		s.capture(in)
	default:
		s.say(repromptNegotiation)
	}
}

// confirm handles a turn while a held slot is on offer.
func (s *Session) confirm(in voice.Intent) {
	if in.Choice > 0 {
		s.pick(in.Choice)
		return
	}

	switch in.Type {
	case voice.IntentAffirm:
		s.commit()
	case voice.IntentDecline:
		s.decline(&in, "declined")
	case voice.IntentBook, voice.IntentReschedule:
		if in.DesiredTime.IsZero() {
			s.say(repromptConfirmation)
			return
		}
		s.decline(&in, "new_time")
	case voice.IntentCancel:
		s.releaseHold("switch_to_cancel")
		s.request, s.offer = nil, nil
		s.transition(StateIntentCapture, "switch_to_cancel")
		s.capture(in)
	default:
		s.say(repromptConfirmation)
	}
}

func (s *Session) propose() {
	if s.rounds >= s.deps.Limits.NegotiationRounds {
		s.outcome = "negotiation_exhausted"
		s.sayBestEffort(exhaustedPrompt)
		s.transition(StateCanceled, "negotiation_exhausted")
		return
	}
	s.rounds++

	req := *s.request
	var out scheduling.Outcome
	err := s.schedule(func(ctx context.Context) (err error) {
		out, err = s.deps.Scheduler.Propose(ctx, req)
		return err
	})
	if err != nil {
		s.schedulingFailure(err)
		return
	}

	if out.Status != scheduling.StatusHeld {
		s.say(noAvailabilityPrompt)
		return
	}
	s.offered(out, out.Exact)
}

func (s *Session) offered(out scheduling.Outcome, exact bool) {
	s.offer = &out
	s.setHold(out.Hold.ID)
	if s.state != StateConfirmation {
		s.transition(StateConfirmation, "slot_held")
	}
	s.say(offerPrompt(*out.Slot, exact, out.Alternatives))
}

// pick switches the hold to one of the offered alternatives. Choice 1 is the
// slot already held; 2 and up index the alternatives.
func (s *Session) pick(choice int) {
	if choice == 1 {
		s.commit()
		return
	}
	if s.offer == nil || choice-2 >= len(s.offer.Alternatives) {
		s.say(repromptConfirmation)
		return
	}
	alts := s.offer.Alternatives
	chosen := alts[choice-2]
	rest := make([]ledger.Slot, 0, len(alts))
	rest = append(rest, *s.offer.Slot)
	for i, a := range alts {
		if i != choice-2 {
			rest = append(rest, a)
		}
	}

	s.releaseHold("alternative_chosen")
	req := *s.request
	var out scheduling.Outcome
	err := s.schedule(func(ctx context.Context) (err error) {
		out, err = s.deps.Scheduler.HoldSlot(ctx, req, chosen)
		return err
	})
	if errors.Is(err, ledger.ErrConflict) {
		s.request.DesiredTime = chosen.StartTime
		s.request.Exclude = append(s.request.Exclude, chosen.ID)
		s.transition(StateSlotNegotiation, "alternative_taken")
		if s.say(slotTakenPrompt) {
			s.propose()
		}
		return
	}
	if err != nil {
		s.schedulingFailure(err)
		return
	}
	out.Alternatives = rest
	s.offered(out, true)
}

// decline releases the offered hold and negotiates again without that slot.
func (s *Session) decline(in *voice.Intent, reason string) {
	if s.offer != nil && s.offer.Slot != nil {
		s.request.Exclude = append(s.request.Exclude, s.offer.Slot.ID)
	}
	s.releaseHold(reason)
	s.offer = nil
	if in != nil && !in.DesiredTime.IsZero() {
		s.request.DesiredTime = in.DesiredTime
	}
	s.transition(StateSlotNegotiation, reason)
	s.propose()
}

func (s *Session) commit() {
	holdID := s.currentHold()
	s.mu.RLock()
	patient := s.patientRef
	s.mu.RUnlock()
	if patient == "" {
		patient = s.caller
	}

	var appt ledger.Appointment
	err := s.schedule(func(ctx context.Context) (err error) {
		appt, err = s.deps.Scheduler.Confirm(ctx, s.id, holdID, patient)
		return err
	})
	if errors.Is(err, ledger.ErrExpired) {
		// the ledger already reclaimed the slot
		s.setHold(uuid.Nil)
		s.offer = nil
		s.transition(StateSlotNegotiation, "hold_expired")
		if s.say(holdExpiredPrompt) {
			s.propose()
		}
		return
	}
	if err != nil {
		s.schedulingFailure(err)
		return
	}

	s.setHold(uuid.Nil)
	s.mu.Lock()
	s.appointmentID = appt.ID
	s.mu.Unlock()
	s.outcome = "booked"
	if appt.RescheduledFrom != nil {
		s.outcome = "rescheduled"
	}
	s.sayBestEffort(bookedPrompt(appt))
	s.transition(StateCompleted, s.outcome)
}

// schedulingFailure maps an engine error onto the conversation. Errors the
// caller can act on keep the call going; anything else goes to a human.
func (s *Session) schedulingFailure(err error) {
	if s.hungUp() {
		return
	}
	s.log.Warn().Err(err).Str("state", string(s.state)).Msg("scheduling request failed")

	switch {
	case errors.Is(err, ledger.ErrNotFound):
		s.resetToCapture("appointment_not_found", appointmentNotFound)
	case errors.Is(err, ledger.ErrInvalidTransition):
		s.resetToCapture("appointment_locked", appointmentLocked)
	case errors.Is(err, scheduling.ErrInvalidRequest), errors.Is(err, ledger.ErrInvalidArgument):
		s.resetToCapture("invalid_request", repromptIntent)
	default:
		s.sayBestEffort(apologyPrompt)
		s.requestHandoff("scheduling_unavailable")
	}
}

func (s *Session) resetToCapture(reason, prompt string) {
	s.releaseHold(reason)
	s.request, s.offer = nil, nil
	if s.state != StateIntentCapture {
		s.transition(StateIntentCapture, reason)
	}
	s.say(prompt)
}

func (s *Session) pipelineFailure(op string, err error) {
	s.log.Error().Err(err).Str("op", op).Msg("voice pipeline failed")
	s.deps.Metrics.PipelineFailures.WithLabelValues(op).Inc()
	s.deps.Recorder.Record(s.base, s.id, audit.PipelineFailure, map[string]any{
		"op":    op,
		"error": err.Error(),
		"state": s.state,
	})
	s.requestHandoff("pipeline_failure")
}

func (s *Session) requestHandoff(reason string) {
	if s.state == StateHandoffRequested || s.state.Terminal() {
		return
	}
	s.handoffReason = reason
	s.transition(StateHandoffRequested, reason)
}

func (s *Session) runHandoff() {
	if s.handoffReason != "pipeline_failure" {
		s.sayBestEffort(transferPrompt)
	}

	ctx, cancel := s.turnContext(0)
	ticket, err := s.deps.Handoff.RequestHandoff(ctx, handoff.Request{
		CallID: s.id,
		Queue:  s.routingKey,
		Reason: s.handoffReason,
	})
	cancel()

	switch {
	case err == nil:
		s.ticket = &ticket
		s.transition(StateHumanConnected, "agent_"+ticket.AgentID)
	case s.hungUp():
		s.outcome = "abandoned"
		s.transition(StateCanceled, "hangup")
	default:
		s.log.Warn().Err(err).Msg("handoff failed, scheduling callback")
		s.mu.Lock()
		s.callback = true
		s.mu.Unlock()
		s.outcome = "callback_requested"
		if s.handoffReason != "pipeline_failure" {
			s.sayBestEffort(callbackPrompt)
		}
		s.transition(StateFailed, "no_agent")
	}
}

func (s *Session) onHandoffEnded(ok bool) {
	if s.state != StateHumanConnected {
		s.log.Warn().Str("state", string(s.state)).Msg("handoff end for a call not with a human")
		return
	}
	s.closeTicket()
	if ok {
		s.outcome = "human_resolved"
		s.transition(StateCompleted, "handoff_ended")
		return
	}
	s.outcome = "human_unresolved"
	s.transition(StateFailed, "handoff_ended")
}

func (s *Session) onHangup() {
	if s.state.Terminal() {
		return
	}
	if s.state == StateHumanConnected {
		s.closeTicket()
		if s.outcome == "" {
			s.outcome = "human_resolved"
		}
		s.transition(StateCompleted, "hangup")
		return
	}
	if s.outcome == "" {
		s.outcome = "abandoned"
	}
	s.transition(StateCanceled, "hangup")
}

func (s *Session) closeTicket() {
	if s.ticket == nil || s.ticket.ClosedAt != nil {
		return
	}
	ctx, cancel := s.detached()
	defer cancel()
	if err := s.deps.Handoff.Close(ctx, s.ticket.ID); err != nil {
		s.log.Warn().Err(err).Msg("failed to close handoff ticket")
	}
	now := s.deps.Now()
	s.ticket.ClosedAt = &now
}

// transition moves the state machine. Leaving for a terminal or handoff state
// releases any uncommitted hold first.
func (s *Session) transition(to State, reason string) {
	from := s.state
	if !CanTransition(from, to) {
		s.log.Error().Str("from", string(from)).Str("to", string(to)).Msg("illegal call state transition")
	}
	if to.Terminal() || to == StateHandoffRequested {
		s.releaseHold(string(to))
	}

	s.mu.Lock()
	s.state = to
	s.lastActivity = s.deps.Now()
	s.mu.Unlock()

	s.deps.Recorder.Record(s.base, s.id, audit.CallState, map[string]any{
		"from":   from,
		"to":     to,
		"reason": reason,
	})
	s.log.Debug().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("call state changed")
}

func (s *Session) setHold(id uuid.UUID) {
	s.mu.Lock()
	s.holdID = id
	s.mu.Unlock()
}

func (s *Session) currentHold() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holdID
}

func (s *Session) releaseHold(reason string) {
	id := s.currentHold()
	if id == uuid.Nil {
		return
	}
	ctx, cancel := s.detached()
	defer cancel()
	if err := s.deps.Scheduler.Release(ctx, s.id, id); err != nil {
		// the hold still lapses on its own at expiry
		s.log.Error().Err(err).Str("hold_id", id.String()).Str("reason", reason).Msg("failed to release hold")
	}
	s.setHold(uuid.Nil)
}

func (s *Session) schedule(fn func(ctx context.Context) error) error {
	ctx, cancel := s.turnContext(s.deps.Limits.SchedulingTimeout)
	defer cancel()
	return fn(ctx)
}

// pipeline retries op with backoff. A hangup stops retrying at once.
func (s *Session) pipeline(fn func(ctx context.Context) error) error {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.deps.Limits.PipelineBackoff), uint64(s.deps.Limits.PipelineRetries))
	return backoff.Retry(func() error {
		if s.hungUp() {
			return backoff.Permanent(errHungUp)
		}
		ctx, cancel := s.turnContext(s.deps.Limits.PipelineTimeout)
		defer cancel()
		err := voice.Timeout(fn(ctx))
		if err != nil && s.hungUp() {
			return backoff.Permanent(errHungUp)
		}
		return err
	}, b)
}

func (s *Session) recognize(payload []byte) (voice.Intent, error) {
	var in voice.Intent
	err := s.pipeline(func(ctx context.Context) (err error) {
		in, err = s.deps.Pipeline.Recognize(ctx, s.id, payload)
		return err
	})
	return in, err
}

// say speaks a prompt. A false return means the turn must stop: either the
// caller hung up or the pipeline failed and the call is being handed off.
func (s *Session) say(text string) bool {
	err := s.pipeline(func(ctx context.Context) error {
		return s.deps.Pipeline.Say(ctx, s.id, text)
	})
	if err == nil {
		s.deps.Recorder.Record(s.base, s.id, audit.CallPrompt, map[string]any{"text": text})
		return true
	}
	if !s.hungUp() {
		s.pipelineFailure("say", err)
	}
	return false
}

// sayBestEffort is for prompts spoken on the way out, where a failure
// changes nothing.
func (s *Session) sayBestEffort(text string) {
	if s.hungUp() {
		return
	}
	ctx, cancel := s.turnContext(s.deps.Limits.PipelineTimeout)
	defer cancel()
	if err := s.deps.Pipeline.Say(ctx, s.id, text); err != nil {
		s.log.Debug().Err(err).Msg("closing prompt not delivered")
		return
	}
	s.deps.Recorder.Record(s.base, s.id, audit.CallPrompt, map[string]any{"text": text})
}

func (s *Session) retire() {
	s.releaseHold("retire")
	s.closeTicket()

	snap := s.Snapshot()
	summary := map[string]any{
		"state":              snap.State,
		"outcome":            s.outcome,
		"turns":              snap.Turns,
		"duration_ms":        s.deps.Now().Sub(snap.CreatedAt).Milliseconds(),
		"callback_requested": snap.CallbackRequested,
	}
	if snap.AppointmentID != "" {
		summary["appointment_id"] = snap.AppointmentID
	}
	if s.handoffReason != "" {
		summary["handoff_reason"] = s.handoffReason
	}
	s.deps.Recorder.Record(s.base, s.id, audit.CallRetired, summary)

	ctx, cancel := s.detached()
	if err := s.deps.Recorder.Flush(ctx); err != nil {
		s.log.Error().Err(err).Msg("audit flush on retire failed")
	}
	cancel()

	s.deps.Metrics.SessionOutcomes.WithLabelValues(snap.State).Inc()
	s.deps.Metrics.ActiveSessions.Dec()
	s.log.Info().Str("state", snap.State).Str("outcome", s.outcome).Int("turns", snap.Turns).Msg("call retired")

	if s.onRetire != nil {
		s.onRetire(s)
	}
	close(s.done)
}
