package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryOption func(*Memory)

// WithClock overrides the time source used for hold expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// Memory is an in-process Ledger. Each provider has its own book guarded by
// its own mutex, so callers for different providers never contend.
type Memory struct {
	now     func() time.Time
	newCode func() string

	mu     sync.RWMutex
	books  map[uuid.UUID]*providerBook
	routes map[string]uuid.UUID

	// id -> owning provider, read without taking mu
	slotIdx sync.Map
	holdIdx sync.Map
	apptIdx sync.Map
	codes   sync.Map // confirmation code -> appointment id
}

type holdRef struct {
	provider uuid.UUID
	replaces uuid.UUID // provider owning the appointment being rescheduled
}

type providerBook struct {
	mu       sync.Mutex
	provider Provider
	slots    map[uuid.UUID]*Slot
	order    []*Slot
	holds    map[uuid.UUID]*Hold
	active   map[uuid.UUID]*Hold // keyed by slot id
	appts    map[uuid.UUID]*Appointment
}

var (
	_ Ledger = (*Memory)(nil)
	_ Admin  = (*Memory)(nil)
)

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:     time.Now,
		newCode: NewConfirmationCode,
		books:   make(map[uuid.UUID]*providerBook),
		routes:  make(map[string]uuid.UUID),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func newBook(p Provider) *providerBook {
	return &providerBook{
		provider: p,
		slots:    make(map[uuid.UUID]*Slot),
		holds:    make(map[uuid.UUID]*Hold),
		active:   make(map[uuid.UUID]*Hold),
		appts:    make(map[uuid.UUID]*Appointment),
	}
}

func (m *Memory) RegisterProvider(_ context.Context, p Provider) error {
	if p.ID == uuid.Nil {
		return fmt.Errorf("%w: provider id is required", ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.routes[p.RoutingKey]; ok && p.RoutingKey != "" && owner != p.ID {
		return fmt.Errorf("%w: routing key %q already assigned", ErrConflict, p.RoutingKey)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now()
	}

	if b, ok := m.books[p.ID]; ok {
		b.mu.Lock()
		if b.provider.RoutingKey != p.RoutingKey {
			delete(m.routes, b.provider.RoutingKey)
		}
		b.provider = p
		b.mu.Unlock()
	} else {
		m.books[p.ID] = newBook(p)
	}

	if p.RoutingKey != "" {
		m.routes[p.RoutingKey] = p.ID
	}
	return nil
}

func (m *Memory) AddSlots(_ context.Context, slots ...Slot) error {
	for _, s := range slots {
		if s.Duration <= 0 {
			return fmt.Errorf("%w: slot duration must be positive", ErrInvalidArgument)
		}
		b, err := m.book(s.ProviderID)
		if err != nil {
			return err
		}
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		if s.Status == "" {
			s.Status = SlotOpen
		}

		b.mu.Lock()
		if _, exists := b.slots[s.ID]; exists {
			b.mu.Unlock()
			return fmt.Errorf("%w: slot %s already exists", ErrConflict, s.ID)
		}
		slot := s
		b.slots[slot.ID] = &slot
		b.order = append(b.order, &slot)
		sort.SliceStable(b.order, func(i, j int) bool {
			return b.order[i].StartTime.Before(b.order[j].StartTime)
		})
		b.mu.Unlock()

		m.slotIdx.Store(slot.ID, slot.ProviderID)
	}
	return nil
}

func (m *Memory) FindOpenSlots(_ context.Context, providerID uuid.UUID, r TimeRange, serviceType string) ([]Slot, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: empty time range", ErrInvalidArgument)
	}
	b, err := m.book(providerID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := m.now()
	b.reclaim(now)

	if !b.provider.Offers(serviceType) {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotOffered, serviceType)
	}

	var out []Slot
	for _, s := range b.order {
		if s.Status != SlotOpen || !r.Contains(s.StartTime) || s.StartTime.Before(now) {
			continue
		}
		if b.blocked(s, uuid.Nil) {
			continue
		}
		out = append(out, *s)
	}
	return out, nil
}

func (m *Memory) PlaceHold(_ context.Context, slotID uuid.UUID, callID string, ttl time.Duration) (Hold, error) {
	if ttl <= 0 {
		return Hold{}, fmt.Errorf("%w: hold ttl must be positive", ErrInvalidArgument)
	}
	b, err := m.bookForSlot(slotID)
	if err != nil {
		return Hold{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := m.now()
	b.reclaim(now)

	h, err := b.placeHold(slotID, callID, ttl, now, nil)
	if err != nil {
		return Hold{}, err
	}
	m.holdIdx.Store(h.ID, holdRef{provider: b.provider.ID})
	return *h, nil
}

func (m *Memory) ReleaseHold(_ context.Context, holdID uuid.UUID) error {
	ref, err := m.holdRef(holdID)
	if err != nil {
		return err
	}
	b, err := m.book(ref.provider)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.reclaim(m.now())

	h := b.holds[holdID]
	switch h.Status {
	case HoldActive:
		b.release(h, HoldReleased)
		return nil
	case HoldReleased, HoldExpired:
		return nil
	default:
		return fmt.Errorf("%w: hold %s already committed", ErrInvalidTransition, holdID)
	}
}

func (m *Memory) CommitHold(_ context.Context, holdID uuid.UUID, patientRef string) (Appointment, error) {
	ref, err := m.holdRef(holdID)
	if err != nil {
		return Appointment{}, err
	}
	b, err := m.book(ref.provider)
	if err != nil {
		return Appointment{}, err
	}
	ob := b
	if ref.replaces != uuid.Nil {
		if ob, err = m.book(ref.replaces); err != nil {
			return Appointment{}, err
		}
	}

	unlock := lockBooks(b, ob)
	defer unlock()

	now := m.now()
	b.reclaim(now)
	ob.reclaim(now)

	h := b.holds[holdID]
	switch h.Status {
	case HoldCommitted:
		return *b.appts[*h.AppointmentID], nil
	case HoldExpired:
		return Appointment{}, fmt.Errorf("commit hold %s: %w", holdID, ErrExpired)
	case HoldReleased:
		return Appointment{}, fmt.Errorf("%w: hold %s was released", ErrInvalidTransition, holdID)
	}

	var old *Appointment
	if h.Replaces != nil {
		old = ob.appts[*h.Replaces]
		if old == nil || old.Status != StatusBooked {
			b.release(h, HoldReleased)
			return Appointment{}, fmt.Errorf("%w: appointment %s is no longer booked", ErrInvalidTransition, *h.Replaces)
		}
		if patientRef == "" {
			patientRef = old.PatientRef
		}
	}

	apptID := uuid.New()
	code, err := m.claimCode(apptID)
	if err != nil {
		return Appointment{}, err
	}

	s := b.slots[h.SlotID]
	appt := &Appointment{
		ID:               apptID,
		SlotID:           s.ID,
		ProviderID:       s.ProviderID,
		PatientRef:       patientRef,
		CallID:           h.CallID,
		Status:           StatusBooked,
		StartTime:        s.StartTime,
		Duration:         s.Duration,
		ConfirmationCode: code,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	s.Status = SlotBooked
	delete(b.active, s.ID)
	h.Status = HoldCommitted
	h.AppointmentID = &apptID

	if old != nil {
		oldID, newID := old.ID, appt.ID
		appt.RescheduledFrom = &oldID
		old.RescheduledTo = &newID
		old.Status = StatusRescheduled
		old.UpdatedAt = now
		if prev := ob.slots[old.SlotID]; prev != nil {
			prev.Status = SlotOpen
		}
	}

	b.appts[appt.ID] = appt
	m.apptIdx.Store(appt.ID, b.provider.ID)
	return *appt, nil
}

func (m *Memory) CancelAppointment(_ context.Context, appointmentID uuid.UUID, reason string) (Slot, error) {
	b, err := m.bookForAppointment(appointmentID)
	if err != nil {
		return Slot{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := m.now()
	b.reclaim(now)

	a := b.appts[appointmentID]
	switch a.Status {
	case StatusCanceled:
		return *b.slots[a.SlotID], nil
	case StatusBooked:
	default:
		return Slot{}, fmt.Errorf("%w: cannot cancel %s appointment", ErrInvalidTransition, a.Status)
	}

	a.Status = StatusCanceled
	a.CancelReason = reason
	a.CanceledAt = &now
	a.UpdatedAt = now

	s := b.slots[a.SlotID]
	s.Status = SlotOpen
	return *s, nil
}

func (m *Memory) RescheduleAppointment(_ context.Context, appointmentID, newSlotID uuid.UUID, callID string, ttl time.Duration) (Hold, error) {
	if ttl <= 0 {
		return Hold{}, fmt.Errorf("%w: hold ttl must be positive", ErrInvalidArgument)
	}
	ab, err := m.bookForAppointment(appointmentID)
	if err != nil {
		return Hold{}, err
	}
	sb, err := m.bookForSlot(newSlotID)
	if err != nil {
		return Hold{}, err
	}

	unlock := lockBooks(ab, sb)
	defer unlock()

	now := m.now()
	ab.reclaim(now)
	sb.reclaim(now)

	a := ab.appts[appointmentID]
	if a.Status != StatusBooked {
		return Hold{}, fmt.Errorf("%w: cannot reschedule %s appointment", ErrInvalidTransition, a.Status)
	}
	if a.SlotID == newSlotID {
		return Hold{}, fmt.Errorf("%w: appointment already occupies slot %s", ErrInvalidTransition, newSlotID)
	}

	h, err := sb.placeHold(newSlotID, callID, ttl, now, a)
	if err != nil {
		return Hold{}, err
	}
	m.holdIdx.Store(h.ID, holdRef{provider: sb.provider.ID, replaces: ab.provider.ID})
	return *h, nil
}

func (m *Memory) GetAppointment(_ context.Context, id uuid.UUID) (Appointment, error) {
	b, err := m.bookForAppointment(id)
	if err != nil {
		return Appointment{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.appts[id], nil
}

func (m *Memory) ListAppointments(_ context.Context, providerID uuid.UUID, r TimeRange) ([]Appointment, error) {
	b, err := m.book(providerID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	out := make([]Appointment, 0, len(b.appts))
	for _, a := range b.appts {
		if r.Contains(a.StartTime) {
			out = append(out, *a)
		}
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

func (m *Memory) GetProvider(_ context.Context, id uuid.UUID) (Provider, error) {
	b, err := m.book(id)
	if err != nil {
		return Provider{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.provider, nil
}

func (m *Memory) ProviderByRoute(ctx context.Context, routingKey string) (Provider, error) {
	m.mu.RLock()
	id, ok := m.routes[routingKey]
	m.mu.RUnlock()
	if !ok {
		return Provider{}, fmt.Errorf("route %q: %w", routingKey, ErrProviderNotFound)
	}
	return m.GetProvider(ctx, id)
}

func (m *Memory) ListProviders(_ context.Context) ([]Provider, error) {
	books := m.snapshot()
	out := make([]Provider, 0, len(books))
	for _, b := range books {
		b.mu.Lock()
		out = append(out, b.provider)
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) ActiveHolds(_ context.Context) ([]Hold, error) {
	now := m.now()
	var out []Hold
	for _, b := range m.snapshot() {
		b.mu.Lock()
		b.reclaim(now)
		for _, h := range b.active {
			out = append(out, *h)
		}
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ExpireHolds(_ context.Context, now time.Time) ([]Hold, error) {
	var out []Hold
	for _, b := range m.snapshot() {
		b.mu.Lock()
		out = append(out, b.reclaim(now)...)
		b.mu.Unlock()
	}
	return out, nil
}

func (m *Memory) snapshot() []*providerBook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*providerBook, 0, len(m.books))
	for _, b := range m.books {
		out = append(out, b)
	}
	return out
}

func (m *Memory) book(providerID uuid.UUID) (*providerBook, error) {
	m.mu.RLock()
	b, ok := m.books[providerID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", providerID, ErrProviderNotFound)
	}
	return b, nil
}

func (m *Memory) bookForSlot(slotID uuid.UUID) (*providerBook, error) {
	v, ok := m.slotIdx.Load(slotID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", slotID, ErrSlotNotFound)
	}
	return m.book(v.(uuid.UUID))
}

func (m *Memory) bookForAppointment(id uuid.UUID) (*providerBook, error) {
	v, ok := m.apptIdx.Load(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrAppointmentNotFound)
	}
	return m.book(v.(uuid.UUID))
}

func (m *Memory) holdRef(holdID uuid.UUID) (holdRef, error) {
	v, ok := m.holdIdx.Load(holdID)
	if !ok {
		return holdRef{}, fmt.Errorf("%s: %w", holdID, ErrHoldNotFound)
	}
	return v.(holdRef), nil
}

// lockBooks locks each distinct book in provider id order and returns the unlock func.
func lockBooks(books ...*providerBook) func() {
	seen := make(map[*providerBook]bool, len(books))
	uniq := make([]*providerBook, 0, len(books))
	for _, b := range books {
		if !seen[b] {
			seen[b] = true
			uniq = append(uniq, b)
		}
	}
	sort.Slice(uniq, func(i, j int) bool {
		return uniq[i].provider.ID.String() < uniq[j].provider.ID.String()
	})
	for _, b := range uniq {
		b.mu.Lock()
	}
	return func() {
		for i := len(uniq) - 1; i >= 0; i-- {
			uniq[i].mu.Unlock()
		}
	}
}

// The methods below require b.mu.

func (b *providerBook) reclaim(now time.Time) []Hold {
	var expired []Hold
	for _, h := range b.active {
		if now.Before(h.ExpiresAt) {
			continue
		}
		b.release(h, HoldExpired)
		expired = append(expired, *h)
	}
	return expired
}

func (b *providerBook) release(h *Hold, status HoldStatus) {
	h.Status = status
	if s := b.slots[h.SlotID]; s != nil && s.Status == SlotHeld {
		s.Status = SlotOpen
	}
	delete(b.active, h.SlotID)
}

// blocked reports whether a held or booked slot other than s (and ignore) overlaps s.
func (b *providerBook) blocked(s *Slot, ignore uuid.UUID) bool {
	end := s.EndTime()
	for _, o := range b.order {
		if !o.StartTime.Before(end) {
			break
		}
		if o.ID == s.ID || o.ID == ignore || o.Status == SlotOpen {
			continue
		}
		if o.Overlaps(*s) {
			return true
		}
	}
	return false
}

func (b *providerBook) placeHold(slotID uuid.UUID, callID string, ttl time.Duration, now time.Time, replaces *Appointment) (*Hold, error) {
	s, ok := b.slots[slotID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", slotID, ErrSlotNotFound)
	}
	if s.Status != SlotOpen {
		return nil, fmt.Errorf("slot %s is %s: %w", slotID, s.Status, ErrConflict)
	}

	ignore := uuid.Nil
	if replaces != nil {
		ignore = replaces.SlotID
	}
	if b.blocked(s, ignore) {
		return nil, fmt.Errorf("slot %s overlaps a reserved slot: %w", slotID, ErrConflict)
	}

	h := &Hold{
		ID:         uuid.New(),
		SlotID:     s.ID,
		ProviderID: s.ProviderID,
		CallID:     callID,
		Status:     HoldActive,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
	if replaces != nil {
		id := replaces.ID
		h.Replaces = &id
	}

	s.Status = SlotHeld
	b.holds[h.ID] = h
	b.active[s.ID] = h
	return h, nil
}

// claimCode reserves an unused confirmation code for an appointment.
func (m *Memory) claimCode(apptID uuid.UUID) (string, error) {
	for range confirmationAttempts {
		code := m.newCode()
		if _, taken := m.codes.LoadOrStore(code, apptID); !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w: no unused confirmation code after %d attempts", ErrUnavailable, confirmationAttempts)
}
