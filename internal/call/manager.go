package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hackgods/voice-appointment-orchestrator/internal/audit"
	"github.com/hackgods/voice-appointment-orchestrator/internal/ledger"
	"github.com/hackgods/voice-appointment-orchestrator/internal/registry"
)

// ProviderResolver maps the dialed routing key to a provider.
type ProviderResolver interface {
	ResolveProvider(ctx context.Context, routingKey string) (ledger.Provider, error)
}

// Admission describes an inbound call.
type Admission struct {
	CallID       string `json:"call_id"`
	CallerNumber string `json:"caller_number"`
	RoutingKey   string `json:"routing_key"`
}

// Manager admits calls, owns their goroutines, and routes input to them.
type Manager struct {
	deps     Deps
	resolver ProviderResolver
	registry *registry.Registry[*Session]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(deps Deps, resolver ProviderResolver) *Manager {
	deps.Limits = deps.Limits.withDefaults()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:     deps,
		resolver: resolver,
		registry: registry.New[*Session](),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Admit creates a session for a new call and starts it. A call id that is
// already live is rejected with registry.ErrAlreadyExists.
func (m *Manager) Admit(ctx context.Context, a Admission) (*Session, error) {
	if a.CallID == "" {
		return nil, fmt.Errorf("%w: call id is required", ledger.ErrInvalidArgument)
	}
	if m.ctx.Err() != nil {
		return nil, ErrSessionEnded
	}

	p, err := m.resolver.ResolveProvider(ctx, a.RoutingKey)
	if err != nil {
		m.deps.Metrics.AdmissionsRejected.WithLabelValues("unknown_route").Inc()
		return nil, fmt.Errorf("resolve routing key %q: %w", a.RoutingKey, err)
	}

	s, err := m.registry.Create(a.CallID, func() *Session {
		return newSession(m.ctx, a.CallID, a.CallerNumber, a.RoutingKey, p, m.deps, m.retired)
	})
	if err != nil {
		m.deps.Metrics.AdmissionsRejected.WithLabelValues("duplicate").Inc()
		return nil, err
	}

	m.deps.Metrics.SessionsAdmitted.Inc()
	m.deps.Metrics.ActiveSessions.Inc()
	m.deps.Recorder.Record(ctx, a.CallID, audit.CallAdmitted, map[string]any{
		"caller_number": a.CallerNumber,
		"routing_key":   a.RoutingKey,
		"provider_id":   p.ID,
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run()
	}()
	return s, nil
}

func (m *Manager) retired(s *Session) {
	m.registry.Remove(s.CallID())
}

func (m *Manager) Get(callID string) (*Session, error) {
	return m.registry.Get(callID)
}

// Deliver queues one caller utterance. Utterances are processed in order.
func (m *Manager) Deliver(ctx context.Context, callID string, utterance []byte) error {
	s, err := m.registry.Get(callID)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, input{kind: inputUtterance, payload: utterance, at: m.deps.Now()})
}

func (m *Manager) Hangup(callID string) error {
	s, err := m.registry.Get(callID)
	if err != nil {
		return err
	}
	s.Hangup()
	return nil
}

// HandoffEnded reports that the human agent finished with the call.
func (m *Manager) HandoffEnded(ctx context.Context, callID string, resolved bool) error {
	s, err := m.registry.Get(callID)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, input{kind: inputHandoffEnded, ok: resolved, at: m.deps.Now()})
}

func (m *Manager) ListActive() []registry.Snapshot {
	return m.registry.ListActive()
}

func (m *Manager) Len() int {
	return m.registry.Len()
}

// Shutdown hangs up every live call and waits for the sessions to retire.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, s := range m.registry.All() {
		s.Hangup()
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(fmt.Errorf("%d calls still live", m.registry.Len()), ctx.Err())
	}
}
