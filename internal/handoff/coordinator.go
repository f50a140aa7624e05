package handoff

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/voice-appointment-orchestrator/internal/audit"
	"github.com/hackgods/voice-appointment-orchestrator/internal/metrics"
)

const DefaultQueue = "default"

const queueCapacity = 256

var (
	ErrNoAgentAvailable = errors.New("no human agent available")
	ErrTicketNotFound   = errors.New("handoff ticket not found")
	ErrQueueFull        = errors.New("handoff queue is full")
	ErrAgentBusy        = errors.New("agent is already on a call")
)

type Request struct {
	CallID string
	Queue  string // provider or clinic routing key
	Reason string
}

type Ticket struct {
	ID          uuid.UUID  `json:"id"`
	CallID      string     `json:"call_id"`
	Queue       string     `json:"queue"`
	AgentID     string     `json:"agent_id"`
	Reason      string     `json:"reason"`
	RequestedAt time.Time  `json:"requested_at"`
	ConnectedAt time.Time  `json:"connected_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// Transferer hands voice I/O for a call to a human agent.
type Transferer interface {
	Transfer(ctx context.Context, callID, agentID string) error
}

type Config struct {
	WaitBound    time.Duration
	DefaultQueue string
}

// Coordinator matches calls needing a human with available staff. Each
// queue is a channel of idle agent ids; a call waits on its own queue and
// the default queue at once.
type Coordinator struct {
	cfg      Config
	transfer Transferer
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	queues  map[string]chan agent
	agents  map[string]agentState
	tickets map[uuid.UUID]*Ticket
}

type agent struct {
	id    string
	queue string
}

type agentState int

const (
	agentIdle agentState = iota + 1
	agentBusy
)

func NewCoordinator(cfg Config, transfer Transferer, rec *audit.Recorder, m *metrics.Metrics, log zerolog.Logger) *Coordinator {
	if cfg.WaitBound <= 0 {
		cfg.WaitBound = 30 * time.Second
	}
	if cfg.DefaultQueue == "" {
		cfg.DefaultQueue = DefaultQueue
	}
	return &Coordinator{
		cfg:      cfg,
		transfer: transfer,
		recorder: rec,
		metrics:  m,
		log:      log.With().Str("component", "handoff").Logger(),
		now:      time.Now,
		queues:   make(map[string]chan agent),
		agents:   make(map[string]agentState),
		tickets:  make(map[uuid.UUID]*Ticket),
	}
}

func (c *Coordinator) queue(name string) chan agent {
	if name == "" {
		name = c.cfg.DefaultQueue
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[name]
	if !ok {
		q = make(chan agent, queueCapacity)
		c.queues[name] = q
	}
	return q
}

// AgentAvailable marks a staff member idle on a queue. An agent already
// waiting is left where it is; an agent on an open ticket is rejected until
// that ticket is closed.
func (c *Coordinator) AgentAvailable(queue, agentID string) error {
	if queue == "" {
		queue = c.cfg.DefaultQueue
	}
	c.mu.Lock()
	switch c.agents[agentID] {
	case agentIdle:
		c.mu.Unlock()
		return nil
	case agentBusy:
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", agentID, ErrAgentBusy)
	}
	c.agents[agentID] = agentIdle
	c.mu.Unlock()

	return c.enqueue(agent{id: agentID, queue: queue})
}

// enqueue puts an agent already marked idle on its queue.
func (c *Coordinator) enqueue(a agent) error {
	select {
	case c.queue(a.queue) <- a:
		c.log.Info().Str("queue", a.queue).Str("agent_id", a.id).Msg("agent available")
		return nil
	default:
		c.mu.Lock()
		delete(c.agents, a.id)
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", a.queue, ErrQueueFull)
	}
}

// Available reports idle agents on a queue.
func (c *Coordinator) Available(queue string) int {
	return len(c.queue(queue))
}

// RequestHandoff waits up to the wait bound for an agent on the request's
// queue or the default queue, then transfers the call.
func (c *Coordinator) RequestHandoff(ctx context.Context, req Request) (Ticket, error) {
	start := c.now()
	c.recorder.Record(ctx, req.CallID, audit.HandoffRequested, map[string]any{
		"queue":  req.Queue,
		"reason": req.Reason,
	})

	specific := c.queue(req.Queue)
	fallback := c.queue(c.cfg.DefaultQueue)

	timer := time.NewTimer(c.cfg.WaitBound)
	defer timer.Stop()

	var a agent
	select {
	case a = <-specific:
	case a = <-fallback:
	case <-timer.C:
		c.metrics.HandoffOutcomes.WithLabelValues("timeout").Inc()
		c.metrics.HandoffWait.Observe(time.Since(start).Seconds())
		c.recorder.Record(ctx, req.CallID, audit.HandoffTimedOut, map[string]any{
			"queue":  req.Queue,
			"waited": c.cfg.WaitBound.String(),
		})
		return Ticket{}, ErrNoAgentAvailable
	case <-ctx.Done():
		c.metrics.HandoffOutcomes.WithLabelValues("abandoned").Inc()
		return Ticket{}, ctx.Err()
	}

	c.mu.Lock()
	c.agents[a.id] = agentBusy
	c.mu.Unlock()

	if c.transfer != nil {
		if err := c.transfer.Transfer(ctx, req.CallID, a.id); err != nil {
			c.requeue(a)
			c.metrics.HandoffOutcomes.WithLabelValues("transfer_failed").Inc()
			return Ticket{}, fmt.Errorf("transfer call %s to %s: %w", req.CallID, a.id, err)
		}
	}

	t := &Ticket{
		ID:          uuid.New(),
		CallID:      req.CallID,
		Queue:       a.queue,
		AgentID:     a.id,
		Reason:      req.Reason,
		RequestedAt: start,
		ConnectedAt: c.now(),
	}
	c.mu.Lock()
	c.tickets[t.ID] = t
	c.mu.Unlock()

	c.metrics.HandoffOutcomes.WithLabelValues("connected").Inc()
	c.metrics.HandoffWait.Observe(t.ConnectedAt.Sub(start).Seconds())
	c.recorder.Record(ctx, req.CallID, audit.HandoffConnected, map[string]any{
		"ticket_id": t.ID,
		"agent_id":  a.id,
		"queue":     a.queue,
	})
	return *t, nil
}

// Close ends a connected handoff and returns the agent to its queue.
func (c *Coordinator) Close(ctx context.Context, ticketID uuid.UUID) error {
	c.mu.Lock()
	t, ok := c.tickets[ticketID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", ticketID, ErrTicketNotFound)
	}
	if t.ClosedAt != nil {
		c.mu.Unlock()
		return nil
	}
	now := c.now()
	t.ClosedAt = &now
	a := agent{id: t.AgentID, queue: t.Queue}
	callID := t.CallID
	c.mu.Unlock()

	c.requeue(a)
	c.recorder.Record(ctx, callID, audit.HandoffClosed, map[string]any{"ticket_id": ticketID})
	return nil
}

func (c *Coordinator) requeue(a agent) {
	c.mu.Lock()
	c.agents[a.id] = agentIdle
	c.mu.Unlock()
	if err := c.enqueue(a); err != nil {
		c.log.Warn().Err(err).Str("agent_id", a.id).Msg("could not requeue agent")
	}
}

// Tickets lists handoffs, most recent first.
func (c *Coordinator) Tickets() []Ticket {
	c.mu.Lock()
	out := make([]Ticket, 0, len(c.tickets))
	for _, t := range c.tickets {
		out = append(out, *t)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return out
}
