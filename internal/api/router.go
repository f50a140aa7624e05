package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hackgods/voice-appointment-orchestrator/internal/audit"
	"github.com/hackgods/voice-appointment-orchestrator/internal/call"
	"github.com/hackgods/voice-appointment-orchestrator/internal/handoff"
	"github.com/hackgods/voice-appointment-orchestrator/internal/ledger"
	"github.com/hackgods/voice-appointment-orchestrator/internal/metrics"
	"github.com/hackgods/voice-appointment-orchestrator/internal/registry"
)

// CallService is the telephony-facing side of the call manager.
type CallService interface {
	Admit(ctx context.Context, a call.Admission) (*call.Session, error)
	Deliver(ctx context.Context, callID string, utterance []byte) error
	Hangup(callID string) error
	HandoffEnded(ctx context.Context, callID string, resolved bool) error
	Get(callID string) (*call.Session, error)
	ListActive() []registry.Snapshot
}

type HandoffService interface {
	AgentAvailable(queue, agentID string) error
	Tickets() []handoff.Ticket
}

type RouterConfig struct {
	Calls    CallService
	Ledger   ledger.Ledger
	Recorder *audit.Recorder
	Handoff  HandoffService
	Hub      *Hub
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	PgPool   *pgxpool.Pool // nil with the memory backend
	Redis    *redis.Client // nil when redis is not configured
	Log      zerolog.Logger
	Env      string
	Version  string

	AdmitRPS   float64
	AdmitBurst int
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log, cfg.Metrics))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	admit := NewRateLimiter(RateLimiterConfig{Rate: rate.Limit(cfg.AdmitRPS), Burst: cfg.AdmitBurst}, cfg.Metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/calls", func(r chi.Router) {
			r.With(admit.RateLimit).Post("/", admitCallHandler(cfg.Calls))
			r.Get("/", listCallsHandler(cfg.Calls))
			r.Get("/{id}", getCallHandler(cfg.Calls))
			r.Post("/{id}/turns", deliverTurnHandler(cfg.Calls))
			r.Post("/{id}/hangup", hangupHandler(cfg.Calls))
			r.Post("/{id}/handoff-ended", handoffEndedHandler(cfg.Calls))
			r.Get("/{id}/history", callHistoryHandler(cfg.Recorder))
		})

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", listProvidersHandler(cfg.Ledger))
			r.Get("/{id}/appointments", listAppointmentsHandler(cfg.Ledger))
			r.Get("/{id}/slots", listSlotsHandler(cfg.Ledger))
		})
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Ledger))

		r.Get("/handoff/tickets", listTicketsHandler(cfg.Handoff))
		r.Post("/handoff/queues/{queue}/agents", agentAvailableHandler(cfg.Handoff))

		r.Get("/events", eventsSinceHandler(cfg.Recorder))
		if cfg.Hub != nil {
			r.Get("/events/ws", cfg.Hub.ServeWS)
		}
	})

	return r
}
