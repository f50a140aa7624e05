package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/voice-appointment-orchestrator/internal/api"
	"github.com/hackgods/voice-appointment-orchestrator/internal/audit"
	"github.com/hackgods/voice-appointment-orchestrator/internal/call"
	"github.com/hackgods/voice-appointment-orchestrator/internal/config"
	"github.com/hackgods/voice-appointment-orchestrator/internal/db"
	"github.com/hackgods/voice-appointment-orchestrator/internal/demo"
	"github.com/hackgods/voice-appointment-orchestrator/internal/handoff"
	"github.com/hackgods/voice-appointment-orchestrator/internal/ledger"
	"github.com/hackgods/voice-appointment-orchestrator/internal/logger"
	"github.com/hackgods/voice-appointment-orchestrator/internal/metrics"
	redisclient "github.com/hackgods/voice-appointment-orchestrator/internal/redis"
	"github.com/hackgods/voice-appointment-orchestrator/internal/scheduling"
	"github.com/hackgods/voice-appointment-orchestrator/internal/voice"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		stderrLog := zerolog.New(os.Stderr)
		stderrLog.Fatal().Err(err).Msg("config load error")
	}

	log := logger.New(cfg.Env, cfg.LogLevel)
	log.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("ledger", cfg.LedgerBackend).
		Str("pipeline", cfg.VoicePipeline).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("api-server stopped with error")
	}
	log.Info().Msg("api-server shut down cleanly")
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		var err error
		rdb, err = redisclient.NewClient(ctx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn().Err(err).Msg("error closing redis")
			}
		}()
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	}

	var (
		pgPool *pgxpool.Pool
		l      ledger.Ledger
		store  audit.Store
	)
	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		pgCtx, cancelPg := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		cancelPg()
		if err != nil {
			return err
		}
		defer pool.Close()
		log.Info().Msg("connected to Postgres")

		if err := db.Migrate(ctx, pool, log); err != nil {
			return err
		}

		var locker redisclient.Locker
		if rdb != nil {
			locker = redisclient.NewSlotLocker(rdb, cfg.LockTTL)
		}
		pgPool = pool
		l = ledger.NewPgLedger(pool, locker)
		store = audit.NewPgStore(pool)
	default:
		mem := ledger.NewMemory()
		from := time.Now().UTC().Truncate(24 * time.Hour)
		n, err := demo.Populate(ctx, mem, demo.Providers(gofakeit.New(0), 3), from, from.Add(14*24*time.Hour))
		if err != nil {
			return err
		}
		providers, _ := mem.ListProviders(ctx)
		for _, p := range providers {
			log.Info().Str("provider", p.Name).Str("routing_key", p.RoutingKey).Strs("services", p.ServiceTypes).Msg("demo provider")
		}
		log.Info().Int("slots", n).Msg("memory ledger populated with demo schedule")
		l = mem
		store = audit.NewMemoryStore()
	}

	lastSeq, err := store.LastSeq(ctx)
	if err != nil {
		return err
	}

	hub := api.NewHub(log)
	recorder := audit.NewRecorder(store,
		audit.WithLogger(log),
		audit.WithStartSeq(lastSeq),
		audit.WithSinks(hub),
	)

	origin := uuid.NewString()
	var broker *redisclient.Broker
	if rdb != nil {
		broker = redisclient.NewBroker(rdb, log)
		recorder.AddSink(audit.BrokerSink{Broker: broker, Channel: cfg.EventsChannel, Origin: origin})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	engine := scheduling.NewEngine(l, recorder, m, log, cfg.Scheduling())

	var transfer handoff.Transferer
	if broker != nil {
		transfer = handoff.BrokerTransferer{Broker: broker, Channel: cfg.TransferChannel}
	}
	coordinator := handoff.NewCoordinator(handoff.Config{WaitBound: cfg.HandoffWait}, transfer, recorder, m, log)

	var pipeline voice.Pipeline = voice.NewTextPipeline()
	if cfg.VoicePipeline == "http" {
		pipeline = voice.NewHTTPPipeline(cfg.VoicePipelineURL, cfg.PipelineTimeout)
	}

	manager := call.NewManager(call.Deps{
		Scheduler: engine,
		Pipeline:  pipeline,
		Handoff:   coordinator,
		Recorder:  recorder,
		Metrics:   m,
		Log:       log,
		Limits:    cfg.Limits(),
	}, engine)

	router := api.NewRouter(api.RouterConfig{
		Calls:      manager,
		Ledger:     l,
		Recorder:   recorder,
		Handoff:    coordinator,
		Hub:        hub,
		Metrics:    m,
		Gatherer:   reg,
		PgPool:     pgPool,
		Redis:      rdb,
		Log:        log,
		Env:        cfg.Env,
		Version:    version,
		AdmitRPS:   cfg.AdmitRPS,
		AdmitBurst: cfg.AdmitBurst,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return ledger.Reaper{
			Ledger:    l,
			Interval:  cfg.WorkerInterval,
			Log:       log.With().Str("component", "reaper").Logger(),
			OnExpired: engine.HoldsExpired,
		}.Run(gctx)
	})

	g.Go(func() error {
		return recorder.RunFlusher(gctx, cfg.FlushInterval)
	})

	if broker != nil {
		events, err := broker.Subscribe(gctx, cfg.EventsChannel)
		if err != nil {
			log.Warn().Err(err).Msg("event relay disabled")
		} else {
			g.Go(func() error {
				hub.Relay(gctx, events, origin)
				return nil
			})
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down api-server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if serr := manager.Shutdown(shutdownCtx); serr != nil {
			log.Warn().Err(serr).Msg("call sessions did not drain before timeout")
		}
		hub.Close()
		if ferr := recorder.Flush(shutdownCtx); ferr != nil {
			log.Warn().Err(ferr).Int("pending", recorder.Pending()).Msg("audit events left unflushed")
		}
		return err
	})

	return g.Wait()
}
