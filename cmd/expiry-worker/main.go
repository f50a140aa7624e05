package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/voice-appointment-orchestrator/internal/audit"
	"github.com/hackgods/voice-appointment-orchestrator/internal/config"
	"github.com/hackgods/voice-appointment-orchestrator/internal/db"
	"github.com/hackgods/voice-appointment-orchestrator/internal/ledger"
	"github.com/hackgods/voice-appointment-orchestrator/internal/logger"
	"github.com/hackgods/voice-appointment-orchestrator/internal/metrics"
	redisclient "github.com/hackgods/voice-appointment-orchestrator/internal/redis"
	"github.com/hackgods/voice-appointment-orchestrator/internal/scheduling"
)

// expiry-worker reaps lapsed holds for a shared Postgres ledger so slots
// return to the pool even when no api-server is running.
func main() {
	cfg, err := config.Load()
	if err != nil {
		stderrLog := zerolog.New(os.Stderr)
		stderrLog.Fatal().Err(err).Msg("config load error")
	}

	log := logger.New(cfg.Env, cfg.LogLevel).With().Str("service", "expiry-worker").Logger()
	if cfg.LedgerBackend != config.BackendPostgres {
		log.Fatal().Str("ledger", cfg.LedgerBackend).Msg("expiry-worker needs LEDGER_BACKEND=postgres")
	}
	log.Info().Str("env", cfg.Env).Dur("interval", cfg.WorkerInterval).Msg("expiry-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	store := audit.NewPgStore(pgPool)
	lastSeq, err := store.LastSeq(rootCtx)
	if err != nil {
		log.Fatal().Err(err).Msg("read audit sequence")
	}
	recorder := audit.NewRecorder(store, audit.WithLogger(log), audit.WithStartSeq(lastSeq))

	var locker redisclient.Locker
	if cfg.RedisAddr != "" {
		rdb, err := redisclient.NewClient(rootCtx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn().Err(err).Msg("error closing redis")
			}
		}()
		log.Info().Msg("connected to Redis")

		locker = redisclient.NewSlotLocker(rdb, cfg.LockTTL)
		recorder.AddSink(audit.BrokerSink{
			Broker:  redisclient.NewBroker(rdb, log),
			Channel: cfg.EventsChannel,
			Origin:  uuid.NewString(),
		})
	}

	l := ledger.NewPgLedger(pgPool, locker)
	engine := scheduling.NewEngine(l, recorder, metrics.NewNop(), log, cfg.Scheduling())

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		return ledger.Reaper{
			Ledger:    l,
			Interval:  cfg.WorkerInterval,
			Log:       log,
			OnExpired: engine.HoldsExpired,
		}.Run(gctx)
	})
	g.Go(func() error {
		return recorder.RunFlusher(gctx, cfg.FlushInterval)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("expiry-worker stopped with error")
		return
	}
	log.Info().Msg("expiry-worker stopped")
}
