package main

import (
	"context"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"

	"github.com/hackgods/voice-appointment-orchestrator/internal/config"
	"github.com/hackgods/voice-appointment-orchestrator/internal/db"
	"github.com/hackgods/voice-appointment-orchestrator/internal/demo"
	"github.com/hackgods/voice-appointment-orchestrator/internal/ledger"
	"github.com/hackgods/voice-appointment-orchestrator/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		stderrLog := zerolog.New(os.Stderr)
		stderrLog.Fatal().Err(err).Msg("config load error")
	}
	log := logger.New(cfg.Env, cfg.LogLevel).With().Str("service", "seed").Logger()

	if cfg.PostgresDSN == "" {
		log.Fatal().Msg("POSTGRES_DSN is required")
	}

	providers := config.Int("SEED_PROVIDERS", 20)
	days := config.Int("SEED_DAYS", 14)
	seed := uint64(config.Int("SEED_RANDOM", 0))
	if providers <= 0 || days <= 0 {
		log.Fatal().Int("providers", providers).Int("days", days).Msg("SEED_PROVIDERS and SEED_DAYS must be > 0")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool, log); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	l := ledger.NewPgLedger(pool, nil)
	list := demo.Providers(gofakeit.New(seed), providers)

	from := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	to := from.Add(time.Duration(days) * 24 * time.Hour)

	log.Info().Int("providers", providers).Int("days", days).Msg("seeding schedule")
	n, err := demo.Populate(ctx, l, list, from, to)
	if err != nil {
		log.Fatal().Err(err).Int("slots_created", n).Msg("seed schedule")
	}

	for _, p := range list {
		log.Info().Str("provider", p.Name).Str("routing_key", p.RoutingKey).Strs("services", p.ServiceTypes).Msg("provider seeded")
	}
	log.Info().Int("slots", n).Msg("seed complete")
}

