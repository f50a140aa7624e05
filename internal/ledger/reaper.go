package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Reaper periodically returns lapsed holds to the open pool.
type Reaper struct {
	Ledger    Ledger
	Interval  time.Duration
	Log       zerolog.Logger
	Now       func() time.Time
	OnExpired func(ctx context.Context, holds []Hold)
}

// Run sweeps once at startup and then on every tick until ctx is done.
func (r Reaper) Run(ctx context.Context) error {
	if r.Interval <= 0 {
		r.Interval = time.Minute
	}
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Log.Info().Msg("hold reaper stopping")
			return nil
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

func (r Reaper) RunOnce(ctx context.Context) int {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}

	start := time.Now()
	expired, err := r.Ledger.ExpireHolds(runCtx, now())
	if err != nil {
		r.Log.Error().Err(err).Msg("hold expiry run failed")
		return 0
	}
	if len(expired) > 0 && r.OnExpired != nil {
		r.OnExpired(runCtx, expired)
	}
	r.Log.Debug().Int("expired", len(expired)).Dur("took", time.Since(start)).Msg("hold expiry run complete")
	return len(expired)
}
