package demo

import (
	"context"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/voice-appointment-orchestrator/internal/ledger"
)

func TestPopulateOpensSlotsForEveryProvider(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	providers := Providers(gofakeit.New(42), 5)
	require.Len(t, providers, 5)

	routes := map[string]bool{}
	for _, p := range providers {
		assert.False(t, routes[p.RoutingKey], "routing keys are unique")
		routes[p.RoutingKey] = true
		assert.True(t, p.Offers("general"))
		assert.NotEmpty(t, p.WorkingHours)
	}

	l := ledger.NewMemory()
	from := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	to := from.Add(7 * 24 * time.Hour)
	n, err := Populate(ctx, l, providers, from, to)
	require.NoError(t, err)
	assert.Positive(t, n)

	for _, p := range providers {
		got, err := l.ProviderByRoute(ctx, p.RoutingKey)
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)

		slots, err := l.FindOpenSlots(ctx, p.ID, ledger.TimeRange{From: from, To: to}, "general")
		require.NoError(t, err)
		assert.NotEmpty(t, slots, "a full week always includes weekdays")
	}
}
