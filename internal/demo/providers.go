// Package demo generates fake providers and schedules for local runs, the
// seed command, and the call simulator.
package demo

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/hackgods/voice-appointment-orchestrator/internal/ledger"
)

var serviceTypes = []string{
	"general",
	"checkup",
	"vaccination",
	"dermatology",
	"cardiology",
	"pediatrics",
	"physiotherapy",
	"dental",
}

// Providers builds n providers with weekday working hours and distinct
// routing keys.
func Providers(faker *gofakeit.Faker, n int) []ledger.Provider {
	out := make([]ledger.Provider, 0, n)
	seen := make(map[string]bool, n)
	for len(out) < n {
		route := "+1" + faker.Phone()
		if seen[route] {
			continue
		}
		seen[route] = true

		start := faker.Number(7, 10)
		end := start + faker.Number(6, 9)
		var hours []ledger.WorkingHours
		for _, d := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday} {
			hours = append(hours, ledger.WorkingHours{
				Weekday: d,
				Start:   fmt.Sprintf("%02d:00", start),
				End:     fmt.Sprintf("%02d:00", end),
			})
		}
		if faker.Bool() {
			hours = append(hours, ledger.WorkingHours{Weekday: time.Saturday, Start: "09:00", End: "13:00"})
		}

		services := []string{"general"}
		for _, s := range serviceTypes[1:] {
			if faker.Number(0, 3) == 0 {
				services = append(services, s)
			}
		}

		out = append(out, ledger.Provider{
			ID:           uuid.New(),
			Name:         "Dr. " + faker.Name(),
			RoutingKey:   route,
			ServiceTypes: services,
			WorkingHours: hours,
			SlotLength:   time.Duration(15*faker.Number(1, 4)) * time.Minute,
		})
	}
	return out
}

// Populate registers the providers and opens slots for their working hours
// in [from, to). It returns the number of slots created.
func Populate(ctx context.Context, admin ledger.Admin, providers []ledger.Provider, from, to time.Time) (int, error) {
	total := 0
	for _, p := range providers {
		if err := admin.RegisterProvider(ctx, p); err != nil {
			return total, fmt.Errorf("register provider %s: %w", p.Name, err)
		}
		slots, err := ledger.GenerateSlots(p, from, to)
		if err != nil {
			return total, fmt.Errorf("generate slots for %s: %w", p.Name, err)
		}
		if len(slots) == 0 {
			continue
		}
		if err := admin.AddSlots(ctx, slots...); err != nil {
			return total, fmt.Errorf("add slots for %s: %w", p.Name, err)
		}
		total += len(slots)
	}
	return total, nil
}
