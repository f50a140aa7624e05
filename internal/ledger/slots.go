package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const defaultSlotLength = 30 * time.Minute

// GenerateSlots expands the provider's weekly working hours into open slots
// whose start falls within [from, to). Windows are interpreted in UTC.
func GenerateSlots(p Provider, from, to time.Time) ([]Slot, error) {
	slotLen := p.SlotLength
	if slotLen <= 0 {
		slotLen = defaultSlotLength
	}
	from, to = from.UTC(), to.UTC()

	var out []Slot
	startDate := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	for day := startDate; day.Before(to); day = day.AddDate(0, 0, 1) {
		for _, wh := range p.WorkingHours {
			if day.Weekday() != wh.Weekday {
				continue
			}
			startTOD, err := parseHHMM(wh.Start)
			if err != nil {
				return nil, err
			}
			endTOD, err := parseHHMM(wh.End)
			if err != nil {
				return nil, err
			}
			if endTOD <= startTOD {
				return nil, fmt.Errorf("%w: working hours end %s must be after start %s", ErrInvalidArgument, wh.End, wh.Start)
			}

			windowEnd := day.Add(endTOD)
			for s := day.Add(startTOD); !s.Add(slotLen).After(windowEnd); s = s.Add(slotLen) {
				if s.Before(from) || !s.Before(to) {
					continue
				}
				out = append(out, Slot{
					ID:         uuid.New(),
					ProviderID: p.ID,
					StartTime:  s,
					Duration:   slotLen,
					Status:     SlotOpen,
				})
			}
		}
	}
	return out, nil
}

// parseHHMM returns the offset from midnight for "HH:MM" (trailing seconds are ignored).
func parseHHMM(s string) (time.Duration, error) {
	if len(s) < 5 {
		return 0, fmt.Errorf("%w: invalid time of day %q", ErrInvalidArgument, s)
	}
	t, err := time.Parse("15:04", s[:5])
	if err != nil {
		return 0, fmt.Errorf("%w: invalid time of day %q", ErrInvalidArgument, s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
