package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	redisclient "github.com/hackgods/voice-appointment-orchestrator/internal/redis"
)

// PgLedger keeps the ledger in Postgres. Every mutation locks the owning
// provider rows first, then holds, then slots, so concurrent callers for the
// same provider are serialized by the database. Hold placement is additionally
// fenced by a per-slot Redis lock so that racing processes fail fast.
type PgLedger struct {
	pool   *pgxpool.Pool
	locker redisclient.Locker
	now    func() time.Time

	newCode func() string
}

var (
	_ Ledger = (*PgLedger)(nil)
	_ Admin  = (*PgLedger)(nil)
)

// NewPgLedger builds a Postgres ledger. locker may be nil.
func NewPgLedger(pool *pgxpool.Pool, locker redisclient.Locker) *PgLedger {
	return &PgLedger{
		pool:   pool,
		locker: locker,
		now:    time.Now,

		newCode: NewConfirmationCode,
	}
}

const (
	providerColumns = `id, name, routing_key, service_types, working_hours, slot_minutes, created_at`
	slotColumns     = `id, provider_id, start_time, end_time, status`
	holdColumns     = `id, slot_id, provider_id, call_id, status, expires_at, created_at, appointment_id, replaces`
	apptColumns     = `id, slot_id, provider_id, patient_ref, call_id, status, start_time, end_time,
		confirmation_code, cancel_reason, rescheduled_from, rescheduled_to, created_at, updated_at, canceled_at`
)

// Helpers

func scanProvider(row pgx.Row) (Provider, error) {
	var p Provider
	var hours []byte
	var slotMinutes int

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.RoutingKey,
		&p.ServiceTypes,
		&hours,
		&slotMinutes,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Provider{}, ErrProviderNotFound
		}
		return Provider{}, err
	}

	if len(hours) > 0 {
		if err := json.Unmarshal(hours, &p.WorkingHours); err != nil {
			return Provider{}, fmt.Errorf("decode working hours: %w", err)
		}
	}
	p.SlotLength = time.Duration(slotMinutes) * time.Minute
	return p, nil
}

func scanSlot(row pgx.Row) (Slot, error) {
	var s Slot
	var end time.Time

	err := row.Scan(
		&s.ID,
		&s.ProviderID,
		&s.StartTime,
		&end,
		&s.Status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Slot{}, ErrSlotNotFound
		}
		return Slot{}, err
	}

	s.Duration = end.Sub(s.StartTime)
	return s, nil
}

func scanHold(row pgx.Row) (Hold, error) {
	var h Hold

	err := row.Scan(
		&h.ID,
		&h.SlotID,
		&h.ProviderID,
		&h.CallID,
		&h.Status,
		&h.ExpiresAt,
		&h.CreatedAt,
		&h.AppointmentID,
		&h.Replaces,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, ErrHoldNotFound
		}
		return Hold{}, err
	}
	return h, nil
}

func scanAppointment(row pgx.Row) (Appointment, error) {
	var a Appointment
	var end time.Time

	err := row.Scan(
		&a.ID,
		&a.SlotID,
		&a.ProviderID,
		&a.PatientRef,
		&a.CallID,
		&a.Status,
		&a.StartTime,
		&end,
		&a.ConfirmationCode,
		&a.CancelReason,
		&a.RescheduledFrom,
		&a.RescheduledTo,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.CanceledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Appointment{}, ErrAppointmentNotFound
		}
		return Appointment{}, err
	}

	a.Duration = end.Sub(a.StartTime)
	return a, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// classify keeps ledger sentinels intact and folds every other storage
// failure into ErrUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrConflict, ErrExpired, ErrNotFound, ErrInvalidTransition, ErrInvalidArgument, ErrServiceNotOffered} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w: %s", op, ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func (l *PgLedger) withSlotLock(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error {
	if l.locker == nil {
		return fn(ctx)
	}
	return l.locker.WithSlotLock(ctx, slotID, fn)
}

func lockProviders(ctx context.Context, tx pgx.Tx, ids ...uuid.UUID) error {
	uniq := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}

	rows, err := tx.Query(ctx, `
		SELECT id FROM providers
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, uniq)
	if err != nil {
		return err
	}
	locked, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return err
	}
	if len(locked) != len(uniq) {
		return ErrProviderNotFound
	}
	return nil
}

func expireLapsed(ctx context.Context, tx pgx.Tx, providerID uuid.UUID, now time.Time) error {
	_, err := tx.Exec(ctx, `
		WITH lapsed AS (
			UPDATE holds
			SET status = 'expired', updated_at = now()
			WHERE provider_id = $1 AND status = 'active' AND expires_at <= $2
			RETURNING slot_id
		)
		UPDATE slots
		SET status = 'open', updated_at = now()
		WHERE id IN (SELECT slot_id FROM lapsed) AND status = 'held'
	`, providerID, now)
	if err != nil {
		return fmt.Errorf("expire lapsed holds: %w", err)
	}
	return nil
}

// Admin

func (l *PgLedger) RegisterProvider(ctx context.Context, p Provider) error {
	if p.ID == uuid.Nil {
		return fmt.Errorf("%w: provider id is required", ErrInvalidArgument)
	}
	hours, err := json.Marshal(p.WorkingHours)
	if err != nil {
		return fmt.Errorf("encode working hours: %w", err)
	}
	if p.ServiceTypes == nil {
		p.ServiceTypes = []string{}
	}

	_, err = l.pool.Exec(ctx, `
		INSERT INTO providers (id, name, routing_key, service_types, working_hours, slot_minutes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    routing_key = EXCLUDED.routing_key,
		    service_types = EXCLUDED.service_types,
		    working_hours = EXCLUDED.working_hours,
		    slot_minutes = EXCLUDED.slot_minutes
	`, p.ID, p.Name, p.RoutingKey, p.ServiceTypes, hours, int(p.SlotLength/time.Minute))
	return classify("register provider", err)
}

func (l *PgLedger) AddSlots(ctx context.Context, slots ...Slot) error {
	for i := range slots {
		if slots[i].Duration <= 0 {
			return fmt.Errorf("%w: slot duration must be positive", ErrInvalidArgument)
		}
		if slots[i].ID == uuid.Nil {
			slots[i].ID = uuid.New()
		}
		if slots[i].Status == "" {
			slots[i].Status = SlotOpen
		}
	}

	_, err := l.pool.CopyFrom(ctx,
		pgx.Identifier{"slots"},
		[]string{"id", "provider_id", "start_time", "end_time", "status"},
		pgx.CopyFromSlice(len(slots), func(i int) ([]any, error) {
			s := slots[i]
			return []any{s.ID, s.ProviderID, s.StartTime, s.EndTime(), string(s.Status)}, nil
		}),
	)
	return classify("add slots", err)
}

// Slots and holds

func (l *PgLedger) FindOpenSlots(ctx context.Context, providerID uuid.UUID, r TimeRange, serviceType string) ([]Slot, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: empty time range", ErrInvalidArgument)
	}
	p, err := l.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if !p.Offers(serviceType) {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotOffered, serviceType)
	}

	now := l.now()
	rows, err := l.pool.Query(ctx, `
		SELECT s.id, s.provider_id, s.start_time, s.end_time, s.status
		FROM slots s
		WHERE s.provider_id = $1
		  AND s.start_time >= $2 AND s.start_time < $3 AND s.start_time >= $4
		  AND (s.status = 'open' OR (s.status = 'held' AND NOT EXISTS (
		        SELECT 1 FROM holds h
		        WHERE h.slot_id = s.id AND h.status = 'active' AND h.expires_at > $4)))
		  AND NOT EXISTS (
		        SELECT 1 FROM slots o
		        LEFT JOIN holds oh ON oh.slot_id = o.id AND oh.status = 'active'
		        WHERE o.provider_id = s.provider_id AND o.id <> s.id
		          AND (o.status = 'booked' OR (o.status = 'held' AND oh.expires_at > $4))
		          AND o.start_time < s.end_time AND o.end_time > s.start_time)
		ORDER BY s.start_time
	`, providerID, r.From, r.To, now)
	if err != nil {
		return nil, classify("find open slots", err)
	}
	slots, err := collect(rows, scanSlot)
	if err != nil {
		return nil, classify("find open slots", err)
	}
	for i := range slots {
		slots[i].Status = SlotOpen
	}
	return slots, nil
}

func (l *PgLedger) PlaceHold(ctx context.Context, slotID uuid.UUID, callID string, ttl time.Duration) (Hold, error) {
	if ttl <= 0 {
		return Hold{}, fmt.Errorf("%w: hold ttl must be positive", ErrInvalidArgument)
	}

	var h Hold
	err := l.withSlotLock(ctx, slotID, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
			var err error
			h, err = l.placeHoldTx(ctx, tx, slotID, callID, ttl, nil)
			return err
		})
	})
	return h, classify("place hold", err)
}

func (l *PgLedger) placeHoldTx(ctx context.Context, tx pgx.Tx, slotID uuid.UUID, callID string, ttl time.Duration, replaces *Appointment) (Hold, error) {
	var providerID uuid.UUID
	if err := tx.QueryRow(ctx, `SELECT provider_id FROM slots WHERE id = $1`, slotID).Scan(&providerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, fmt.Errorf("%s: %w", slotID, ErrSlotNotFound)
		}
		return Hold{}, err
	}

	ids := []uuid.UUID{providerID}
	if replaces != nil {
		ids = append(ids, replaces.ProviderID)
	}
	if err := lockProviders(ctx, tx, ids...); err != nil {
		return Hold{}, err
	}

	now := l.now()
	if err := expireLapsed(ctx, tx, providerID, now); err != nil {
		return Hold{}, err
	}

	slot, err := scanSlot(tx.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1 FOR UPDATE`, slotID))
	if err != nil {
		return Hold{}, err
	}
	if slot.Status != SlotOpen {
		return Hold{}, fmt.Errorf("slot %s is %s: %w", slotID, slot.Status, ErrConflict)
	}

	var ignore, replacesID *uuid.UUID
	if replaces != nil {
		ignore = &replaces.SlotID
		replacesID = &replaces.ID
	}

	var blocked bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM slots
			WHERE provider_id = $1 AND id <> $2
			  AND ($3::uuid IS NULL OR id <> $3)
			  AND status IN ('held', 'booked')
			  AND start_time < $5 AND end_time > $4
		)
	`, providerID, slotID, ignore, slot.StartTime, slot.EndTime()).Scan(&blocked)
	if err != nil {
		return Hold{}, fmt.Errorf("overlap check: %w", err)
	}
	if blocked {
		return Hold{}, fmt.Errorf("slot %s overlaps a reserved slot: %w", slotID, ErrConflict)
	}

	h, err := scanHold(tx.QueryRow(ctx, `
		INSERT INTO holds (id, slot_id, provider_id, call_id, status, expires_at, created_at, updated_at, replaces)
		VALUES ($1, $2, $3, $4, 'active', $5, $6, $6, $7)
		RETURNING `+holdColumns,
		uuid.New(), slotID, providerID, callID, now.Add(ttl), now, replacesID))
	if err != nil {
		return Hold{}, fmt.Errorf("insert hold: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE slots SET status = 'held', updated_at = now() WHERE id = $1`, slotID); err != nil {
		return Hold{}, fmt.Errorf("mark slot held: %w", err)
	}
	return h, nil
}

func (l *PgLedger) ReleaseHold(ctx context.Context, holdID uuid.UUID) error {
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		var providerID uuid.UUID
		if err := tx.QueryRow(ctx, `SELECT provider_id FROM holds WHERE id = $1`, holdID).Scan(&providerID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%s: %w", holdID, ErrHoldNotFound)
			}
			return err
		}
		if err := lockProviders(ctx, tx, providerID); err != nil {
			return err
		}

		h, err := scanHold(tx.QueryRow(ctx, `SELECT `+holdColumns+` FROM holds WHERE id = $1 FOR UPDATE`, holdID))
		if err != nil {
			return err
		}
		switch h.Status {
		case HoldReleased, HoldExpired:
			return nil
		case HoldCommitted:
			return fmt.Errorf("%w: hold %s already committed", ErrInvalidTransition, holdID)
		}
		return releaseTx(ctx, tx, h)
	})
	return classify("release hold", err)
}

func releaseTx(ctx context.Context, tx pgx.Tx, h Hold) error {
	if _, err := tx.Exec(ctx, `UPDATE holds SET status = 'released', updated_at = now() WHERE id = $1`, h.ID); err != nil {
		return fmt.Errorf("release hold: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE slots SET status = 'open', updated_at = now() WHERE id = $1 AND status = 'held'`, h.SlotID); err != nil {
		return fmt.Errorf("reopen slot: %w", err)
	}
	return nil
}

func (l *PgLedger) CommitHold(ctx context.Context, holdID uuid.UUID, patientRef string) (Appointment, error) {
	var appt Appointment
	var stale error

	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		var providerID uuid.UUID
		var replaces *uuid.UUID
		err := tx.QueryRow(ctx, `SELECT provider_id, replaces FROM holds WHERE id = $1`, holdID).Scan(&providerID, &replaces)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%s: %w", holdID, ErrHoldNotFound)
			}
			return err
		}

		ids := []uuid.UUID{providerID}
		if replaces != nil {
			var oldProvider uuid.UUID
			if err := tx.QueryRow(ctx, `SELECT provider_id FROM appointments WHERE id = $1`, *replaces).Scan(&oldProvider); err != nil {
				return fmt.Errorf("load rescheduled appointment: %w", err)
			}
			ids = append(ids, oldProvider)
		}
		if err := lockProviders(ctx, tx, ids...); err != nil {
			return err
		}

		now := l.now()
		if err := expireLapsed(ctx, tx, providerID, now); err != nil {
			return err
		}

		h, err := scanHold(tx.QueryRow(ctx, `SELECT `+holdColumns+` FROM holds WHERE id = $1 FOR UPDATE`, holdID))
		if err != nil {
			return err
		}
		switch h.Status {
		case HoldCommitted:
			appt, err = scanAppointment(tx.QueryRow(ctx, `SELECT `+apptColumns+` FROM appointments WHERE id = $1`, *h.AppointmentID))
			return err
		case HoldExpired:
			return fmt.Errorf("commit hold %s: %w", holdID, ErrExpired)
		case HoldReleased:
			return fmt.Errorf("%w: hold %s was released", ErrInvalidTransition, holdID)
		}

		var old *Appointment
		if h.Replaces != nil {
			o, err := scanAppointment(tx.QueryRow(ctx, `SELECT `+apptColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, *h.Replaces))
			if err != nil {
				return err
			}
			if o.Status != StatusBooked {
				stale = fmt.Errorf("%w: appointment %s is no longer booked", ErrInvalidTransition, o.ID)
				return releaseTx(ctx, tx, h)
			}
			if patientRef == "" {
				patientRef = o.PatientRef
			}
			old = &o
		}

		slot, err := scanSlot(tx.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1 FOR UPDATE`, h.SlotID))
		if err != nil {
			return err
		}

		var from *uuid.UUID
		if old != nil {
			from = &old.ID
		}
		appt, err = l.insertAppointment(ctx, tx, slot, h, patientRef, from, now)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `UPDATE slots SET status = 'booked', updated_at = now() WHERE id = $1`, slot.ID); err != nil {
			return fmt.Errorf("mark slot booked: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE holds SET status = 'committed', appointment_id = $2, updated_at = now() WHERE id = $1
		`, h.ID, appt.ID); err != nil {
			return fmt.Errorf("mark hold committed: %w", err)
		}

		if old != nil {
			if _, err := tx.Exec(ctx, `
				UPDATE appointments SET status = 'rescheduled', rescheduled_to = $2, updated_at = now() WHERE id = $1
			`, old.ID, appt.ID); err != nil {
				return fmt.Errorf("mark appointment rescheduled: %w", err)
			}
			if _, err := tx.Exec(ctx, `UPDATE slots SET status = 'open', updated_at = now() WHERE id = $1`, old.SlotID); err != nil {
				return fmt.Errorf("reopen previous slot: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Appointment{}, classify("commit hold", err)
	}
	if stale != nil {
		return Appointment{}, stale
	}
	return appt, nil
}

// insertAppointment books slot for the hold's call, drawing confirmation
// codes until one is unused. A taken code inserts nothing rather than
// aborting the transaction.
func (l *PgLedger) insertAppointment(ctx context.Context, tx pgx.Tx, slot Slot, h Hold, patientRef string, from *uuid.UUID, now time.Time) (Appointment, error) {
	for range confirmationAttempts {
		appt, err := scanAppointment(tx.QueryRow(ctx, `
			INSERT INTO appointments (id, slot_id, provider_id, patient_ref, call_id, status,
				start_time, end_time, confirmation_code, rescheduled_from, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 'booked', $6, $7, $8, $9, $10, $10)
			ON CONFLICT (confirmation_code) DO NOTHING
			RETURNING `+apptColumns,
			uuid.New(), slot.ID, slot.ProviderID, patientRef, h.CallID,
			slot.StartTime, slot.EndTime(), l.newCode(), from, now))
		if errors.Is(err, ErrAppointmentNotFound) {
			continue
		}
		if err != nil {
			return Appointment{}, fmt.Errorf("insert appointment: %w", err)
		}
		return appt, nil
	}
	return Appointment{}, fmt.Errorf("insert appointment: no unused confirmation code after %d attempts", confirmationAttempts)
}

// Appointments

func (l *PgLedger) CancelAppointment(ctx context.Context, appointmentID uuid.UUID, reason string) (Slot, error) {
	var slot Slot
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		var providerID uuid.UUID
		if err := tx.QueryRow(ctx, `SELECT provider_id FROM appointments WHERE id = $1`, appointmentID).Scan(&providerID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%s: %w", appointmentID, ErrAppointmentNotFound)
			}
			return err
		}
		if err := lockProviders(ctx, tx, providerID); err != nil {
			return err
		}

		a, err := scanAppointment(tx.QueryRow(ctx, `SELECT `+apptColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, appointmentID))
		if err != nil {
			return err
		}
		switch a.Status {
		case StatusCanceled:
			slot, err = scanSlot(tx.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, a.SlotID))
			return err
		case StatusBooked:
		default:
			return fmt.Errorf("%w: cannot cancel %s appointment", ErrInvalidTransition, a.Status)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE appointments
			SET status = 'canceled', cancel_reason = $2, canceled_at = $3, updated_at = $3
			WHERE id = $1
		`, a.ID, reason, l.now()); err != nil {
			return fmt.Errorf("cancel appointment: %w", err)
		}

		slot, err = scanSlot(tx.QueryRow(ctx, `
			UPDATE slots SET status = 'open', updated_at = now() WHERE id = $1
			RETURNING `+slotColumns, a.SlotID))
		return err
	})
	return slot, classify("cancel appointment", err)
}

func (l *PgLedger) RescheduleAppointment(ctx context.Context, appointmentID, newSlotID uuid.UUID, callID string, ttl time.Duration) (Hold, error) {
	if ttl <= 0 {
		return Hold{}, fmt.Errorf("%w: hold ttl must be positive", ErrInvalidArgument)
	}

	var h Hold
	err := l.withSlotLock(ctx, newSlotID, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
			var providerID uuid.UUID
			if err := tx.QueryRow(ctx, `SELECT provider_id FROM appointments WHERE id = $1`, appointmentID).Scan(&providerID); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("%s: %w", appointmentID, ErrAppointmentNotFound)
				}
				return err
			}
			if err := lockProviders(ctx, tx, providerID); err != nil {
				return err
			}

			a, err := scanAppointment(tx.QueryRow(ctx, `SELECT `+apptColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, appointmentID))
			if err != nil {
				return err
			}
			if a.Status != StatusBooked {
				return fmt.Errorf("%w: cannot reschedule %s appointment", ErrInvalidTransition, a.Status)
			}
			if a.SlotID == newSlotID {
				return fmt.Errorf("%w: appointment already occupies slot %s", ErrInvalidTransition, newSlotID)
			}

			h, err = l.placeHoldTx(ctx, tx, newSlotID, callID, ttl, &a)
			return err
		})
	})
	return h, classify("reschedule appointment", err)
}

func (l *PgLedger) GetAppointment(ctx context.Context, id uuid.UUID) (Appointment, error) {
	a, err := scanAppointment(l.pool.QueryRow(ctx, `SELECT `+apptColumns+` FROM appointments WHERE id = $1`, id))
	return a, classify("get appointment", err)
}

func (l *PgLedger) ListAppointments(ctx context.Context, providerID uuid.UUID, r TimeRange) ([]Appointment, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE provider_id = $1 AND start_time >= $2 AND start_time < $3
		ORDER BY start_time, created_at
	`, providerID, r.From, r.To)
	if err != nil {
		return nil, classify("list appointments", err)
	}
	out, err := collect(rows, scanAppointment)
	return out, classify("list appointments", err)
}

// Providers

func (l *PgLedger) GetProvider(ctx context.Context, id uuid.UUID) (Provider, error) {
	p, err := scanProvider(l.pool.QueryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = $1`, id))
	return p, classify("get provider", err)
}

func (l *PgLedger) ProviderByRoute(ctx context.Context, routingKey string) (Provider, error) {
	p, err := scanProvider(l.pool.QueryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE routing_key = $1`, routingKey))
	return p, classify("provider by route", err)
}

func (l *PgLedger) ListProviders(ctx context.Context) ([]Provider, error) {
	rows, err := l.pool.Query(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY name`)
	if err != nil {
		return nil, classify("list providers", err)
	}
	out, err := collect(rows, scanProvider)
	return out, classify("list providers", err)
}

// Expiry

func (l *PgLedger) ActiveHolds(ctx context.Context) ([]Hold, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+holdColumns+`
		FROM holds
		WHERE status = 'active' AND expires_at > $1
		ORDER BY created_at
	`, l.now())
	if err != nil {
		return nil, classify("active holds", err)
	}
	out, err := collect(rows, scanHold)
	return out, classify("active holds", err)
}

func (l *PgLedger) ExpireHolds(ctx context.Context, now time.Time) ([]Hold, error) {
	rows, err := l.pool.Query(ctx, `
		WITH lapsed AS (
			UPDATE holds
			SET status = 'expired', updated_at = now()
			WHERE status = 'active' AND expires_at <= $1
			RETURNING `+holdColumns+`
		), reopened AS (
			UPDATE slots
			SET status = 'open', updated_at = now()
			WHERE id IN (SELECT slot_id FROM lapsed) AND status = 'held'
		)
		SELECT `+holdColumns+` FROM lapsed
	`, now)
	if err != nil {
		return nil, classify("expire holds", err)
	}
	out, err := collect(rows, scanHold)
	return out, classify("expire holds", err)
}
