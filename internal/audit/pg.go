package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore persists events in the event_logs table.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Append(ctx context.Context, ev Event) error {
	var payload []byte
	if len(ev.Payload) > 0 {
		payload = ev.Payload
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_logs (seq, call_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (seq) DO NOTHING
	`, ev.Seq, ev.CallID, string(ev.Type), payload, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func scanEvent(row pgx.Row) (Event, error) {
	var ev Event
	var typ string
	var payload []byte
	if err := row.Scan(&ev.Seq, &ev.CallID, &typ, &payload, &ev.Timestamp); err != nil {
		return Event{}, err
	}
	ev.Type = EventType(typ)
	ev.Payload = payload
	return ev, nil
}

func (s *PgStore) query(ctx context.Context, sql string, args ...any) ([]Event, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PgStore) ByCall(ctx context.Context, callID string) ([]Event, error) {
	out, err := s.query(ctx, `
		SELECT seq, call_id, event_type, payload, created_at
		FROM event_logs
		WHERE call_id = $1
		ORDER BY created_at, seq
	`, callID)
	if err != nil {
		return nil, fmt.Errorf("events by call: %w", err)
	}
	return out, nil
}

func (s *PgStore) Since(ctx context.Context, seq int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 500
	}
	out, err := s.query(ctx, `
		SELECT seq, call_id, event_type, payload, created_at
		FROM event_logs
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2
	`, seq, limit)
	if err != nil {
		return nil, fmt.Errorf("events since %d: %w", seq, err)
	}
	return out, nil
}

func (s *PgStore) LastSeq(ctx context.Context) (int64, error) {
	var last int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM event_logs`).Scan(&last); err != nil {
		return 0, fmt.Errorf("last event seq: %w", err)
	}
	return last, nil
}
