package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

type Option func(*Recorder)

func WithSinks(sinks ...Sink) Option {
	return func(r *Recorder) {
		r.sinks = append(r.sinks, sinks...)
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(r *Recorder) {
		r.log = log
	}
}

// WithRetry bounds how hard Record tries the store before parking an event.
func WithRetry(attempts uint64, initial time.Duration) Option {
	return func(r *Recorder) {
		r.attempts = attempts
		r.initial = initial
	}
}

// WithStartSeq continues numbering after seq, typically Store.LastSeq.
func WithStartSeq(seq int64) Option {
	return func(r *Recorder) {
		r.seq.Store(seq)
	}
}

// Recorder stamps and persists audit events. Events the store rejects are
// kept in memory and re-appended by Flush, so nothing recorded is lost while
// the process lives.
type Recorder struct {
	store Store
	sinks []Sink
	log   zerolog.Logger
	now   func() time.Time
	seq   atomic.Int64

	attempts uint64
	initial  time.Duration

	mu        sync.Mutex
	pending   []Event
	unsettled map[int64]struct{} // stamped but not yet in the store
}

func NewRecorder(store Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:    store,
		log:      zerolog.Nop(),
		now:      time.Now,
		attempts: 3,
		initial:  50 * time.Millisecond,

		unsettled: make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddSink attaches a sink after construction.
func (r *Recorder) AddSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Record appends an event. It never fails the caller: the call's own context
// may already be canceled by a hangup, so persistence runs detached from it.
func (r *Recorder) Record(ctx context.Context, callID string, typ EventType, payload any) Event {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			r.log.Error().Err(err).Str("event_type", string(typ)).Msg("failed to marshal event payload")
		} else {
			data = b
		}
	}

	ev := Event{
		Timestamp: r.now().UTC(),
		CallID:    callID,
		Type:      typ,
		Payload:   data,
	}
	r.mu.Lock()
	ev.Seq = r.seq.Add(1)
	r.unsettled[ev.Seq] = struct{}{}
	r.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	err := r.append(detached, ev)
	r.mu.Lock()
	if err != nil {
		r.log.Warn().Err(err).Int64("seq", ev.Seq).Str("event_type", string(typ)).Msg("audit append failed, parking event")
		r.pending = append(r.pending, ev)
	} else {
		delete(r.unsettled, ev.Seq)
	}
	r.mu.Unlock()

	r.mu.Lock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.Unlock()
	for _, s := range sinks {
		if err := s.Publish(detached, ev); err != nil {
			r.log.Debug().Err(err).Int64("seq", ev.Seq).Msg("audit sink publish failed")
		}
	}
	return ev
}

func (r *Recorder) append(ctx context.Context, ev Event) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.initial
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = eb
	if r.attempts > 0 {
		b = backoff.WithMaxRetries(eb, r.attempts-1)
	}
	return backoff.Retry(func() error {
		return r.store.Append(ctx, ev)
	}, backoff.WithContext(b, ctx))
}

// Flush re-appends parked events. Events that still fail stay parked.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	parked := r.pending
	r.pending = nil
	r.mu.Unlock()

	var failed []Event
	var errs []error
	for _, ev := range parked {
		if err := r.append(ctx, ev); err != nil {
			failed = append(failed, ev)
			errs = append(errs, err)
			continue
		}
		r.mu.Lock()
		delete(r.unsettled, ev.Seq)
		r.mu.Unlock()
	}

	if len(failed) > 0 {
		r.mu.Lock()
		r.pending = append(failed, r.pending...)
		r.mu.Unlock()
		return fmt.Errorf("flush audit log: %d events still pending: %w", len(failed), errors.Join(errs...))
	}
	return nil
}

func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Recorder) History(ctx context.Context, callID string) ([]Event, error) {
	return r.store.ByCall(ctx, callID)
}

// Since returns stored events after seq, stopping short of the oldest event
// that is still being appended or is parked. A client that advances its
// cursor to the last returned seq never skips an event that lands later.
func (r *Recorder) Since(ctx context.Context, seq int64, limit int) ([]Event, error) {
	horizon := r.horizon()
	events, err := r.store.Since(ctx, seq, limit)
	if err != nil {
		return nil, err
	}
	for i, ev := range events {
		if ev.Seq >= horizon {
			return events[:i], nil
		}
	}
	return events, nil
}

// horizon is the lowest seq not yet known to be in the store.
func (r *Recorder) horizon() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.seq.Load() + 1
	for seq := range r.unsettled {
		if seq < h {
			h = seq
		}
	}
	return h
}

// RunFlusher retries parked events on every tick until ctx is done.
func (r *Recorder) RunFlusher(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			err := r.Flush(flushCtx)
			cancel()
			if err != nil {
				r.log.Error().Err(err).Msg("final audit flush failed")
			}
			return nil
		case <-ticker.C:
			if r.Pending() == 0 {
				continue
			}
			if err := r.Flush(ctx); err != nil {
				r.log.Warn().Err(err).Msg("audit flush incomplete")
			}
		}
	}
}
