package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrAlreadyExists = errors.New("session already exists")
	ErrNotFound      = errors.New("session not found")
)

// Snapshot is a read-only view of a session for dashboards.
type Snapshot struct {
	CallID            string    `json:"call_id"`
	CallerNumber      string    `json:"caller_number,omitempty"`
	RoutingKey        string    `json:"routing_key,omitempty"`
	State             string    `json:"state"`
	PatientRef        string    `json:"patient_ref,omitempty"`
	HoldID            string    `json:"hold_id,omitempty"`
	AppointmentID     string    `json:"appointment_id,omitempty"`
	Turns             int       `json:"turns"`
	CallbackRequested bool      `json:"callback_requested,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivity      time.Time `json:"last_activity"`
}

type Session interface {
	CallID() string
	Snapshot() Snapshot
}

// Registry maps call ids to live sessions. It is the only shared index of
// sessions; nothing else holds them globally.
type Registry[S Session] struct {
	mu       sync.RWMutex
	sessions map[string]S
}

func New[S Session]() *Registry[S] {
	return &Registry[S]{sessions: make(map[string]S)}
}

// Create builds and registers a session atomically. build runs under the
// registry lock and must not block.
func (r *Registry[S]) Create(callID string, build func() S) (S, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[callID]; ok {
		var zero S
		return zero, fmt.Errorf("call %s: %w", callID, ErrAlreadyExists)
	}
	s := build()
	r.sessions[callID] = s
	return s, nil
}

func (r *Registry[S]) Get(callID string) (S, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[callID]
	if !ok {
		var zero S
		return zero, fmt.Errorf("call %s: %w", callID, ErrNotFound)
	}
	return s, nil
}

// Remove is idempotent.
func (r *Registry[S]) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callID)
}

func (r *Registry[S]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns the live sessions without holding the lock afterwards.
func (r *Registry[S]) All() []S {
	r.mu.RLock()
	out := make([]S, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	return out
}

// ListActive snapshots every session, oldest first. Snapshots are taken
// after the registry lock is released and may be slightly stale.
func (r *Registry[S]) ListActive() []Snapshot {
	sessions := r.All()
	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
