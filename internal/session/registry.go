// Package session tracks live subscriber sessions and their recompute
// claims.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/pulseboard/internal/domain"
	"github.com/google/uuid"
)

// ErrUnknownSession reports an operation against a session id that is not
// live. Usually a disconnect racing a trigger; callers treat it as a no-op.
var ErrUnknownSession = errors.New("session: unknown session")

type record struct {
	partitionKey string
	lastSent     domain.AggregateResult
	computing    bool
	pending      bool
}

// Registry owns all live sessions. Session lifecycle state lives here and
// only here; nothing is attached to transport connections.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*record)}
}

// Register creates a session with an empty partition key and returns its id.
func (r *Registry) Register() string {
	id := uuid.NewString()

	r.mu.Lock()
	r.sessions[id] = &record{}
	r.mu.Unlock()

	slog.Info("Session registered", "session_id", id)
	return id
}

// SetPartitionKey updates the session's partition key and returns the
// previous value.
func (r *Registry) SetPartitionKey(id, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return "", fmt.Errorf("set partition key %s: %w", id, ErrUnknownSession)
	}
	prev := s.partitionKey
	s.partitionKey = key
	return prev, nil
}

// Unregister removes the session. Any in-flight recompute claim dies with
// it: EndCompute on a dead id reports no follow-up, and the completing
// computation's result is discarded by the liveness check before push.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("unregister %s: %w", id, ErrUnknownSession)
	}
	delete(r.sessions, id)
	slog.Info("Session unregistered", "session_id", id)
	return nil
}

// ForEachLive applies fn to a snapshot of the sessions live at call time.
// Sessions registered or unregistered during iteration are not visited.
// fn runs outside the registry lock and may call back into the registry.
func (r *Registry) ForEachLive(fn func(id string)) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		fn(id)
	}
}

// BeginCompute claims the session's single recompute slot and returns the
// current partition key. ok is false when the id is dead or a computation is
// already in flight; in the latter case the trigger is remembered and the
// matching EndCompute reports it.
func (r *Registry) BeginCompute(id string) (key string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, live := r.sessions[id]
	if !live {
		return "", false
	}
	if s.computing {
		s.pending = true
		return "", false
	}
	s.computing = true
	return s.partitionKey, true
}

// EndCompute releases the claim and reports whether a trigger arrived while
// the computation was in flight.
func (r *Registry) EndCompute(id string) (again bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, live := r.sessions[id]
	if !live {
		return false
	}
	s.computing = false
	again = s.pending
	s.pending = false
	return again
}

// SetLastSent records the aggregate most recently pushed to the session.
// A dead id is ignored.
func (r *Registry) SetLastSent(id string, res domain.AggregateResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		s.lastSent = res
	}
}

// LastSent returns the aggregate most recently pushed to the session, or
// false if the session is dead or nothing has been pushed yet.
func (r *Registry) LastSent(id string) (domain.AggregateResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok || s.lastSent == nil {
		return nil, false
	}
	return s.lastSent, true
}

// Live reports whether the session id is registered.
func (r *Registry) Live(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
