package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/fleetmesh-project/fleetmesh/pkg/models"
)

// SessionRegistry owns every live session record. It is mutated concurrently
// by connection handlers, read by diagnostics and the admin surface, so all
// access goes through the lock.
type SessionRegistry struct {
	sessions map[string]models.Session
	mu       sync.RWMutex
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]models.Session),
	}
}

// Add inserts a freshly registered session. If the same endpoint identity
// (name + remote address) already holds a session, that older session is
// evicted and its id returned so the caller can close the dead stream: a
// reconnecting endpoint must not leak registry slots.
func (r *SessionRegistry) Add(ctx context.Context, session models.Session) (evicted string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, existing := range r.sessions {
		if existing.EndpointName == session.EndpointName && existing.RemoteAddress == session.RemoteAddress {
			delete(r.sessions, id)
			evicted = id
			break
		}
	}

	r.sessions[session.ID] = session
	log.Ctx(ctx).Info().
		Str("EndpointName", session.EndpointName).
		Msgf("Session %s registered from %s:%d", session.ID, session.RemoteAddress, session.RemotePort)
	return evicted
}

// Remove deletes a session, typically on stream close or read failure.
func (r *SessionRegistry) Remove(ctx context.Context, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return
	}
	delete(r.sessions, sessionID)
	log.Ctx(ctx).Info().Msgf("Session %s removed", sessionID)
}

func (r *SessionRegistry) Get(sessionID string) (models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return models.Session{}, NewErrSessionNotFound(sessionID)
	}
	return session, nil
}

// List returns a snapshot of all sessions ordered by connect time.
func (r *SessionRegistry) List() []models.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := lo.Values(r.sessions)
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
	})
	return sessions
}

func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Touch advances LastSeenAt. The timestamp only ever moves forward, even if
// callers race with stale clocks: liveness display depends on monotonicity.
func (r *SessionRegistry) Touch(sessionID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	if at.After(session.LastSeenAt) {
		session.LastSeenAt = at
		r.sessions[sessionID] = session
	}
}

// UpdateStatus folds a heartbeat into the session record and touches it.
func (r *SessionRegistry) UpdateStatus(sessionID string, update models.StatusUpdate, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	session.CPULoad = update.CPULoad
	session.State = update.State
	session.CurrentTaskID = update.TaskID
	if at.After(session.LastSeenAt) {
		session.LastSeenAt = at
	}
	r.sessions[sessionID] = session
}

// SetCurrentTask records a dispatched or completed task against the session.
func (r *SessionRegistry) SetCurrentTask(sessionID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	session.CurrentTaskID = taskID
	r.sessions[sessionID] = session
}
