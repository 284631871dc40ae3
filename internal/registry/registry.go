package registry

import (
	"sync"

	"github.com/classmesh/signaling/pkg/metrics"
)

// Session is the registry's view of one live, authenticated socket connection.
// The gateway's session type implements it; coordinators only ever see this
// interface so they can be tested against in-memory fakes.
type Session interface {
	ID() string
	UserID() string
	// Send enqueues an event for delivery to this session. It reports false
	// when the session's outbound buffer is gone or full, which callers treat
	// as an implicit disconnect.
	Send(name string, payload any) bool
}

// Registry is the process-wide mapping from authenticated users to their live
// sessions. A user may hold several sessions across devices, so the user index
// maps to a set.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
	byUser   map[string]map[string]Session
}

// New constructs an empty connection registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]Session),
		byUser:   make(map[string]map[string]Session),
	}
}

// Add registers a session under its user. It reports true when this is the
// user's first live session (the 0→1 presence transition).
func (r *Registry) Add(s Session) bool {
	if s == nil || s.ID() == "" || s.UserID() == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID()]; exists {
		return false
	}

	r.sessions[s.ID()] = s

	userSessions := r.byUser[s.UserID()]
	first := len(userSessions) == 0
	if userSessions == nil {
		userSessions = make(map[string]Session)
		r.byUser[s.UserID()] = userSessions
	}
	userSessions[s.ID()] = s

	metrics.ConnectedSessions.Set(float64(len(r.sessions)))
	metrics.OnlineUsers.Set(float64(len(r.byUser)))

	return first
}

// Remove deregisters a session. It reports (removed, last): removed is false
// when the session was not registered, last is true when this was the user's
// final live session (the 1→0 presence transition).
func (r *Registry) Remove(s Session) (removed, last bool) {
	if s == nil {
		return false, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID()]; !exists {
		return false, false
	}
	delete(r.sessions, s.ID())

	userSessions := r.byUser[s.UserID()]
	delete(userSessions, s.ID())
	if len(userSessions) == 0 {
		delete(r.byUser, s.UserID())
		last = true
	}

	metrics.ConnectedSessions.Set(float64(len(r.sessions)))
	metrics.OnlineUsers.Set(float64(len(r.byUser)))

	return true, last
}

// Get returns the session registered under the supplied id.
func (r *Registry) Get(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	return s, ok
}

// SessionsFor returns a snapshot of every live session for the user.
func (r *Registry) SessionsFor(userID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userSessions := r.byUser[userID]
	if len(userSessions) == 0 {
		return nil
	}

	result := make([]Session, 0, len(userSessions))
	for _, s := range userSessions {
		result = append(result, s)
	}
	return result
}

// IsOnline reports whether the user has at least one live session.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byUser[userID]) > 0
}

// ForEachSessionOf invokes fn for every live session of the user. The
// iteration works on a snapshot so fn may add or remove sessions.
func (r *Registry) ForEachSessionOf(userID string, fn func(Session)) {
	for _, s := range r.SessionsFor(userID) {
		fn(s)
	}
}

// SessionCount returns the number of live sessions across all users.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// OnlineCount returns the number of users with at least one live session.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byUser)
}
