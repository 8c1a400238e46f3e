package session

import (
	"sync"

	"tradefleet/internal/events"
)

// Registry holds the active sessions keyed by account id. Reader-heavy:
// dispatch borrows sessions under the read lock; creation and
// destruction are rare and take the write lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add installs a session, replacing any previous one for the account.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.Account.ID()] = s
	r.mu.Unlock()
	events.GetMetrics().ActiveSessions.Set(float64(r.Len()))
}

// Remove drops the session for an account.
func (r *Registry) Remove(accountID string) {
	r.mu.Lock()
	delete(r.sessions, accountID)
	r.mu.Unlock()
	events.GetMetrics().ActiveSessions.Set(float64(r.Len()))
}

// Get borrows the session for an account.
func (r *Registry) Get(accountID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[accountID]
	return s, ok
}

// List returns all active sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
