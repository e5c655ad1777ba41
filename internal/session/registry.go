package session

import (
	"errors"
	"sync"
	"time"
)

// ErrNoSession is returned when no session has been published yet
var ErrNoSession = errors.New("no active measurement session")

// Registry holds the currently active session and the sessions it superseded.
// Only the orchestrator publishes; uploader and subscriber read snapshots.
type Registry struct {
	current *Session
	history []*Session
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Publish makes s the current session and moves the previous one to history
func (r *Registry) Publish(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		r.current.RetiredAt = time.Now()
		r.history = append(r.history, r.current)
	}
	r.current = s
}

// Retire moves the current session to history without replacing it
func (r *Registry) Retire() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return
	}
	r.current.RetiredAt = time.Now()
	r.history = append(r.history, r.current)
	r.current = nil
}

// Current returns a copy of the current session
func (r *Registry) Current() (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.current == nil {
		return Session{}, ErrNoSession
	}
	return *r.current, nil
}

// CurrentID returns the id of the current session, or "" if there is none
func (r *Registry) CurrentID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.current == nil {
		return ""
	}
	return r.current.ID
}

// Consume records one accepted chunk against the session with the given id.
// The budget saturates at zero; the return value reports whether the chunk
// fit inside the budget. Chunks acknowledged by a superseded session are ignored.
func (r *Registry) Consume(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil || r.current.ID != id {
		return false
	}
	r.current.ChunksAccepted++
	if r.current.ChunksRemainingBudget == 0 {
		return false
	}
	r.current.ChunksRemainingBudget--
	return true
}

// Accepted returns how many chunks the session with the given id accepted,
// whether it is current or retired
func (r *Registry) Accepted(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.current != nil && r.current.ID == id {
		return r.current.ChunksAccepted
	}
	for _, s := range r.history {
		if s.ID == id {
			return s.ChunksAccepted
		}
	}
	return 0
}

// History returns copies of all retired sessions, oldest first
func (r *Registry) History() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.history))
	for _, s := range r.history {
		out = append(out, *s)
	}
	return out
}

// Count returns the number of sessions ever published
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.history)
	if r.current != nil {
		n++
	}
	return n
}
