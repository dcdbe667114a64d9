// Package registry keeps the authoritative in-memory set of authenticated
// chat sessions and answers every "who is online" question for the relay.
package registry

import (
	"errors"
	"sync"
)

var (
	// ErrUsernameTaken is returned by Register when a live session already
	// holds the requested username.
	ErrUsernameTaken = errors.New("registry: username already taken")
	// ErrDuplicateSession is returned by Register when the connection already
	// has a session. Callers reaching this have a bug.
	ErrDuplicateSession = errors.New("registry: connection already has a session")
)

// ConnID identifies one transport connection for its whole lifetime.
type ConnID string

// Session is the server-side record of one authenticated connection.
type Session struct {
	ConnID   ConnID
	Username string
	Typing   bool
}

// Registry maps connection ids to sessions. Usernames are unique among live
// sessions and usernames are listed in join order.
type Registry struct {
	mu       sync.RWMutex
	sessions map[ConnID]*Session
	order    []ConnID
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[ConnID]*Session),
	}
}

// IsUsernameTaken reports whether a live session uses exactly name.
func (r *Registry) IsUsernameTaken(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.usernameTakenLocked(name)
}

func (r *Registry) usernameTakenLocked(name string) bool {
	for _, s := range r.sessions {
		if s.Username == name {
			return true
		}
	}
	return false
}

// Register creates a session for id. The uniqueness check and the insert
// happen under the same lock, so two concurrent registrations of one name
// cannot both succeed.
func (r *Registry) Register(id ConnID, username string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return Session{}, ErrDuplicateSession
	}
	if r.usernameTakenLocked(username) {
		return Session{}, ErrUsernameTaken
	}

	s := &Session{ConnID: id, Username: username}
	r.sessions[id] = s
	r.order = append(r.order, id)
	return *s, nil
}

// Unregister removes the session for id and returns it. The second result is
// false when id never authenticated.
func (r *Registry) Unregister(id ConnID) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, id)
	for i, cid := range r.order {
		if cid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return *s, true
}

// SetTyping updates the typing flag and reports whether it changed.
// Unknown connections never change.
func (r *Registry) SetTyping(id ConnID, typing bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.Typing == typing {
		return false
	}
	s.Typing = typing
	return true
}

// Lookup returns a copy of the session for id.
func (r *Registry) Lookup(id ConnID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// ListUsernames returns the live usernames in join order. The result is
// never nil so it encodes as an empty JSON array.
func (r *Registry) ListUsernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.order))
	for _, id := range r.order {
		names = append(names, r.sessions[id].Username)
	}
	return names
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
