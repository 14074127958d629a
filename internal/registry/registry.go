// Package registry tracks live client connections and their bound usernames.
package registry

import (
	"errors"
	"sync"
)

var (
	// ErrUsernameTaken rejects a registration for a username that already
	// has a live session on this node.
	ErrUsernameTaken = errors.New("username already registered")
	// ErrAlreadyRegistered rejects a second registration attempt by a
	// connection that already holds a username.
	ErrAlreadyRegistered = errors.New("connection already registered")
	// ErrAdminConnected rejects a second concurrent admin session.
	ErrAdminConnected = errors.New("admin already connected")
)

// ConnRegistry is the connection-registry contract used by the relay.
type ConnRegistry interface {
	Register(s *Session, username string, role Role) error
	Unregister(s *Session) (string, bool)
	Lookup(username string) (*Session, bool)
	Usernames() []string
	Sessions() []*Session
	HasAdmin() bool
}

// InMemory stores sessions in insertion order for stable user-list display.
type InMemory struct {
	mu      sync.RWMutex
	byName  map[string]*Session
	ordered []*Session
	admin   *Session
}

// NewInMemory builds an empty connection registry.
func NewInMemory() *InMemory {
	return &InMemory{byName: make(map[string]*Session)}
}

// Register binds a username to a session. Registration is idempotent-
// rejecting: a connection may hold at most one username, and a username at
// most one live session per node.
func (r *InMemory) Register(s *Session, username string, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.Username() != "" {
		return ErrAlreadyRegistered
	}
	if _, taken := r.byName[username]; taken {
		return ErrUsernameTaken
	}
	if role == RoleAdmin && r.admin != nil {
		return ErrAdminConnected
	}

	s.bind(username, role)
	r.byName[username] = s
	r.ordered = append(r.ordered, s)
	if role == RoleAdmin {
		r.admin = s
	}
	return nil
}

// Unregister removes the session, returning the username it held.
func (r *InMemory) Unregister(s *Session) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := s.Username()
	if name == "" {
		return "", false
	}
	if current, ok := r.byName[name]; !ok || current != s {
		return "", false
	}

	delete(r.byName, name)
	for i, sess := range r.ordered {
		if sess == s {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			break
		}
	}
	if r.admin == s {
		r.admin = nil
	}
	s.unbind()
	return name, true
}

// Lookup finds the live session for a username.
func (r *InMemory) Lookup(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[username]
	return s, ok
}

// Usernames lists registered usernames in insertion order.
func (r *InMemory) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.ordered))
	for _, s := range r.ordered {
		out = append(out, s.Username())
	}
	return out
}

// Sessions snapshots the registered sessions in insertion order.
func (r *InMemory) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Session(nil), r.ordered...)
}

// HasAdmin reports whether an admin session is currently registered.
func (r *InMemory) HasAdmin() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admin != nil
}
