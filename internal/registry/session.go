package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

const sendBufferSize = 64

// Role is the privilege level bound to a registered session.
type Role string

const (
	RoleRegular Role = "regular"
	RoleAdmin   Role = "admin"
)

// ErrSessionClosed is returned by Push once the session is torn down.
var ErrSessionClosed = errors.New("session closed")

// Session is one live client connection. It is created unregistered; the
// membership gate promotes it by binding a username through the registry.
type Session struct {
	id          string
	sendCh      chan []byte
	ctx         context.Context
	cancel      context.CancelFunc
	connectedAt time.Time

	mu       sync.Mutex
	username string
	role     Role
	pending  string
}

// NewSession allocates a session bound to the connection's context.
func NewSession(parent context.Context) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		id:          newSessionID(),
		sendCh:      make(chan []byte, sendBufferSize),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: time.Now(),
	}
}

// ID returns the opaque connection handle.
func (s *Session) ID() string { return s.id }

// Username returns the bound username, empty until registration completes.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Role reports the session privilege level.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// IsAdmin reports whether this session authenticated as the admin identity.
func (s *Session) IsAdmin() bool { return s.Role() == RoleAdmin }

// SetPending marks the username this session is waiting on approval for.
func (s *Session) SetPending(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = username
}

// Pending returns the username awaiting an admin decision, if any.
func (s *Session) Pending() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Session) bind(username string, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
	s.role = role
	s.pending = ""
}

func (s *Session) unbind() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := s.username
	s.username = ""
	s.role = ""
	return name
}

// Push queues a frame for the connection writer. A full buffer cancels the
// session rather than blocking the relay pipeline.
func (s *Session) Push(frame []byte) error {
	select {
	case <-s.ctx.Done():
		return ErrSessionClosed
	case s.sendCh <- frame:
		return nil
	default:
		s.cancel()
		return ErrSessionClosed
	}
}

// Frames exposes the outbound queue to the connection writer goroutine.
func (s *Session) Frames() <-chan []byte { return s.sendCh }

// Done signals connection teardown.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Close cancels the session's context. Safe to call repeatedly.
func (s *Session) Close() { s.cancel() }

// ConnectedAt reports when the socket was accepted.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

func newSessionID() string {
	var raw [12]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(raw[:])
}
