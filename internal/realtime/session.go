package realtime

import (
	"sync"

	"github.com/Tyrowin/gochat-live/internal/auth"
)

// Conn is one live transport-level connection. The hub only stores, compares
// and writes to it.
type Conn interface {
	// ID returns a stable identifier for logs.
	ID() string
	// Send queues msg without blocking and reports whether it was accepted.
	// A closed or saturated connection returns false.
	Send(msg []byte) bool
	// Close tears the transport down. The read side then ends and calls Leave.
	Close()
}

// State is a step of the connection lifecycle.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session follows one connection through Connecting -> Authenticated -> Active
// -> Closed. Closed is terminal; a reconnecting client gets a new Session.
type Session struct {
	mu       sync.Mutex
	state    State
	identity auth.Identity
	conn     Conn
}

func newSession() *Session {
	return &Session{state: StateConnecting}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the verified user. It is the zero value before authentication.
func (s *Session) Identity() auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Conn returns the attached connection, nil before the session is active.
func (s *Session) Conn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}
