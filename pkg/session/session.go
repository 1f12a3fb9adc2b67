// Package session owns the lifecycle of upstream connections: one Session per
// owner, moving Disconnected -> Connecting -> Connected and back, with an
// explicit registry instead of a shared global client handle.
package session

import (
	"sync"

	"github.com/relayhq/tgrelay/pkg/upstream"
)

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Session is one authenticated handle to the upstream network. Exactly one
// owner holds it: the process in shared deployments, a single viewer
// connection otherwise.
type Session struct {
	owner string

	mu         sync.Mutex
	state      State
	subscribed bool
	client     upstream.Client
}

// Owner returns the owner key the session is registered under.
func (s *Session) Owner() string {
	return s.owner
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribed reports whether a live-update listener is registered.
func (s *Session) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

// liveClient returns the client handle if the session is connected, nil
// otherwise. Safe on a nil session.
func (s *Session) liveClient() upstream.Client {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return nil
	}
	return s.client
}
