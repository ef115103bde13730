// Package session maintains the authenticated session with the agent
// backend: exchanging provider tokens for a cookie session, tracking the
// session lifecycle, and downgrading locally the moment the server stops
// honoring the session.
package session

import "sync"

// State is the session lifecycle phase.
type State string

const (
	// StateChecking means a status probe is in flight.
	StateChecking State = "checking"
	// StateUnauthenticated means no valid session exists.
	StateUnauthenticated State = "unauthenticated"
	// StateLoggingIn means a login exchange is in progress.
	StateLoggingIn State = "logging-in"
	// StateAuthenticated means the backend honors the session cookie.
	StateAuthenticated State = "authenticated"
	// StateError means the last login attempt failed.
	StateError State = "error"
)

// Identity is the backend's view of the signed-in user.
type Identity struct {
	Email             string `json:"email"`
	DisplayName       string `json:"displayName"`
	GivenName         string `json:"givenName"`
	Surname           string `json:"surname"`
	JobTitle          string `json:"jobTitle"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// Snapshot is one consistent observation of the session state.
type Snapshot struct {
	State State
	User  *Identity
	Err   error
}

// Status is the observable session state container. Observers registered
// with Subscribe are invoked on every transition with the new snapshot.
type Status struct {
	mu     sync.Mutex
	cur    Snapshot
	subs   map[int]func(Snapshot)
	nextID int
}

// NewStatus starts in the unauthenticated state.
func NewStatus() *Status {
	return &Status{
		cur:  Snapshot{State: StateUnauthenticated},
		subs: map[int]func(Snapshot){},
	}
}

// Snapshot returns the current state.
func (s *Status) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Subscribe registers fn for future transitions and returns an
// unsubscribe function. fn is not called for the current state.
func (s *Status) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// set transitions to a new snapshot and notifies subscribers.
// Notification happens outside the lock so observers may read Snapshot.
func (s *Status) set(snap Snapshot) {
	s.mu.Lock()
	s.cur = snap
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
