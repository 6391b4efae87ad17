// Package session holds the volatile bearer-token session and fans out a
// session:cleared / unauthorized signal. It must not import
// internal/keystore: the invariant "session cleared implies keystore
// zeroized" is wired at the internal/service level instead, keeping the two
// packages independent and separately testable.
package session

import (
	"sync"
	"time"
)

// Session is the authenticated state set on successful login.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// Store is the process-wide session singleton.
type Store struct {
	mu      sync.Mutex
	current *Session

	onUpdated []func(Session)
	onCleared []func()
	onUnauth  []func()
}

// New returns an empty session store.
func New() *Store {
	return &Store{}
}

// Set stores session and broadcasts session:updated.
func (s *Store) Set(sess Session) {
	s.mu.Lock()
	s.current = &sess
	listeners := append([]func(Session){}, s.onUpdated...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(sess)
	}
}

// Get returns the current session, or ok=false if none is set.
func (s *Store) Get() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Session{}, false
	}
	return *s.current, true
}

// Clear drops the session and broadcasts session:cleared.
func (s *Store) Clear() {
	s.mu.Lock()
	s.current = nil
	listeners := append([]func(){}, s.onCleared...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// OnUnauthorized registers a callback invoked by the HTTP client on receipt
// of a 401 response; the caller is expected to call Clear as part of its
// handler.
func (s *Store) OnUnauthorized(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUnauth = append(s.onUnauth, fn)
}

// NotifyUnauthorized invokes every registered OnUnauthorized callback. It is
// called by internal/httpapi when a request fails with 401.
func (s *Store) NotifyUnauthorized() {
	s.mu.Lock()
	listeners := append([]func(){}, s.onUnauth...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// OnUpdated registers a callback invoked whenever Set stores a new session.
func (s *Store) OnUpdated(fn func(Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdated = append(s.onUpdated, fn)
}

// OnCleared registers a callback invoked whenever Clear runs.
func (s *Store) OnCleared(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCleared = append(s.onCleared, fn)
}
