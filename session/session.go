// Package session carries the authenticated user through every operation, in
// place of a process-wide "current user".
package session

import (
	"context"
	"sync"
	"time"
)

// Session is one user's authenticated session.
type Session struct {
	ready chan struct{}

	mu      sync.Mutex
	uid     string
	email   string
	idToken string

	blocked     bool
	blockReason string

	// Set on background views; identity and block state live there.
	parent *Session
}

// New returns a session whose authentication is already confirmed.
func New(uid, email, idToken string) *Session {
	s := NewPending()
	s.Confirm(uid, email, idToken)
	return s
}

// NewPending returns a session whose authentication has not resolved yet.
func NewPending() *Session {
	return &Session{
		ready: make(chan struct{}),
	}
}

// Background returns a view of the session for work done without the user
// present, such as reminder auto-dispense.  It shares the identity and the
// sticky block, but never carries the user's ID token, so calls made through
// it authenticate as the service.
func (s *Session) Background() *Session {
	root := s
	if s.parent != nil {
		root = s.parent
	}
	return &Session{
		ready:  root.ready,
		parent: root,
	}
}

// IsBackground reports whether s came from Background.
func (s *Session) IsBackground() bool {
	return s.parent != nil
}

// Confirm records the authenticated identity and releases WaitReady callers.
// Only the first call has any effect, and it has none on a background view.
func (s *Session) Confirm(uid, email, idToken string) {
	if s.parent != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ready:
		return
	default:
	}
	s.uid = uid
	s.email = email
	s.idToken = idToken
	close(s.ready)
}

// WaitReady waits up to timeout for authentication to resolve, reporting
// whether it did.
func (s *Session) WaitReady(ctx context.Context, timeout time.Duration) bool {
	select {
	case <-s.ready:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.ready:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Session) UID() string {
	if s.parent != nil {
		return s.parent.UID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid
}

func (s *Session) Email() string {
	if s.parent != nil {
		return s.parent.Email()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.email
}

// IDToken is the bearer token presented when calling the safety functions on
// the user's behalf.  It is always empty on a background view.
func (s *Session) IDToken() string {
	if s.parent != nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idToken
}

// Block sets the sticky dispense block.  It stays set until ClearBlock.
func (s *Session) Block(reason string) {
	if s.parent != nil {
		s.parent.Block(reason)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = true
	s.blockReason = reason
}

// ClearBlock lifts the dispense block after a dose has passed its safety
// checks.
func (s *Session) ClearBlock() {
	if s.parent != nil {
		s.parent.ClearBlock()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = false
	s.blockReason = ""
}

// Blocked reports whether dispensing is blocked, and why.
func (s *Session) Blocked() (string, bool) {
	if s.parent != nil {
		return s.parent.Blocked()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockReason, s.blocked
}

// Registry keeps one Session per user so that the sticky block is shared by
// the HTTP API and background reminder workers.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: map[string]*Session{},
	}
}

// Get returns the session for uid, creating it if needed.  A newer ID token
// replaces the stored one.
func (r *Registry) Get(uid, email, idToken string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[uid]
	if !ok {
		s = New(uid, email, idToken)
		r.sessions[uid] = s
		return s
	}

	s.mu.Lock()
	if email != "" {
		s.email = email
	}
	if idToken != "" {
		s.idToken = idToken
	}
	s.mu.Unlock()
	return s
}
