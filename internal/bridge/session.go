// ABOUTME: Session manager: reuses the agent session until the working directory changes
// ABOUTME: The system prompt is only applied when a session is created

package bridge

import (
	"context"
	"path/filepath"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// Session is an agent-side conversation bound to a working directory.
type Session struct {
	ID  string
	Cwd string
}

// CreateFunc asks the agent for a new session.
type CreateFunc func(ctx context.Context, cwd, systemPrompt string) (string, error)

// Sessions tracks the session serving queries.
type Sessions struct {
	mu         sync.Mutex
	defaultCwd string
	current    *Session
	gen        uint64
}

// NewSessions creates a manager; queries without a cwd use defaultCwd.
func NewSessions(defaultCwd string) *Sessions {
	return &Sessions{defaultCwd: defaultCwd}
}

// Ensure returns the current session when its cwd matches, or creates one.
// created reports whether create was called and succeeded. On failure the
// previous session is left in place.
func (s *Sessions) Ensure(ctx context.Context, cwd, systemPrompt string, create CreateFunc) (Session, bool, error) {
	s.mu.Lock()
	key := normalizeCwd(cwd, s.defaultCwd)
	if s.current != nil && s.current.Cwd == key {
		sess := *s.current
		s.mu.Unlock()
		return sess, false, nil
	}
	gen := s.gen
	s.mu.Unlock()

	id, err := create(ctx, key, systemPrompt)
	if err != nil {
		return Session{}, false, err
	}

	sess := Session{ID: id, Cwd: key}
	s.mu.Lock()
	if s.gen == gen {
		s.current = &sess
	}
	s.mu.Unlock()
	return sess, true, nil
}

// Current returns the active session, if any.
func (s *Sessions) Current() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Session{}, false
	}
	return *s.current, true
}

// Reset forgets the current session; the agent that owned it is gone.
func (s *Sessions) Reset() {
	s.mu.Lock()
	s.current = nil
	s.gen++
	s.mu.Unlock()
}

// normalizeCwd makes equivalent spellings of a directory compare equal.
func normalizeCwd(cwd, def string) string {
	if cwd == "" {
		cwd = def
	}
	if cwd == "" {
		return ""
	}
	return filepath.Clean(norm.NFC.String(cwd))
}
