package mcpproxy

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sessionInvalidSubstrings are the acceptable error-message markers a
// client may grep for to detect an invalid session and re-initialize. Any
// one of them suffices; the handler itself only ever emits
// "Invalid or missing session ID".
var sessionInvalidSubstrings = []string{
	"No valid session ID provided",
	"Invalid or missing session ID",
	"Session not found",
}

// IsSessionInvalid reports whether an error message indicates a missing or
// unknown MCP session, per the three documented marker substrings.
func IsSessionInvalid(message string) bool {
	for _, marker := range sessionInvalidSubstrings {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}

// sessionStore tracks live session ids created by "initialize" calls. It is
// a process-local in-memory map; sessions do not survive a restart.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]time.Time
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]time.Time)}
}

// New mints a fresh session id and registers it as live.
func (s *sessionStore) New() string {
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = time.Now()
	s.mu.Unlock()
	return id
}

// Valid reports whether id is a live, previously-issued session.
func (s *sessionStore) Valid(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}
