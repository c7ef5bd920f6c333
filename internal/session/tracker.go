// ABOUTME: Process-wide tracker of the active thread per agent type
// ABOUTME: Guarded by a RWMutex; the last SetActive for an agent wins

package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/coven-crew/internal/agent"
)

// Tracker remembers which thread each agent is currently talking in.
// It is in-memory only and starts empty on every process start.
type Tracker struct {
	mu     sync.RWMutex
	active map[agent.Type]string
	logger *slog.Logger
}

// NewTracker creates an empty Tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		active: make(map[agent.Type]string),
		logger: logger.With("component", "session"),
	}
}

// Active returns the active thread id for t, if any.
func (s *Tracker) Active(t agent.Type) (string, bool, error) {
	if !t.Valid() {
		return "", false, unknown(t)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[t]
	return id, ok, nil
}

// SetActive records threadID as the active thread for t.
func (s *Tracker) SetActive(t agent.Type, threadID string) error {
	if !t.Valid() {
		return unknown(t)
	}
	s.mu.Lock()
	prev := s.active[t]
	s.active[t] = threadID
	s.mu.Unlock()

	if prev != threadID {
		s.logger.Debug("active thread changed", "agent", t, "thread_id", threadID, "previous", prev)
	}
	return nil
}

// Clear removes the active thread for t. Threads are not deleted.
func (s *Tracker) Clear(t agent.Type) error {
	if !t.Valid() {
		return unknown(t)
	}
	s.mu.Lock()
	delete(s.active, t)
	s.mu.Unlock()
	return nil
}

// ClearAll removes every active thread.
func (s *Tracker) ClearAll() {
	s.mu.Lock()
	clear(s.active)
	s.mu.Unlock()
}

// Forget clears every agent whose active thread is threadID.
func (s *Tracker) Forget(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t, id := range s.active {
		if id == threadID {
			delete(s.active, t)
			s.logger.Debug("forgot active thread", "agent", t, "thread_id", threadID)
		}
	}
}

// Snapshot returns a copy of the current mapping.
func (s *Tracker) Snapshot() map[agent.Type]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[agent.Type]string, len(s.active))
	for t, id := range s.active {
		out[t] = id
	}
	return out
}

func unknown(t agent.Type) error {
	return fmt.Errorf("session: %w %q", agent.ErrUnknownType, t)
}
