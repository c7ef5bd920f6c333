// ABOUTME: Error values for the conversation layer
// ABOUTME: Invalid input shares the agent sentinel; storage failures carry the operation and thread

package conversation

import (
	"fmt"

	"github.com/2389/coven-crew/internal/agent"
)

// ErrInvalidArgument marks caller mistakes. It is the same sentinel as
// agent.ErrInvalidArgument, so one errors.Is check covers both packages.
var ErrInvalidArgument = agent.ErrInvalidArgument

// PersistenceError reports a storage failure other than a missing thread.
type PersistenceError struct {
	Op       string // create, get, list, search, append, delete, cleanup
	ThreadID string
	Err      error
}

func (e *PersistenceError) Error() string {
	if e.ThreadID == "" {
		return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence: %s thread %s: %v", e.Op, e.ThreadID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
