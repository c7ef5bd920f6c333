// ABOUTME: Staged specialist memory for one unit of work, carried in the context
// ABOUTME: Turns reach namespace memory only when every enclosing journal commits

package delegation

import (
	"context"
	"sync"

	"github.com/2389/coven-crew/internal/agent"
)

type journalKey struct{}

// Journal buffers the turns delegations record while some work runs. A
// journal nested inside another commits into it; the outermost one commits
// into the Delegator's memory. A discarded journal drops its turns, and
// anything recorded after Commit or Discard is ignored.
type Journal struct {
	parent *Journal

	mu    sync.Mutex
	owner *Delegator
	turns map[string][]agent.Turn
	order []string // namespace ids in first-write order
	done  bool
}

// Begin returns a context carrying a new Journal nested under the journal ctx
// already carries, if any.
func Begin(ctx context.Context) (context.Context, *Journal) {
	j := &Journal{parent: journalFrom(ctx), turns: make(map[string][]agent.Turn)}
	return context.WithValue(ctx, journalKey{}, j), j
}

// Scope adapts Begin to agent.Scope.
func Scope(ctx context.Context) (context.Context, func(keep bool)) {
	ctx, j := Begin(ctx)
	return ctx, func(keep bool) {
		if keep {
			j.Commit()
		} else {
			j.Discard()
		}
	}
}

func journalFrom(ctx context.Context) *Journal {
	j, _ := ctx.Value(journalKey{}).(*Journal)
	return j
}

func (j *Journal) record(d *Delegator, threadID string, turns ...agent.Turn) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done {
		return
	}
	j.owner = d
	if _, ok := j.turns[threadID]; !ok {
		j.order = append(j.order, threadID)
	}
	j.turns[threadID] = append(j.turns[threadID], turns...)
}

// pending returns the staged turns for threadID, outermost journal first.
func (j *Journal) pending(threadID string) []agent.Turn {
	if j == nil {
		return nil
	}
	out := j.parent.pending(threadID)
	j.mu.Lock()
	defer j.mu.Unlock()
	return append(out, j.turns[threadID]...)
}

// Commit hands the staged turns to the enclosing journal or, at the
// outermost level, to namespace memory.
func (j *Journal) Commit() {
	j.mu.Lock()
	if j.done {
		j.mu.Unlock()
		return
	}
	j.done = true
	owner, order, turns := j.owner, j.order, j.turns
	j.turns = nil
	j.mu.Unlock()

	if owner == nil {
		return
	}
	for _, id := range order {
		if j.parent != nil {
			j.parent.record(owner, id, turns[id]...)
		} else {
			owner.remember(id, turns[id]...)
		}
	}
}

// Discard drops the staged turns.
func (j *Journal) Discard() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.done = true
	j.turns = nil
}
