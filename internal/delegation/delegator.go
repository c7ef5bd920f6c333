// ABOUTME: Delegated calls from the supervisor to the research and writer specialists
// ABOUTME: Each specialist runs in its own thread namespace; failures degrade into sub-replies

package delegation

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-crew/internal/agent"
)

// namespace seeds the name-based UUIDs of specialist threads.
var namespace = uuid.MustParse("6f1c2a7e-3b9d-4e52-8a41-c0ffee2389aa")

// DefaultMemoryTurns is how many prior turns a specialist namespace keeps.
const DefaultMemoryTurns = 20

// DefaultMaxNamespaces caps how many specialist namespaces are remembered.
// The least recently written is dropped first.
const DefaultMaxNamespaces = 1024

// Invoker runs one agent call with retries.
type Invoker interface {
	Invoke(ctx context.Context, req agent.Request) (*agent.Reply, error)
}

// Delegator forwards tasks to specialists on behalf of the supervisor.
type Delegator struct {
	invoker       Invoker
	memoryTurns   int
	maxNamespaces int
	logger        *slog.Logger

	mu     sync.Mutex
	memory map[string]*namespaceMemory // keyed by namespace thread id
	recent *list.List                  // namespace ids, least recently written at front
}

type namespaceMemory struct {
	turns   []agent.Turn
	element *list.Element
}

// Option configures a Delegator.
type Option func(*Delegator)

// WithMemoryTurns caps the history kept per specialist namespace.
func WithMemoryTurns(n int) Option {
	return func(d *Delegator) {
		if n >= 0 {
			d.memoryTurns = n
		}
	}
}

// WithMaxNamespaces caps how many namespaces keep memory.
func WithMaxNamespaces(n int) Option {
	return func(d *Delegator) {
		if n > 0 {
			d.maxNamespaces = n
		}
	}
}

// New creates a Delegator.
func New(invoker Invoker, logger *slog.Logger, opts ...Option) *Delegator {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Delegator{
		invoker:       invoker,
		memoryTurns:   DefaultMemoryTurns,
		maxNamespaces: DefaultMaxNamespaces,
		logger:        logger.With("component", "delegation"),
		memory:        make(map[string]*namespaceMemory),
		recent:        list.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NamespaceID is the specialist's thread id under a parent thread. The same
// parent and specialist always map to the same id.
func NamespaceID(parentThreadID string, specialist agent.Type) string {
	return uuid.NewSHA1(namespace, []byte(parentThreadID+"/"+specialist.String())).String()
}

// Delegate runs task on specialist within parentThreadID's namespace.
// It never returns an error: failures come back as a SubReply with Failed set
// and a user-presentable Text.
//
// When ctx carries a Journal the exchange is staged there instead of going
// straight to namespace memory; see Begin.
func (d *Delegator) Delegate(ctx context.Context, parentThreadID string, specialist agent.Type, task string) agent.SubReply {
	sub := agent.SubReply{Agent: specialist, Task: task}
	if !specialist.IsSpecialist() {
		sub.Failed = true
		sub.Error = fmt.Sprintf("%q is not a specialist", specialist)
		sub.Text = fmt.Sprintf("Unable to delegate to %s: only research and writer accept delegated work.", specialist)
		return sub
	}
	sub.ThreadID = NamespaceID(parentThreadID, specialist)
	logger := d.logger.With("parent_thread_id", parentThreadID, "thread_id", sub.ThreadID, "agent", specialist)

	if strings.TrimSpace(task) == "" {
		sub.Failed = true
		sub.Error = "empty task"
		sub.Text = degradedText(specialist, "no task was given")
		return sub
	}

	reply, err := d.invoker.Invoke(ctx, agent.Request{
		Agent:    specialist,
		ThreadID: sub.ThreadID,
		Message:  task,
		History:  d.recall(ctx, sub.ThreadID),
	})
	if err != nil {
		sub.Failed = true
		sub.Error = err.Error()
		sub.Attempts = attempts(err)
		sub.Text = degradedText(specialist, reason(specialist, err))
		logger.Warn("delegated call failed", "attempts", sub.Attempts, "error", err)
		return sub
	}

	sub.Text = reply.Text
	d.record(ctx, sub.ThreadID,
		agent.Turn{Role: agent.RoleUser, Content: task, Author: agent.Supervisor.DisplayName()},
		agent.Turn{Role: agent.RoleAssistant, Content: reply.Text, Author: reply.Author},
	)
	logger.Debug("delegated call completed", "reply_len", len(reply.Text))
	return sub
}

// Chain delegates task to each specialist in order. Every step after the
// first receives the task plus the previous step's output; a failed step is
// passed on as a note so the next specialist can still work.
func (d *Delegator) Chain(ctx context.Context, parentThreadID, task string, order ...agent.Type) []agent.SubReply {
	subs := make([]agent.SubReply, 0, len(order))
	for i, specialist := range order {
		input := task
		if i > 0 {
			input = chainInput(task, subs[i-1])
		}
		sub := d.Delegate(ctx, parentThreadID, specialist, input)
		sub.Chained = true
		subs = append(subs, sub)
	}
	return subs
}

func chainInput(task string, prev agent.SubReply) string {
	var b strings.Builder
	b.WriteString(task)
	b.WriteString("\n\n")
	if prev.Failed {
		fmt.Fprintf(&b, "Note: the %s step failed (%s). Work with what is available.", stepName(prev.Agent), prev.Error)
		return b.String()
	}
	fmt.Fprintf(&b, "Input from the %s:\n%s", prev.Agent.DisplayName(), prev.Text)
	return b.String()
}

// Forget drops the namespace memory of both specialists under parentThreadID.
func (d *Delegator) Forget(parentThreadID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range []agent.Type{agent.Research, agent.Writer} {
		d.dropLocked(NamespaceID(parentThreadID, t))
	}
}

// Namespaces is the number of namespaces holding memory.
func (d *Delegator) Namespaces() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.memory)
}

// recall returns the committed memory of threadID followed by any turns
// staged for it in ctx's journals, trimmed to the memory limit.
func (d *Delegator) recall(ctx context.Context, threadID string) []agent.Turn {
	if d.memoryTurns == 0 {
		return nil
	}
	d.mu.Lock()
	var turns []agent.Turn
	if m, ok := d.memory[threadID]; ok {
		turns = append(turns, m.turns...)
	}
	d.mu.Unlock()

	turns = append(turns, journalFrom(ctx).pending(threadID)...)
	if over := len(turns) - d.memoryTurns; over > 0 {
		turns = turns[over:]
	}
	return turns
}

func (d *Delegator) record(ctx context.Context, threadID string, turns ...agent.Turn) {
	if j := journalFrom(ctx); j != nil {
		j.record(d, threadID, turns...)
		return
	}
	d.remember(threadID, turns...)
}

func (d *Delegator) remember(threadID string, turns ...agent.Turn) {
	if d.memoryTurns == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.memory[threadID]
	if !ok {
		m = &namespaceMemory{element: d.recent.PushBack(threadID)}
		d.memory[threadID] = m
	} else {
		d.recent.MoveToBack(m.element)
	}
	mem := append(m.turns, turns...)
	if over := len(mem) - d.memoryTurns; over > 0 {
		mem = append([]agent.Turn(nil), mem[over:]...)
	}
	m.turns = mem

	for len(d.memory) > d.maxNamespaces {
		oldest, _ := d.recent.Front().Value.(string)
		d.dropLocked(oldest)
	}
}

func (d *Delegator) dropLocked(threadID string) {
	if m, ok := d.memory[threadID]; ok {
		d.recent.Remove(m.element)
		delete(d.memory, threadID)
	}
}

func stepName(t agent.Type) string {
	if t == agent.Writer {
		return "writing"
	}
	return t.String()
}

func degradedText(t agent.Type, why string) string {
	return fmt.Sprintf("Unable to complete the %s step: %s.", stepName(t), why)
}

func reason(t agent.Type, err error) string {
	var unavailable *agent.UnavailableError
	if errors.As(err, &unavailable) {
		return fmt.Sprintf("the %s is unavailable after %d attempts", t.DisplayName(), unavailable.Attempts)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "the request was cancelled"
	}
	var ae *agent.Error
	if errors.As(err, &ae) {
		return fmt.Sprintf("the %s returned an error (%s)", t.DisplayName(), ae.Kind)
	}
	return fmt.Sprintf("the %s returned an error", t.DisplayName())
}

func attempts(err error) int {
	var unavailable *agent.UnavailableError
	if errors.As(err, &unavailable) {
		return unavailable.Attempts
	}
	var call *agent.CallError
	if errors.As(err, &call) {
		return call.Attempts
	}
	return 1
}
