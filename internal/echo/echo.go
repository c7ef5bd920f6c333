// ABOUTME: Offline agent backend with deterministic markdown replies and keyword routing
// ABOUTME: Lets the crew run end to end without model credentials

package echo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/2389/coven-crew/internal/agent"
)

// Delegator hands work to the specialists.
type Delegator interface {
	Delegate(ctx context.Context, parentThreadID string, specialist agent.Type, task string) agent.SubReply
	Chain(ctx context.Context, parentThreadID, task string, order ...agent.Type) []agent.SubReply
}

var (
	researchWords = []string{"research", "find", "look up", "search", "facts", "compare"}
	writerWords   = []string{"write", "draft", "email", "post", "summarize", "rewrite"}
)

// Agent is an offline implementation of one agent type.
type Agent struct {
	kind      agent.Type
	delegator Delegator
	delay     time.Duration
	failures  atomic.Int32
}

// Option configures an Agent.
type Option func(*Agent)

// WithDelay simulates model latency.
func WithDelay(d time.Duration) Option {
	return func(a *Agent) { a.delay = d }
}

// WithFailures makes the first n runs fail with a transient error.
func WithFailures(n int) Option {
	return func(a *Agent) { a.failures.Store(int32(n)) }
}

// NewSpecialist creates an offline research or writer agent.
func NewSpecialist(t agent.Type, opts ...Option) (*Agent, error) {
	if !t.IsSpecialist() {
		return nil, fmt.Errorf("%w: %s is not a specialist", agent.ErrInvalidArgument, t)
	}
	return newAgent(t, nil, opts), nil
}

// NewSupervisor creates an offline supervisor that routes by keyword.
func NewSupervisor(delegator Delegator, opts ...Option) *Agent {
	return newAgent(agent.Supervisor, delegator, opts)
}

func newAgent(t agent.Type, d Delegator, opts []Option) *Agent {
	a := &Agent{kind: t, delegator: d}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run replies to req.
func (a *Agent) Run(ctx context.Context, req agent.Request) (*agent.Reply, error) {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if a.takeFailure() {
		return nil, agent.NewError(agent.KindTransient, a.kind, errors.New("simulated outage"))
	}

	switch a.kind {
	case agent.Research:
		return a.reply(researchReply(req)), nil
	case agent.Writer:
		return a.reply(writerReply(req)), nil
	}
	return a.supervise(ctx, req), nil
}

func (a *Agent) takeFailure() bool {
	for {
		n := a.failures.Load()
		if n <= 0 {
			return false
		}
		if a.failures.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (a *Agent) reply(text string) *agent.Reply {
	return &agent.Reply{Text: text, Author: a.kind.DisplayName()}
}

// Route picks the specialists a message needs, in call order.
func Route(message string) []agent.Type {
	lower := strings.ToLower(message)
	var order []agent.Type
	if containsAny(lower, researchWords) {
		order = append(order, agent.Research)
	}
	if containsAny(lower, writerWords) {
		order = append(order, agent.Writer)
	}
	return order
}

func (a *Agent) supervise(ctx context.Context, req agent.Request) *agent.Reply {
	var subs []agent.SubReply
	switch order := Route(req.Message); len(order) {
	case 0:
		return a.reply(directReply(req))
	case 1:
		subs = []agent.SubReply{a.delegator.Delegate(ctx, req.ThreadID, order[0], req.Message)}
	default:
		subs = a.delegator.Chain(ctx, req.ThreadID, req.Message, order...)
	}

	var b strings.Builder
	for _, s := range subs {
		fmt.Fprintf(&b, "**%s:**\n\n%s\n\n", s.Agent.DisplayName(), s.Text)
	}
	r := a.reply(strings.TrimSpace(b.String()))
	r.SubReplies = subs
	return r
}

func directReply(req agent.Request) string {
	return fmt.Sprintf("Echo: **%s**\n\nThis conversation has %d earlier messages.", req.Message, len(req.History))
}

func researchReply(req agent.Request) string {
	topic := firstLine(req.Message)
	return fmt.Sprintf("Findings on *%s*:\n\n- Key fact one\n- Key fact two\n- Open question worth checking\n\n(%d prior notes in this namespace)",
		topic, len(req.History))
}

func writerReply(req agent.Request) string {
	topic := firstLine(req.Message)
	var b strings.Builder
	fmt.Fprintf(&b, "Draft: %s\n\n", topic)
	if strings.Contains(req.Message, "Input from the Research Agent:") {
		b.WriteString("Building on the research provided, here is a short piece covering the key facts.")
	} else {
		b.WriteString("Here is a short piece on the topic.")
	}
	return b.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
