// ABOUTME: Research and writer agents backed by an OpenAI-compatible chat model
// ABOUTME: Builds the prompt from the thread history trimmed to the token budget

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/coven-crew/internal/agent"
)

// Options tune one model-backed agent.
type Options struct {
	Model         string
	SystemPrompt  string // empty selects the built-in prompt
	MaxTurns      int
	HistoryBudget int // tokens of history sent per call; 0 sends everything
	Tokenizer     *Tokenizer
	Logger        *slog.Logger
}

func (o Options) withDefaults(t agent.Type) Options {
	if o.SystemPrompt == "" {
		o.SystemPrompt = DefaultPrompt(t)
	}
	if o.MaxTurns <= 0 {
		o.MaxTurns = DefaultMaxTurns
	}
	if o.Tokenizer == nil {
		o.Tokenizer = NewTokenizer(o.Model)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Specialist is the research or writer agent.
type Specialist struct {
	kind agent.Type
	opts Options
	loop *loop
}

// NewSpecialist creates a specialist. tools may be nil.
func NewSpecialist(t agent.Type, client ChatClient, tools Toolset, opts Options) (*Specialist, error) {
	if !t.IsSpecialist() {
		return nil, fmt.Errorf("%w: %s is not a specialist", agent.ErrInvalidArgument, t)
	}
	opts = opts.withDefaults(t)
	return &Specialist{
		kind: t,
		opts: opts,
		loop: &loop{
			agent:    t,
			client:   client,
			model:    opts.Model,
			tools:    tools,
			maxTurns: opts.MaxTurns,
			logger:   opts.Logger.With("component", "llm", "agent", t),
		},
	}, nil
}

// Run answers req.Message in the context of req.History.
func (s *Specialist) Run(ctx context.Context, req agent.Request) (*agent.Reply, error) {
	history := s.opts.Tokenizer.Fit(req.History, s.opts.HistoryBudget)
	text, err := s.loop.run(ctx, chatMessages(s.opts.SystemPrompt, history, req.Message))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, malformed(s.kind, "empty completion")
	}
	return &agent.Reply{Text: text, Author: s.kind.DisplayName()}, nil
}
