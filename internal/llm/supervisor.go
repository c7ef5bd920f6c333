// ABOUTME: Supervisor agent that answers directly or delegates to specialists through tool calls
// ABOUTME: Sub-replies are collected in call order and folded into the final reply text

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/2389/coven-crew/internal/agent"
	"github.com/2389/coven-crew/internal/delegation"
)

// Tool names offered to the supervisor model.
const (
	ToolResearch      = "delegate_to_research_agent"
	ToolWriter        = "delegate_to_writer_agent"
	ToolResearchWrite = "research_then_write"
)

// Delegator hands work to the specialists.
type Delegator interface {
	Delegate(ctx context.Context, parentThreadID string, specialist agent.Type, task string) agent.SubReply
	Chain(ctx context.Context, parentThreadID, task string, order ...agent.Type) []agent.SubReply
}

// Supervisor is the user-facing agent.
type Supervisor struct {
	delegator Delegator
	opts      Options
	client    ChatClient
}

// NewSupervisor creates the supervisor agent.
func NewSupervisor(client ChatClient, delegator Delegator, opts Options) *Supervisor {
	return &Supervisor{
		delegator: delegator,
		opts:      opts.withDefaults(agent.Supervisor),
		client:    client,
	}
}

// Run answers req, delegating within req.ThreadID's specialist namespaces.
func (s *Supervisor) Run(ctx context.Context, req agent.Request) (*agent.Reply, error) {
	tools := &delegationTools{delegator: s.delegator, parent: req.ThreadID}
	l := &loop{
		agent:    agent.Supervisor,
		client:   s.client,
		model:    s.opts.Model,
		tools:    tools,
		maxTurns: s.opts.MaxTurns,
		logger:   s.opts.Logger.With("component", "llm", "agent", agent.Supervisor, "thread_id", req.ThreadID),
	}

	history := s.opts.Tokenizer.Fit(req.History, s.opts.HistoryBudget)
	text, err := l.run(ctx, chatMessages(s.opts.SystemPrompt, history, req.Message))
	subs := tools.collected()
	if err != nil {
		// Specialist work already done is still worth returning.
		if !errors.Is(err, ErrMaxTurns) || len(subs) == 0 {
			return nil, err
		}
		l.logger.Warn("supervisor hit turn limit, composing from delegated work", "sub_replies", len(subs))
		text = ""
	}
	return &agent.Reply{
		Text:       delegation.Compose(text, subs),
		Author:     agent.Supervisor.DisplayName(),
		SubReplies: subs,
	}, nil
}

type delegationTools struct {
	delegator Delegator
	parent    string

	mu   sync.Mutex
	subs []agent.SubReply
}

type taskArgs struct {
	Task string `json:"task"`
}

var taskSchema = json.RawMessage(`{"type":"object","properties":{"task":{"type":"string","description":"Complete, self-contained description of the work"}},"required":["task"]}`)

func (d *delegationTools) Tools() []openai.Tool {
	def := func(name, desc string) openai.Tool {
		return openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        name,
				Description: desc,
				Parameters:  taskSchema,
			},
		}
	}
	return []openai.Tool{
		def(ToolResearch, "Ask the Research Agent to gather information."),
		def(ToolWriter, "Ask the Writer Agent to draft text."),
		def(ToolResearchWrite, "Research the task, then have the Writer Agent draft from the findings."),
	}
}

func (d *delegationTools) Call(ctx context.Context, name, arguments string) string {
	var args taskArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return fmt.Sprintf("Error: could not parse arguments for %s: %v", name, err)
	}

	var subs []agent.SubReply
	switch name {
	case ToolResearch:
		subs = []agent.SubReply{d.delegator.Delegate(ctx, d.parent, agent.Research, args.Task)}
	case ToolWriter:
		subs = []agent.SubReply{d.delegator.Delegate(ctx, d.parent, agent.Writer, args.Task)}
	case ToolResearchWrite:
		subs = d.delegator.Chain(ctx, d.parent, args.Task, agent.Research, agent.Writer)
	default:
		return "Error: unknown tool " + name
	}

	d.mu.Lock()
	d.subs = append(d.subs, subs...)
	d.mu.Unlock()

	texts := make([]string, 0, len(subs))
	for _, s := range subs {
		texts = append(texts, fmt.Sprintf("[%s] %s", s.Agent.DisplayName(), s.Text))
	}
	return strings.Join(texts, "\n\n")
}

func (d *delegationTools) collected() []agent.SubReply {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]agent.SubReply(nil), d.subs...)
}
