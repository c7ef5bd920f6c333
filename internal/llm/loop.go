// ABOUTME: Chat completion loop driven by a small state machine: call model, run tools, repeat
// ABOUTME: Ends with the model's text, a classified upstream error, or a turn limit error

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/qmuntal/stateless"
	openai "github.com/sashabaranov/go-openai"

	"github.com/2389/coven-crew/internal/agent"
)

// DefaultMaxTurns bounds model calls within one agent run.
const DefaultMaxTurns = 6

// ErrMaxTurns is wrapped when the model keeps requesting tools.
var ErrMaxTurns = errors.New("exceeded maximum tool turns")

// Toolset exposes functions the model may call.
type Toolset interface {
	Tools() []openai.Tool
	// Call runs one tool and returns the text handed back to the model.
	// Tool failures are reported in the text, not as errors.
	Call(ctx context.Context, name, arguments string) string
}

const (
	stateCallModel = "call_model"
	stateRunTools  = "run_tools"
	stateDone      = "done"
	stateFailed    = "failed"

	triggerToolCalls = "tool_calls"
	triggerContent   = "content"
	triggerToolsDone = "tools_done"
	triggerFail      = "fail"
)

type loop struct {
	agent    agent.Type
	client   ChatClient
	model    string
	tools    Toolset
	maxTurns int
	logger   *slog.Logger
}

func newStateMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(stateCallModel)
	fsm.Configure(stateCallModel).
		Permit(triggerToolCalls, stateRunTools).
		Permit(triggerContent, stateDone).
		Permit(triggerFail, stateFailed)
	fsm.Configure(stateRunTools).
		Permit(triggerToolsDone, stateCallModel).
		Permit(triggerFail, stateFailed)
	return fsm
}

// run drives the conversation until the model answers without tool calls.
func (l *loop) run(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	maxTurns := l.maxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	var tools []openai.Tool
	if l.tools != nil {
		tools = l.tools.Tools()
	}

	fsm := newStateMachine()
	var (
		turn    int
		last    openai.ChatCompletionMessage
		lastErr error
	)
	for {
		var trigger string
		switch fsm.MustState() {
		case stateCallModel:
			if turn >= maxTurns {
				lastErr = agent.NewError(agent.KindMalformed, l.agent, fmt.Errorf("%w (%d)", ErrMaxTurns, maxTurns))
				trigger = triggerFail
				break
			}
			turn++
			resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:    l.model,
				Messages: messages,
				Tools:    tools,
			})
			if err != nil {
				lastErr = classify(l.agent, err)
				trigger = triggerFail
				break
			}
			if len(resp.Choices) == 0 {
				lastErr = malformed(l.agent, "completion has no choices")
				trigger = triggerFail
				break
			}
			last = resp.Choices[0].Message
			l.logger.Debug("model responded", "turn", turn, "tool_calls", len(last.ToolCalls))
			if len(last.ToolCalls) > 0 && l.tools != nil {
				trigger = triggerToolCalls
			} else {
				trigger = triggerContent
			}

		case stateRunTools:
			messages = append(messages, last)
			for _, tc := range last.ToolCalls {
				out := l.tools.Call(ctx, tc.Function.Name, tc.Function.Arguments)
				messages = append(messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    out,
					Name:       tc.Function.Name,
					ToolCallID: tc.ID,
				})
			}
			if err := ctx.Err(); err != nil {
				lastErr = err
				trigger = triggerFail
				break
			}
			trigger = triggerToolsDone

		case stateDone:
			return last.Content, nil

		case stateFailed:
			return "", lastErr
		}

		if err := fsm.FireCtx(ctx, trigger); err != nil {
			return "", fmt.Errorf("agent loop: %w", err)
		}
	}
}

// chatMessages assembles the system prompt, prior turns and the new message.
func chatMessages(system string, history []agent.Turn, message string) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		switch turn.Role {
		case agent.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case agent.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: message})
}
