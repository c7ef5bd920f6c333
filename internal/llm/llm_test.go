// ABOUTME: Tests for the model-backed agents using a scripted chat client
// ABOUTME: Covers error classification, history trimming, and supervisor delegation

package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-crew/internal/agent"
)

type scriptedChat struct {
	mu      sync.Mutex
	replies []openai.ChatCompletionMessage
	errs    []error
	reqs    []openai.ChatCompletionRequest
}

func (s *scriptedChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.reqs)
	s.reqs = append(s.reqs, req)
	if n < len(s.errs) && s.errs[n] != nil {
		return openai.ChatCompletionResponse{}, s.errs[n]
	}
	if n >= len(s.replies) {
		return openai.ChatCompletionResponse{}, nil
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: s.replies[n]}},
	}, nil
}

func text(s string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: s}
}

func toolCall(id, name, args string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleAssistant,
		ToolCalls: []openai.ToolCall{{
			ID:       id,
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: name, Arguments: args},
		}},
	}
}

type recordingDelegator struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingDelegator) Delegate(_ context.Context, parent string, specialist agent.Type, task string) agent.SubReply {
	r.mu.Lock()
	r.calls = append(r.calls, fmt.Sprintf("%s/%s:%s", parent, specialist, task))
	r.mu.Unlock()
	return agent.SubReply{Agent: specialist, Task: task, Text: specialist.String() + " did " + task}
}

func (r *recordingDelegator) Chain(ctx context.Context, parent, task string, order ...agent.Type) []agent.SubReply {
	var subs []agent.SubReply
	for _, t := range order {
		subs = append(subs, r.Delegate(ctx, parent, t, task))
	}
	return subs
}

func testOptions() Options {
	return Options{Model: "test-model", Tokenizer: NewHeuristicTokenizer()}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      agent.Kind
		retryable bool
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}, agent.KindRateLimit, true},
		{"server error", &openai.APIError{HTTPStatusCode: 500, Message: "boom"}, agent.KindTransient, true},
		{"bad request", &openai.APIError{HTTPStatusCode: 400, Message: "bad"}, agent.KindInvalidRequest, false},
		{"unauthorized", &openai.APIError{HTTPStatusCode: 401, Message: "key"}, agent.KindInvalidRequest, false},
		{"gateway error", &openai.RequestError{HTTPStatusCode: 503, Err: errors.New("unavailable")}, agent.KindTransient, true},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), agent.KindTimeout, true},
		{"connection reset", errors.New("connection reset by peer"), agent.KindTransient, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(agent.Research, tt.err)
			var ae *agent.Error
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tt.kind, ae.Kind)
			assert.Equal(t, agent.Research, ae.Agent)
			assert.Equal(t, tt.retryable, agent.IsRetryable(err))
		})
	}
}

func TestClassify_CancellationPassesThrough(t *testing.T) {
	err := classify(agent.Writer, context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	var ae *agent.Error
	assert.False(t, errors.As(err, &ae))
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(ClientConfig{Azure: true})
	assert.Error(t, err)

	c, err := NewClient(ClientConfig{APIKey: "k", BaseURL: "http://localhost:8080/v1/"})
	require.NoError(t, err)
	assert.NotNil(t, c)

	c, err = NewClient(ClientConfig{APIKey: "k", BaseURL: "https://example.openai.azure.com", Azure: true, APIVersion: "2024-06-01"})
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestTokenizer_Fit(t *testing.T) {
	tok := NewHeuristicTokenizer()
	history := []agent.Turn{
		{Role: agent.RoleUser, Content: strings.Repeat("a", 400)},
		{Role: agent.RoleAssistant, Content: strings.Repeat("b", 40)},
		{Role: agent.RoleUser, Content: strings.Repeat("c", 40)},
	}

	assert.Len(t, tok.Fit(history, 0), 3, "zero budget disables trimming")

	recent := tok.Fit(history, 40)
	require.Len(t, recent, 2)
	assert.Equal(t, history[1:], recent)

	assert.Empty(t, tok.Fit(history, 5))
}

func TestTokenizer_Heuristic(t *testing.T) {
	tok := NewHeuristicTokenizer()
	assert.False(t, tok.Precise())
	assert.Equal(t, 0, tok.Count(""))
	assert.Equal(t, 1, tok.Count("a"))
	assert.Equal(t, 3, tok.Count("abcdefghij"))
	assert.Equal(t, 3, tok.Count("中文"))
}

func TestEncodingFor(t *testing.T) {
	assert.Equal(t, "o200k_base", encodingFor("gpt-4o-mini"))
	assert.Equal(t, "o200k_base", encodingFor("o3-mini"))
	assert.Equal(t, "cl100k_base", encodingFor("gpt-4-turbo"))
	assert.Equal(t, "cl100k_base", encodingFor(""))
}

func TestSpecialist_Run(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{text("findings")}}
	s, err := NewSpecialist(agent.Research, chat, nil, testOptions())
	require.NoError(t, err)

	reply, err := s.Run(context.Background(), agent.Request{
		Agent:   agent.Research,
		Message: "what is X?",
		History: []agent.Turn{
			{Role: agent.RoleUser, Content: "earlier"},
			{Role: agent.RoleAssistant, Content: "answer"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "findings", reply.Text)
	assert.Equal(t, "Research Agent", reply.Author)

	require.Len(t, chat.reqs, 1)
	msgs := chat.reqs[0].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, DefaultPrompt(agent.Research), msgs[0].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[2].Role)
	assert.Equal(t, "what is X?", msgs[3].Content)
	assert.Equal(t, "test-model", chat.reqs[0].Model)
	assert.Empty(t, chat.reqs[0].Tools)
}

func TestSpecialist_EmptyCompletionIsMalformed(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{text("  ")}}
	s, err := NewSpecialist(agent.Writer, chat, nil, testOptions())
	require.NoError(t, err)

	_, err = s.Run(context.Background(), agent.Request{Agent: agent.Writer, Message: "draft"})
	var ae *agent.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, agent.KindMalformed, ae.Kind)
	assert.False(t, agent.IsRetryable(err))
}

func TestSpecialist_NoChoices(t *testing.T) {
	chat := &scriptedChat{}
	s, err := NewSpecialist(agent.Writer, chat, nil, testOptions())
	require.NoError(t, err)

	_, err = s.Run(context.Background(), agent.Request{Agent: agent.Writer, Message: "draft"})
	var ae *agent.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, agent.KindMalformed, ae.Kind)
}

func TestSpecialist_UpstreamErrorClassified(t *testing.T) {
	chat := &scriptedChat{errs: []error{&openai.APIError{HTTPStatusCode: 429, Message: "quota"}}}
	s, err := NewSpecialist(agent.Research, chat, nil, testOptions())
	require.NoError(t, err)

	_, err = s.Run(context.Background(), agent.Request{Agent: agent.Research, Message: "x"})
	assert.True(t, agent.IsRetryable(err))
}

func TestNewSpecialist_RejectsSupervisor(t *testing.T) {
	_, err := NewSpecialist(agent.Supervisor, &scriptedChat{}, nil, testOptions())
	assert.ErrorIs(t, err, agent.ErrInvalidArgument)
}

type staticTools struct {
	calls []string
}

func (s *staticTools) Tools() []openai.Tool {
	return []openai.Tool{{Type: openai.ToolTypeFunction, Function: &openai.FunctionDefinition{Name: "web_search"}}}
}

func (s *staticTools) Call(_ context.Context, name, arguments string) string {
	s.calls = append(s.calls, name+" "+arguments)
	return "3 results"
}

func TestSpecialist_UsesTools(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{
		toolCall("c1", "web_search", `{"q":"x"}`),
		text("summary of 3 results"),
	}}
	tools := &staticTools{}
	s, err := NewSpecialist(agent.Research, chat, tools, testOptions())
	require.NoError(t, err)

	reply, err := s.Run(context.Background(), agent.Request{Agent: agent.Research, Message: "x"})
	require.NoError(t, err)
	assert.Equal(t, "summary of 3 results", reply.Text)
	assert.Equal(t, []string{`web_search {"q":"x"}`}, tools.calls)

	require.Len(t, chat.reqs, 2)
	second := chat.reqs[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, openai.ChatMessageRoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Equal(t, "3 results", last.Content)
}

func TestSupervisor_AnswersDirectly(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{text("Hello there.")}}
	del := &recordingDelegator{}
	sup := NewSupervisor(chat, del, testOptions())

	reply, err := sup.Run(context.Background(), agent.Request{Agent: agent.Supervisor, ThreadID: "t1", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hello there.", reply.Text)
	assert.Equal(t, "Supervisor Agent", reply.Author)
	assert.Empty(t, reply.SubReplies)
	assert.Empty(t, del.calls)
	assert.Len(t, chat.reqs[0].Tools, 3)
}

func TestSupervisor_DelegatesAndComposes(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{
		toolCall("c1", ToolResearch, `{"task":"find X"}`),
		toolCall("c2", ToolWriter, `{"task":"write about X"}`),
		text("Here is your email."),
	}}
	del := &recordingDelegator{}
	sup := NewSupervisor(chat, del, testOptions())

	reply, err := sup.Run(context.Background(), agent.Request{Agent: agent.Supervisor, ThreadID: "t1", Message: "email about X"})
	require.NoError(t, err)
	assert.Equal(t, "Here is your email.", reply.Text)
	assert.Equal(t, []string{"t1/research:find X", "t1/writer:write about X"}, del.calls)
	assert.Equal(t, []agent.Type{agent.Research, agent.Writer}, reply.Contributors())

	msgs := chat.reqs[1].Messages
	assert.Equal(t, "[Research Agent] research did find X", msgs[len(msgs)-1].Content)
}

func TestSupervisor_ChainTool(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{
		toolCall("c1", ToolResearchWrite, `{"task":"brief on X"}`),
		text(""),
	}}
	del := &recordingDelegator{}
	sup := NewSupervisor(chat, del, testOptions())

	reply, err := sup.Run(context.Background(), agent.Request{Agent: agent.Supervisor, ThreadID: "t1", Message: "brief on X"})
	require.NoError(t, err)
	require.Len(t, reply.SubReplies, 2)
	assert.Equal(t, "writer did brief on X", reply.Text, "empty supervisor text falls back to the last sub-reply")
}

func TestSupervisor_BadToolArguments(t *testing.T) {
	chat := &scriptedChat{replies: []openai.ChatCompletionMessage{
		toolCall("c1", ToolResearch, `not json`),
		text("Sorry."),
	}}
	del := &recordingDelegator{}
	sup := NewSupervisor(chat, del, testOptions())

	reply, err := sup.Run(context.Background(), agent.Request{Agent: agent.Supervisor, ThreadID: "t1", Message: "x"})
	require.NoError(t, err)
	assert.Equal(t, "Sorry.", reply.Text)
	assert.Empty(t, del.calls)
	msgs := chat.reqs[1].Messages
	assert.True(t, strings.HasPrefix(msgs[len(msgs)-1].Content, "Error: could not parse arguments"))
}

func TestSupervisor_TurnLimit(t *testing.T) {
	loopForever := make([]openai.ChatCompletionMessage, 10)
	for i := range loopForever {
		loopForever[i] = toolCall(fmt.Sprintf("c%d", i), ToolResearch, `{"task":"again"}`)
	}

	opts := testOptions()
	opts.MaxTurns = 2
	sup := NewSupervisor(&scriptedChat{replies: loopForever}, &recordingDelegator{}, opts)
	reply, err := sup.Run(context.Background(), agent.Request{Agent: agent.Supervisor, ThreadID: "t1", Message: "x"})
	require.NoError(t, err, "delegated work is composed when turns run out")
	assert.Len(t, reply.SubReplies, 2)
	assert.Equal(t, "research did again", reply.Text)
}

func TestSupervisor_TurnLimitWithoutWork(t *testing.T) {
	loopForever := []openai.ChatCompletionMessage{
		toolCall("c1", "unknown_tool", `{}`),
		toolCall("c2", "unknown_tool", `{}`),
	}
	opts := testOptions()
	opts.MaxTurns = 2
	sup := NewSupervisor(&scriptedChat{replies: loopForever}, &recordingDelegator{}, opts)

	_, err := sup.Run(context.Background(), agent.Request{Agent: agent.Supervisor, ThreadID: "t1", Message: "x"})
	assert.ErrorIs(t, err, ErrMaxTurns)
}
