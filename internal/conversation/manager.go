// ABOUTME: Conversation manager turning stateless chat requests into resumable threads
// ABOUTME: Resolves the target thread, runs the agent, persists the exchange and updates the session

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-crew/internal/agent"
	"github.com/2389/coven-crew/internal/session"
	"github.com/2389/coven-crew/internal/store"
)

// Invoker runs one agent call with retries.
type Invoker interface {
	Invoke(ctx context.Context, req agent.Request) (*agent.Reply, error)
}

// DefaultSaveTimeout bounds the write of an exchange once the agent has replied.
const DefaultSaveTimeout = 5 * time.Second

// ChatRequest is one inbound message.
type ChatRequest struct {
	AgentType agent.Type
	Message   string
	ThreadID  string   // resume this thread; must belong to AgentType
	ForceNew  bool     // ignore the active session thread
	Ephemeral bool     // run the exchange without persisting it
	Title     string   // used only when a new thread is created
	Tags      []string // used only when a new thread is created
}

// ChatResult is the outcome of Chat.
type ChatResult struct {
	Reply    *agent.Reply
	ThreadID string
	Created  bool // a new thread was started for this message
	Saved    bool // the exchange was persisted
	Thread   *store.Thread
}

// Manager is the caller-facing conversation API.
type Manager struct {
	svc         *Service
	tracker     *session.Tracker
	invoker     Invoker
	saveTimeout time.Duration
	scope       agent.Scope
	forget      []func(threadID string)
	logger      *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSaveTimeout overrides DefaultSaveTimeout.
func WithSaveTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.saveTimeout = d
		}
	}
}

// WithExchangeScope runs each agent call under s. The scope is kept only
// when the exchange is saved, so ephemeral and failed exchanges leave no side
// effects such as delegated specialist memory.
func WithExchangeScope(s agent.Scope) ManagerOption {
	return func(m *Manager) {
		if s != nil {
			m.scope = s
		}
	}
}

// WithForget registers fn to be called with the id of every thread the
// manager deletes, by request or by retention cleanup.
func WithForget(fn func(threadID string)) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.forget = append(m.forget, fn)
		}
	}
}

// NewManager creates a Manager.
func NewManager(svc *Service, tracker *session.Tracker, invoker Invoker, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		svc:         svc,
		tracker:     tracker,
		invoker:     invoker,
		saveTimeout: DefaultSaveTimeout,
		scope:       agent.NoScope,
		logger:      logger.With("component", "conversation-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Chat starts or resumes a conversation with req.AgentType and returns its reply.
//
// The thread is chosen in this order: an explicit ThreadID, a fresh thread
// when ForceNew is set, the agent's active session thread, and finally a
// fresh thread. The session is pointed at the chosen thread only after the
// agent has replied.
func (m *Manager) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if !req.AgentType.Valid() {
		return nil, fmt.Errorf("%w %q", agent.ErrUnknownType, req.AgentType)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, invalid("message is required")
	}

	thread, created, err := m.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	logger := m.logger.With("thread_id", thread.ID, "agent", req.AgentType)

	userAt := m.svc.Now()
	runCtx, finish := m.scope(ctx)
	reply, err := m.invoker.Invoke(runCtx, agent.Request{
		Agent:    req.AgentType,
		ThreadID: thread.ID,
		Message:  req.Message,
		History:  history(thread.Messages),
	})
	if err != nil {
		finish(false)
		logger.Error("agent call failed", "error", err)
		return nil, fmt.Errorf("chat with %s in thread %s: %w", req.AgentType, thread.ID, err)
	}

	result := &ChatResult{
		Reply:    reply,
		ThreadID: thread.ID,
		Created:  created,
		Thread:   thread,
	}

	if !req.Ephemeral {
		user := store.Message{Role: agent.RoleUser, Content: req.Message, AuthorName: "user", Timestamp: userAt}
		assistant := store.Message{Role: agent.RoleAssistant, Content: reply.Text, AuthorName: reply.Author, Timestamp: m.svc.Now()}

		// The caller going away must not leave half an exchange behind.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.saveTimeout)
		saved, err := m.svc.AppendExchange(saveCtx, thread.ID, user, assistant)
		cancel()
		if err != nil {
			finish(false)
			logger.Error("failed to save exchange", "error", err)
			return nil, err
		}
		result.Saved = true
		result.Thread = saved
	}
	finish(result.Saved)

	if err := m.tracker.SetActive(req.AgentType, thread.ID); err != nil {
		return nil, err
	}

	logger.Info("chat completed",
		"created", created,
		"saved", result.Saved,
		"sub_replies", len(reply.SubReplies))
	return result, nil
}

func (m *Manager) resolve(ctx context.Context, req ChatRequest) (*store.Thread, bool, error) {
	if req.ThreadID != "" {
		thread, err := m.svc.Get(ctx, req.ThreadID)
		if err != nil {
			return nil, false, err
		}
		if thread.AgentType != req.AgentType {
			return nil, false, invalid("thread %s belongs to the %s agent, not %s", thread.ID, thread.AgentType, req.AgentType)
		}
		return thread, false, nil
	}

	if !req.ForceNew {
		id, ok, err := m.tracker.Active(req.AgentType)
		if err != nil {
			return nil, false, err
		}
		if ok {
			thread, err := m.svc.Get(ctx, id)
			if err == nil {
				return thread, false, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, false, err
			}
			m.logger.Warn("active thread no longer exists, starting a new one", "agent", req.AgentType, "thread_id", id)
			m.tracker.Forget(id)
		}
	}

	if req.Ephemeral {
		thread, err := m.svc.Draft(req.AgentType, req.Title, req.Tags)
		return thread, true, err
	}
	thread, err := m.svc.Create(ctx, req.AgentType, req.Title, req.Tags)
	return thread, true, err
}

func history(msgs []store.Message) []agent.Turn {
	turns := make([]agent.Turn, 0, len(msgs))
	for _, msg := range msgs {
		turns = append(turns, agent.Turn{Role: msg.Role, Content: msg.Content, Author: msg.AuthorName})
	}
	return turns
}

// CreateThread creates a thread without activating it.
func (m *Manager) CreateThread(ctx context.Context, agentType agent.Type, title string, tags []string) (*store.Thread, error) {
	return m.svc.Create(ctx, agentType, title, tags)
}

// StartConversation creates a thread and makes it the agent's active thread.
func (m *Manager) StartConversation(ctx context.Context, agentType agent.Type, title string, tags []string) (*store.Thread, error) {
	thread, err := m.svc.Create(ctx, agentType, title, tags)
	if err != nil {
		return nil, err
	}
	if err := m.tracker.SetActive(agentType, thread.ID); err != nil {
		return nil, err
	}
	return thread, nil
}

// Activate makes an existing thread the active thread of its agent.
func (m *Manager) Activate(ctx context.Context, threadID string) (*store.Thread, error) {
	thread, err := m.svc.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if err := m.tracker.SetActive(thread.AgentType, thread.ID); err != nil {
		return nil, err
	}
	return thread, nil
}

// GetThread returns a thread with its history.
func (m *Manager) GetThread(ctx context.Context, threadID string) (*store.Thread, error) {
	return m.svc.Get(ctx, threadID)
}

// ListThreads lists thread summaries for one agent, or all agents when agentType is empty.
func (m *Manager) ListThreads(ctx context.Context, agentType agent.Type, limit, offset int) ([]store.ThreadSummary, error) {
	return m.svc.List(ctx, agentType, limit, offset)
}

// SearchThreads finds threads mentioning query.
func (m *Manager) SearchThreads(ctx context.Context, query string, agentType agent.Type, limit int) ([]store.ThreadSummary, error) {
	return m.svc.Search(ctx, query, agentType, limit)
}

// DeleteThread deletes a thread, drops any session pointer to it and runs
// the forget hooks.
func (m *Manager) DeleteThread(ctx context.Context, threadID string) error {
	if err := m.svc.Delete(ctx, threadID); err != nil {
		return err
	}
	m.forgetThread(threadID)
	return nil
}

func (m *Manager) forgetThread(threadID string) {
	m.tracker.Forget(threadID)
	for _, fn := range m.forget {
		fn(threadID)
	}
}

// Session returns the active thread per agent.
func (m *Manager) Session() map[agent.Type]string {
	return m.tracker.Snapshot()
}

// NewConversation clears the active thread for agentType, or for every agent
// when agentType is empty. Threads are kept.
func (m *Manager) NewConversation(agentType agent.Type) error {
	if agentType == "" {
		m.tracker.ClearAll()
		return nil
	}
	return m.tracker.Clear(agentType)
}

// Cleanup deletes threads idle for longer than olderThan.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) ([]string, error) {
	ids, err := m.svc.Cleanup(ctx, olderThan)
	for _, id := range ids {
		m.forgetThread(id)
	}
	return ids, err
}

// RunJanitor calls Cleanup every interval until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}
	m.logger.Info("retention janitor started", "retention", retention, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Cleanup(ctx, retention); err != nil && ctx.Err() == nil {
				m.logger.Error("retention cleanup failed", "error", err)
			}
		}
	}
}
