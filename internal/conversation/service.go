// ABOUTME: Conversation service: thread CRUD on top of a Store with per-thread serialization
// ABOUTME: Reads are retried once on storage errors; writes are never retried

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-crew/internal/agent"
	"github.com/2389/coven-crew/internal/keylock"
	"github.com/2389/coven-crew/internal/retry"
	"github.com/2389/coven-crew/internal/store"
)

// ThreadStore defines what the service needs from storage
type ThreadStore interface {
	CreateThread(ctx context.Context, thread *store.Thread) error
	GetThread(ctx context.Context, id string) (*store.Thread, error)
	ListThreads(ctx context.Context, filter store.ThreadFilter) ([]store.ThreadSummary, error)
	SearchThreads(ctx context.Context, query string, filter store.ThreadFilter) ([]store.ThreadSummary, error)
	AppendMessages(ctx context.Context, threadID string, msgs []store.Message, updatedAt time.Time) (*store.Thread, error)
	DeleteThread(ctx context.Context, id string) error
	DeleteThreadsBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Default paging limits.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Service owns thread lifecycle and message history.
type Service struct {
	store        ThreadStore
	locks        keylock.Map
	reads        *retry.Retrier
	strictDelete bool
	defaultPage  int
	maxPage      int
	readAttempts int
	now          func() time.Time
	newID        func() string
	logger       *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithStrictDelete makes Delete report store.ErrNotFound for absent threads.
func WithStrictDelete(strict bool) Option {
	return func(s *Service) { s.strictDelete = strict }
}

// WithPageSizes sets the default and maximum List limits.
func WithPageSizes(defaultSize, maxSize int) Option {
	return func(s *Service) {
		if defaultSize > 0 {
			s.defaultPage = defaultSize
		}
		if maxSize > 0 {
			s.maxPage = maxSize
		}
	}
}

// WithReadAttempts sets how many times a failing read is tried.
func WithReadAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.readAttempts = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces uuid.NewString for thread ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// NewService creates a Service over st.
func NewService(st ThreadStore, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:        st,
		defaultPage:  DefaultPageSize,
		maxPage:      MaxPageSize,
		readAttempts: 2,
		now:          time.Now,
		newID:        uuid.NewString,
		logger:       logger.With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.defaultPage > s.maxPage {
		s.defaultPage = s.maxPage
	}

	policy := retry.Policy{MaxAttempts: s.readAttempts, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}
	s.reads = retry.New(policy, retryableRead, retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		s.logger.Warn("store read failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}))
	return s
}

func retryableRead(err error) bool {
	return !errors.Is(err, store.ErrNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time {
	return s.now()
}

// Draft builds a new thread without persisting it.
func (s *Service) Draft(agentType agent.Type, title string, tags []string) (*store.Thread, error) {
	if !agentType.Valid() {
		return nil, fmt.Errorf("%w %q", agent.ErrUnknownType, agentType)
	}
	now := s.now().UTC()
	return &store.Thread{
		ID:        s.newID(),
		AgentType: agentType,
		Title:     strings.TrimSpace(title),
		Tags:      store.NormalizeTags(tags),
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []store.Message{},
	}, nil
}

// Create persists a new, empty thread.
func (s *Service) Create(ctx context.Context, agentType agent.Type, title string, tags []string) (*store.Thread, error) {
	thread, err := s.Draft(agentType, title, tags)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateThread(ctx, thread); err != nil {
		return nil, &PersistenceError{Op: "create", ThreadID: thread.ID, Err: err}
	}
	s.logger.Info("thread created", "thread_id", thread.ID, "agent_type", agentType)
	return thread, nil
}

// Get returns a thread with its full history.
func (s *Service) Get(ctx context.Context, id string) (*store.Thread, error) {
	if strings.TrimSpace(id) == "" {
		return nil, invalid("thread id is required")
	}
	thread, err := retry.Do(ctx, s.reads, func(ctx context.Context) (*store.Thread, error) {
		return s.store.GetThread(ctx, id)
	})
	if err != nil {
		return nil, s.readError("get", id, err)
	}
	return thread, nil
}

// List returns thread summaries, newest activity first. A zero limit means
// the default page size; larger limits are capped.
func (s *Service) List(ctx context.Context, agentType agent.Type, limit, offset int) ([]store.ThreadSummary, error) {
	filter, err := s.filter(agentType, limit, offset)
	if err != nil {
		return nil, err
	}
	list, err := retry.Do(ctx, s.reads, func(ctx context.Context) ([]store.ThreadSummary, error) {
		return s.store.ListThreads(ctx, filter)
	})
	if err != nil {
		return nil, s.readError("list", "", err)
	}
	return list, nil
}

// Search returns threads whose title, tags or messages contain query.
func (s *Service) Search(ctx context.Context, query string, agentType agent.Type, limit int) ([]store.ThreadSummary, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, invalid("search query is required")
	}
	filter, err := s.filter(agentType, limit, 0)
	if err != nil {
		return nil, err
	}
	list, err := retry.Do(ctx, s.reads, func(ctx context.Context) ([]store.ThreadSummary, error) {
		return s.store.SearchThreads(ctx, query, filter)
	})
	if err != nil {
		return nil, s.readError("search", "", err)
	}
	return list, nil
}

func (s *Service) filter(agentType agent.Type, limit, offset int) (store.ThreadFilter, error) {
	if agentType != "" && !agentType.Valid() {
		return store.ThreadFilter{}, fmt.Errorf("%w %q", agent.ErrUnknownType, agentType)
	}
	if limit < 0 {
		return store.ThreadFilter{}, invalid("limit must not be negative, got %d", limit)
	}
	if offset < 0 {
		return store.ThreadFilter{}, invalid("offset must not be negative, got %d", offset)
	}
	if limit == 0 {
		limit = s.defaultPage
	}
	if limit > s.maxPage {
		limit = s.maxPage
	}
	return store.ThreadFilter{AgentType: agentType, Limit: limit, Offset: offset}, nil
}

func (s *Service) readError(op, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("thread %s: %w", id, store.ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &PersistenceError{Op: op, ThreadID: id, Err: err}
}

// AppendMessage appends one message to a thread.
func (s *Service) AppendMessage(ctx context.Context, threadID string, msg store.Message) (*store.Thread, error) {
	return s.appendMessages(ctx, threadID, msg)
}

// AppendExchange appends a user message and the assistant reply as one unit.
// Concurrent exchanges on the same thread never interleave.
func (s *Service) AppendExchange(ctx context.Context, threadID string, user, assistant store.Message) (*store.Thread, error) {
	if user.Role != agent.RoleUser || assistant.Role != agent.RoleAssistant {
		return nil, invalid("exchange must be a user message followed by an assistant message")
	}
	return s.appendMessages(ctx, threadID, user, assistant)
}

func (s *Service) appendMessages(ctx context.Context, threadID string, msgs ...store.Message) (*store.Thread, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, invalid("thread id is required")
	}
	now := s.now().UTC()
	for i := range msgs {
		if !msgs[i].Role.Valid() {
			return nil, invalid("unknown message role %q", msgs[i].Role)
		}
		if msgs[i].Timestamp.IsZero() {
			msgs[i].Timestamp = now
		}
	}

	unlock := s.locks.Lock(threadID)
	defer unlock()

	thread, err := s.store.AppendMessages(ctx, threadID, msgs, now)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	if err != nil {
		return nil, &PersistenceError{Op: "append", ThreadID: threadID, Err: err}
	}
	s.logger.Debug("messages appended", "thread_id", threadID, "count", len(msgs), "total", len(thread.Messages))
	return thread, nil
}

// Delete removes a thread. Absent threads are not an error unless strict
// delete is enabled, in which case store.ErrNotFound is returned.
func (s *Service) Delete(ctx context.Context, threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return invalid("thread id is required")
	}

	unlock := s.locks.Lock(threadID)
	defer unlock()

	err := s.store.DeleteThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		if s.strictDelete {
			return fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
		}
		return nil
	}
	if err != nil {
		return &PersistenceError{Op: "delete", ThreadID: threadID, Err: err}
	}
	s.logger.Info("thread deleted", "thread_id", threadID)
	return nil
}

// Cleanup deletes threads with no activity for olderThan and returns their ids.
func (s *Service) Cleanup(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if olderThan <= 0 {
		return nil, invalid("retention must be positive, got %s", olderThan)
	}
	cutoff := s.now().Add(-olderThan)
	ids, err := s.store.DeleteThreadsBefore(ctx, cutoff)
	if err != nil {
		return ids, &PersistenceError{Op: "cleanup", Err: err}
	}
	if len(ids) > 0 {
		s.logger.Info("expired threads removed", "count", len(ids), "cutoff", cutoff)
	}
	return ids, nil
}
