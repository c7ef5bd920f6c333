// ABOUTME: Store interface and data types for conversation persistence
// ABOUTME: Defines Thread, Message, ThreadSummary and the Store contract shared by every backend

package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/coven-crew/internal/agent"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateThread is returned when trying to create a thread that already exists
var ErrDuplicateThread = errors.New("thread already exists")

// ErrInvalidRecord is returned when a thread or message fails validation on write
var ErrInvalidRecord = errors.New("invalid record")

const (
	titleRunes   = 60
	previewRunes = 100
)

// Message is one entry in a thread. Messages are never edited or removed.
type Message struct {
	Role       agent.Role
	Content    string
	AuthorName string
	Timestamp  time.Time
}

// Thread is a conversation owned by one agent namespace.
type Thread struct {
	ID        string
	AgentType agent.Type
	Title     string // empty means "derive one"
	Tags      []string
	CreatedAt time.Time
	UpdatedAt time.Time
	Messages  []Message
}

// ThreadSummary is the listing view of a thread.
type ThreadSummary struct {
	ID                 string
	AgentType          agent.Type
	Title              string
	Tags               []string
	MessageCount       int
	LastMessagePreview string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ThreadFilter narrows and pages listings. A zero Limit means no limit.
type ThreadFilter struct {
	AgentType agent.Type // empty matches every agent
	Limit     int
	Offset    int
}

// Store defines the persistence contract for threads and their messages.
//
// AppendMessages is atomic: either every message is stored and updated_at is
// bumped, or nothing changes. Timestamps are clamped so they never go
// backwards within a thread.
type Store interface {
	CreateThread(ctx context.Context, thread *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	ListThreads(ctx context.Context, filter ThreadFilter) ([]ThreadSummary, error)
	SearchThreads(ctx context.Context, query string, filter ThreadFilter) ([]ThreadSummary, error)
	AppendMessages(ctx context.Context, threadID string, msgs []Message, updatedAt time.Time) (*Thread, error)
	DeleteThread(ctx context.Context, id string) error
	DeleteThreadsBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Close() error
}

// DisplayTitle returns the title, or one derived from the first user message.
func (t *Thread) DisplayTitle() string {
	return DeriveTitle(t.Title, t.AgentType, t.firstUserMessage())
}

// Summary builds the listing view of t.
func (t *Thread) Summary() ThreadSummary {
	s := ThreadSummary{
		ID:           t.ID,
		AgentType:    t.AgentType,
		Title:        t.DisplayTitle(),
		Tags:         append([]string(nil), t.Tags...),
		MessageCount: len(t.Messages),
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	if n := len(t.Messages); n > 0 {
		s.LastMessagePreview = Truncate(t.Messages[n-1].Content, previewRunes)
	}
	return s
}

// Clone returns a deep copy of t.
func (t *Thread) Clone() *Thread {
	c := *t
	c.Tags = append([]string(nil), t.Tags...)
	c.Messages = append([]Message(nil), t.Messages...)
	return &c
}

func (t *Thread) firstUserMessage() string {
	for _, m := range t.Messages {
		if m.Role == agent.RoleUser {
			return m.Content
		}
	}
	return ""
}

func (t *Thread) lastTimestamp() time.Time {
	if n := len(t.Messages); n > 0 {
		return t.Messages[n-1].Timestamp
	}
	return time.Time{}
}

// DeriveTitle picks the reported title for a thread.
func DeriveTitle(title string, agentType agent.Type, firstUserMessage string) string {
	if title = strings.TrimSpace(title); title != "" {
		return title
	}
	if first := strings.Join(strings.Fields(firstUserMessage), " "); first != "" {
		return Truncate(first, titleRunes)
	}
	return "New " + agentType.String() + " conversation"
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}

// NormalizeTags trims, drops empties and removes duplicates, keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func validateThread(t *Thread) error {
	if t == nil || t.ID == "" {
		return errors.Join(ErrInvalidRecord, errors.New("thread id is required"))
	}
	if !t.AgentType.Valid() {
		return errors.Join(ErrInvalidRecord, agent.ErrUnknownType)
	}
	return validateMessages(t.Messages)
}

func validateMessages(msgs []Message) error {
	for _, m := range msgs {
		if !m.Role.Valid() {
			return errors.Join(ErrInvalidRecord, errors.New("unknown message role "+string(m.Role)))
		}
	}
	return nil
}

// clampTimestamps copies msgs so that no timestamp precedes prev or its predecessor.
func clampTimestamps(prev time.Time, msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		if m.Timestamp.IsZero() || m.Timestamp.Before(prev) {
			m.Timestamp = prev
		}
		m.Timestamp = m.Timestamp.UTC()
		prev = m.Timestamp
		out[i] = m
	}
	return out
}

// nextUpdatedAt never moves updated_at backwards and keeps it at or after the newest message.
func nextUpdatedAt(current, requested time.Time, msgs []Message) time.Time {
	next := requested
	if next.Before(current) {
		next = current
	}
	if n := len(msgs); n > 0 && next.Before(msgs[n-1].Timestamp) {
		next = msgs[n-1].Timestamp
	}
	return next.UTC()
}

// matchesQuery is the in-process search predicate used by the memory and file stores.
func matchesQuery(t *Thread, query string) bool {
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(t.Title), q) {
		return true
	}
	for _, tag := range t.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	for _, m := range t.Messages {
		if strings.Contains(strings.ToLower(m.Content), q) {
			return true
		}
	}
	return false
}

// sortAndPage orders summaries by updated_at desc then id, and applies the filter's window.
func sortAndPage(threads []*Thread, filter ThreadFilter) []ThreadSummary {
	sort.Slice(threads, func(i, j int) bool {
		if !threads[i].UpdatedAt.Equal(threads[j].UpdatedAt) {
			return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
		}
		return threads[i].ID < threads[j].ID
	})

	if filter.Offset >= len(threads) {
		return []ThreadSummary{}
	}
	threads = threads[max(filter.Offset, 0):]
	if filter.Limit > 0 && filter.Limit < len(threads) {
		threads = threads[:filter.Limit]
	}

	out := make([]ThreadSummary, 0, len(threads))
	for _, t := range threads {
		out = append(out, t.Summary())
	}
	return out
}
