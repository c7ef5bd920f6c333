// ABOUTME: JSON record layout for threads, shared by the file store and transcript export
// ABOUTME: Converts between Thread and Record and validates records read from disk

package store

import (
	"fmt"
	"time"

	"github.com/2389/coven-crew/internal/agent"
)

// Record is the persisted JSON shape of a thread.
type Record struct {
	ID        string          `json:"id"`
	AgentType string          `json:"agent_type"`
	Title     string          `json:"title"`
	Tags      []string        `json:"tags"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Messages  []MessageRecord `json:"messages"`
}

// MessageRecord is the persisted JSON shape of a message.
type MessageRecord struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	AuthorName string    `json:"author_name,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Record converts t to its persisted shape.
func (t *Thread) Record() Record {
	r := Record{
		ID:        t.ID,
		AgentType: string(t.AgentType),
		Title:     t.Title,
		Tags:      append([]string{}, t.Tags...),
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		Messages:  make([]MessageRecord, 0, len(t.Messages)),
	}
	for _, m := range t.Messages {
		r.Messages = append(r.Messages, MessageRecord{
			Role:       string(m.Role),
			Content:    m.Content,
			AuthorName: m.AuthorName,
			Timestamp:  m.Timestamp,
		})
	}
	return r
}

// Thread converts a record back into a Thread, rejecting unknown agents and roles.
func (r Record) Thread() (*Thread, error) {
	t := &Thread{
		ID:        r.ID,
		AgentType: agent.Type(r.AgentType),
		Title:     r.Title,
		Tags:      append([]string{}, r.Tags...),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Messages:  make([]Message, 0, len(r.Messages)),
	}
	for _, m := range r.Messages {
		t.Messages = append(t.Messages, Message{
			Role:       agent.Role(m.Role),
			Content:    m.Content,
			AuthorName: m.AuthorName,
			Timestamp:  m.Timestamp,
		})
	}
	if err := validateThread(t); err != nil {
		return nil, fmt.Errorf("record %s: %w", r.ID, err)
	}
	return t, nil
}
