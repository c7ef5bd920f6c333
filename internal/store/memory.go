// ABOUTME: In-memory Store implementation for tests and throwaway runs
// ABOUTME: Copies on the way in and out so callers never share state with the store

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*Thread // keyed by thread ID
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string]*Thread),
	}
}

// CreateThread stores a new thread.
func (m *MemoryStore) CreateThread(ctx context.Context, thread *Thread) error {
	if err := validateThread(thread); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.threads[thread.ID]; exists {
		return ErrDuplicateThread
	}

	t := thread.Clone()
	t.Tags = NormalizeTags(t.Tags)
	t.Messages = clampTimestamps(time.Time{}, t.Messages)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	m.threads[t.ID] = t
	return nil
}

// GetThread retrieves a thread by ID.
func (m *MemoryStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// ListThreads returns thread summaries, most recently updated first.
func (m *MemoryStore) ListThreads(ctx context.Context, filter ThreadFilter) ([]ThreadSummary, error) {
	return m.collect(filter, func(*Thread) bool { return true }), nil
}

// SearchThreads matches query against titles, tags and message content.
func (m *MemoryStore) SearchThreads(ctx context.Context, query string, filter ThreadFilter) ([]ThreadSummary, error) {
	return m.collect(filter, func(t *Thread) bool { return matchesQuery(t, query) }), nil
}

func (m *MemoryStore) collect(filter ThreadFilter, match func(*Thread) bool) []ThreadSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var threads []*Thread
	for _, t := range m.threads {
		if filter.AgentType != "" && t.AgentType != filter.AgentType {
			continue
		}
		if match(t) {
			threads = append(threads, t)
		}
	}
	return sortAndPage(threads, filter)
}

// AppendMessages adds msgs to the end of a thread.
func (m *MemoryStore) AppendMessages(ctx context.Context, threadID string, msgs []Message, updatedAt time.Time) (*Thread, error) {
	if err := validateMessages(msgs); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}

	clamped := clampTimestamps(t.lastTimestamp(), msgs)
	t.Messages = append(t.Messages, clamped...)
	t.UpdatedAt = nextUpdatedAt(t.UpdatedAt, updatedAt, clamped)
	return t.Clone(), nil
}

// DeleteThread removes a thread. Returns ErrNotFound if absent.
func (m *MemoryStore) DeleteThread(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.threads[id]; !ok {
		return ErrNotFound
	}
	delete(m.threads, id)
	return nil
}

// DeleteThreadsBefore removes every thread last updated before cutoff.
func (m *MemoryStore) DeleteThreadsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := []string{}
	for id, t := range m.threads {
		if t.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
			delete(m.threads, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
