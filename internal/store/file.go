// ABOUTME: Store implementation keeping one JSON document per thread in a directory
// ABOUTME: Writes replace the whole record via temp file and rename under a per-thread lock

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/2389/coven-crew/internal/agent"
	"github.com/2389/coven-crew/internal/keylock"
)

const recordExt = ".json"

// FileStore implements Store with one JSON file per thread.
type FileStore struct {
	dir    string
	locks  keylock.Map
	logger *slog.Logger
}

// NewFileStore creates a file store rooted at dir, creating it if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	s := &FileStore{
		dir:    dir,
		logger: logger.With("component", "store"),
	}
	s.logger.Info("file store initialized", "dir", dir)
	return s, nil
}

// path maps an id to its file. Ids that could escape the directory have no file.
func (s *FileStore) path(id string) (string, bool) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", false
	}
	return filepath.Join(s.dir, id+recordExt), true
}

func (s *FileStore) read(id string) (*Thread, error) {
	p, ok := s.path(id)
	if !ok {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading thread %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding thread %s: %w", id, err)
	}
	return rec.Thread()
}

// write replaces the thread's file atomically.
func (s *FileStore) write(t *Thread) error {
	p, ok := s.path(t.ID)
	if !ok {
		return fmt.Errorf("%w: thread id %q", ErrInvalidRecord, t.ID)
	}
	data, err := json.MarshalIndent(t.Record(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding thread %s: %w", t.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+t.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing thread %s: %w", t.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing thread %s: %w", t.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing thread %s: %w", t.ID, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return fmt.Errorf("replacing thread %s: %w", t.ID, err)
	}
	return nil
}

// CreateThread writes a new thread file.
func (s *FileStore) CreateThread(ctx context.Context, thread *Thread) error {
	if err := validateThread(thread); err != nil {
		return err
	}
	p, ok := s.path(thread.ID)
	if !ok {
		return fmt.Errorf("%w: thread id %q", ErrInvalidRecord, thread.ID)
	}

	unlock := s.locks.Lock(thread.ID)
	defer unlock()

	if _, err := os.Stat(p); err == nil {
		return ErrDuplicateThread
	}

	t := thread.Clone()
	t.Tags = NormalizeTags(t.Tags)
	t.Messages = clampTimestamps(time.Time{}, t.Messages)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if err := s.write(t); err != nil {
		return err
	}
	s.logger.Debug("created thread", "id", t.ID, "agent_type", t.AgentType)
	return nil
}

// GetThread reads a thread file.
func (s *FileStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	return s.read(id)
}

// ListThreads returns thread summaries, most recently updated first.
func (s *FileStore) ListThreads(ctx context.Context, filter ThreadFilter) ([]ThreadSummary, error) {
	threads, err := s.all(ctx, filter.AgentType, func(*Thread) bool { return true })
	if err != nil {
		return nil, err
	}
	return sortAndPage(threads, filter), nil
}

// SearchThreads matches query against titles, tags and message content.
func (s *FileStore) SearchThreads(ctx context.Context, query string, filter ThreadFilter) ([]ThreadSummary, error) {
	threads, err := s.all(ctx, filter.AgentType, func(t *Thread) bool { return matchesQuery(t, query) })
	if err != nil {
		return nil, err
	}
	return sortAndPage(threads, filter), nil
}

// all loads every readable record. Files removed mid-scan are skipped;
// corrupt files are logged and skipped so one bad record cannot hide the rest.
func (s *FileStore) all(ctx context.Context, agentType agent.Type, match func(*Thread) bool) ([]*Thread, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing store directory: %w", err)
	}

	var threads []*Thread
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		t, err := s.read(strings.TrimSuffix(name, recordExt))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warn("skipping unreadable thread file", "file", name, "error", err)
			continue
		}
		if agentType != "" && t.AgentType != agentType {
			continue
		}
		if match(t) {
			threads = append(threads, t)
		}
	}
	return threads, nil
}

// AppendMessages rewrites the thread file with msgs appended.
func (s *FileStore) AppendMessages(ctx context.Context, threadID string, msgs []Message, updatedAt time.Time) (*Thread, error) {
	if err := validateMessages(msgs); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(threadID)
	defer unlock()

	t, err := s.read(threadID)
	if err != nil {
		return nil, err
	}
	clamped := clampTimestamps(t.lastTimestamp(), msgs)
	t.Messages = append(t.Messages, clamped...)
	t.UpdatedAt = nextUpdatedAt(t.UpdatedAt, updatedAt, clamped)

	if err := s.write(t); err != nil {
		return nil, err
	}
	return t, nil
}

// DeleteThread removes a thread file. Returns ErrNotFound if absent.
func (s *FileStore) DeleteThread(ctx context.Context, id string) error {
	p, ok := s.path(id)
	if !ok {
		return ErrNotFound
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	err := os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deleting thread %s: %w", id, err)
	}
	s.logger.Debug("deleted thread", "id", id)
	return nil
}

// DeleteThreadsBefore removes every thread last updated before cutoff.
func (s *FileStore) DeleteThreadsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	threads, err := s.all(ctx, "", func(t *Thread) bool { return t.UpdatedAt.Before(cutoff) })
	if err != nil {
		return nil, err
	}

	ids := []string{}
	for _, t := range threads {
		err := s.deleteIfStale(t.ID, cutoff)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return ids, err
		}
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	if len(ids) > 0 {
		s.logger.Info("deleted expired threads", "count", len(ids), "cutoff", cutoff)
	}
	return ids, nil
}

// deleteIfStale re-checks updated_at under the lock so a concurrent append wins.
func (s *FileStore) deleteIfStale(id string, cutoff time.Time) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	t, err := s.read(id)
	if err != nil {
		return err
	}
	if !t.UpdatedAt.Before(cutoff) {
		return ErrNotFound
	}
	p, _ := s.path(id)
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting thread %s: %w", id, err)
	}
	return nil
}

// Close is a no-op; every write is already durable.
func (s *FileStore) Close() error {
	return nil
}
