// ABOUTME: Tests for the conversation Service
// ABOUTME: Verifies paging rules, delete policies, read retries and append atomicity

package conversation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-crew/internal/agent"
	"github.com/2389/coven-crew/internal/store"
)

// stepClock returns a time that advances by step on every call.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC), step: time.Second}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// flakyStore fails reads or writes a configured number of times.
type flakyStore struct {
	*store.MemoryStore
	readFailures  atomic.Int32
	writeFailures atomic.Int32
	reads         atomic.Int32
	writes        atomic.Int32
}

var errDiskGone = errors.New("disk I/O error")

func (f *flakyStore) GetThread(ctx context.Context, id string) (*store.Thread, error) {
	f.reads.Add(1)
	if f.readFailures.Add(-1) >= 0 {
		return nil, errDiskGone
	}
	return f.MemoryStore.GetThread(ctx, id)
}

func (f *flakyStore) AppendMessages(ctx context.Context, id string, msgs []store.Message, at time.Time) (*store.Thread, error) {
	f.writes.Add(1)
	if f.writeFailures.Add(-1) >= 0 {
		return nil, errDiskGone
	}
	return f.MemoryStore.AppendMessages(ctx, id, msgs, at)
}

func TestService_CreateAndGet(t *testing.T) {
	clock := newStepClock()
	svc := NewService(createTestStore(t), nil, WithClock(clock.Now))
	ctx := context.Background()

	thread, err := svc.Create(ctx, agent.Research, " Q3 scan ", []string{"q3", "q3", "market"})
	require.NoError(t, err)
	assert.NotEmpty(t, thread.ID)
	assert.Equal(t, "Q3 scan", thread.Title)
	assert.Equal(t, []string{"q3", "market"}, thread.Tags)
	assert.Empty(t, thread.Messages)
	assert.True(t, thread.CreatedAt.Equal(thread.UpdatedAt))

	got, err := svc.Get(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, thread.ID, got.ID)
	assert.Equal(t, agent.Research, got.AgentType)
}

func TestService_CreateRejectsUnknownAgent(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), nil)
	_, err := svc.Create(context.Background(), agent.Type("critic"), "", nil)
	assert.ErrorIs(t, err, agent.ErrUnknownType)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestService_GetNotFound(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), nil)
	_, err := svc.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.Get(context.Background(), " ")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestService_DraftIsNotPersisted(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), nil)
	draft, err := svc.Draft(agent.Writer, "", nil)
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), draft.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_ListPaging(t *testing.T) {
	clock := newStepClock()
	svc := NewService(store.NewMemoryStore(), nil, WithClock(clock.Now), WithPageSizes(3, 5))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 7; i++ {
		th, err := svc.Create(ctx, agent.Writer, fmt.Sprintf("t%d", i), nil)
		require.NoError(t, err)
		ids = append(ids, th.ID)
	}

	def, err := svc.List(ctx, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, def, 3, "zero limit uses the default page size")
	assert.Equal(t, ids[6], def[0].ID, "newest first")

	capped, err := svc.List(ctx, "", 1000, 0)
	require.NoError(t, err)
	assert.Len(t, capped, 5, "limit is capped")

	tail, err := svc.List(ctx, agent.Writer, 5, 5)
	require.NoError(t, err)
	assert.Len(t, tail, 2)

	none, err := svc.List(ctx, agent.Research, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestService_ListRejectsBadArguments(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := svc.List(ctx, "", -1, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = svc.List(ctx, "", 0, -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = svc.List(ctx, agent.Type("critic"), 0, 0)
	assert.ErrorIs(t, err, agent.ErrUnknownType)
}

func TestService_Search(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), nil, WithClock(newStepClock().Now))
	ctx := context.Background()

	hit, err := svc.Create(ctx, agent.Research, "Pricing study", nil)
	require.NoError(t, err)
	_, err = svc.Create(ctx, agent.Research, "Other", nil)
	require.NoError(t, err)

	found, err := svc.Search(ctx, "pricing", "", 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, hit.ID, found[0].ID)

	_, err = svc.Search(ctx, "  ", "", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestService_AppendExchange(t *testing.T) {
	clock := newStepClock()
	svc := NewService(createTestStore(t), nil, WithClock(clock.Now))
	ctx := context.Background()

	thread, err := svc.Create(ctx, agent.Research, "", nil)
	require.NoError(t, err)

	got, err := svc.AppendExchange(ctx, thread.ID,
		store.Message{Role: agent.RoleUser, Content: "Summarize X"},
		store.Message{Role: agent.RoleAssistant, Content: "X is ...", AuthorName: "Research Agent"},
	)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
	assert.Equal(t, "Summarize X", got.DisplayTitle())

	_, err = svc.AppendExchange(ctx, thread.ID,
		store.Message{Role: agent.RoleAssistant, Content: "a"},
		store.Message{Role: agent.RoleUser, Content: "b"},
	)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.AppendMessage(ctx, "missing", store.Message{Role: agent.RoleSystem, Content: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_AppendMessageRejectsUnknownRole(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), nil)
	thread, err := svc.Create(context.Background(), agent.Writer, "", nil)
	require.NoError(t, err)

	_, err = svc.AppendMessage(context.Background(), thread.ID, store.Message{Role: "tool", Content: "x"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestService_ConcurrentExchangesNeverInterleave(t *testing.T) {
	svc := NewService(createTestStore(t), nil)
	ctx := context.Background()
	thread, err := svc.Create(ctx, agent.Supervisor, "", nil)
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.AppendExchange(ctx, thread.ID,
				store.Message{Role: agent.RoleUser, Content: fmt.Sprintf("%d", i)},
				store.Message{Role: agent.RoleAssistant, Content: fmt.Sprintf("%d", i)},
			)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := svc.Get(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2*n)
	for i := 0; i < len(got.Messages); i += 2 {
		assert.Equal(t, agent.RoleUser, got.Messages[i].Role)
		assert.Equal(t, agent.RoleAssistant, got.Messages[i+1].Role)
		assert.Equal(t, got.Messages[i].Content, got.Messages[i+1].Content)
	}
}

func TestService_DeleteIsIdempotentByDefault(t *testing.T) {
	svc := NewService(createTestStore(t), nil)
	ctx := context.Background()
	thread, err := svc.Create(ctx, agent.Writer, "", nil)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, thread.ID))
	_, err = svc.Get(ctx, thread.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.NoError(t, svc.Delete(ctx, thread.ID))
	assert.NoError(t, svc.Delete(ctx, "never-existed"))
}

func TestService_StrictDelete(t *testing.T) {
	svc := NewService(createTestStore(t), nil, WithStrictDelete(true))
	ctx := context.Background()
	thread, err := svc.Create(ctx, agent.Writer, "", nil)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, thread.ID))
	assert.ErrorIs(t, svc.Delete(ctx, thread.ID), store.ErrNotFound)
}

func TestService_ReadsRetriedOnce(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	svc := NewService(fs, nil)
	ctx := context.Background()
	thread, err := svc.Create(ctx, agent.Research, "", nil)
	require.NoError(t, err)

	fs.readFailures.Store(1)
	got, err := svc.Get(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, thread.ID, got.ID)
	assert.Equal(t, int32(2), fs.reads.Load())

	fs.reads.Store(0)
	fs.readFailures.Store(5)
	_, err = svc.Get(ctx, thread.ID)
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "get", pe.Op)
	assert.Equal(t, thread.ID, pe.ThreadID)
	assert.ErrorIs(t, err, errDiskGone)
	assert.Equal(t, int32(2), fs.reads.Load())
}

func TestService_NotFoundIsNotRetried(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	svc := NewService(fs, nil)

	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, int32(1), fs.reads.Load())
}

func TestService_WritesNeverRetried(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	svc := NewService(fs, nil)
	ctx := context.Background()
	thread, err := svc.Create(ctx, agent.Research, "", nil)
	require.NoError(t, err)

	fs.writeFailures.Store(1)
	_, err = svc.AppendMessage(ctx, thread.ID, store.Message{Role: agent.RoleUser, Content: "x"})
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "append", pe.Op)
	assert.Equal(t, int32(1), fs.writes.Load())

	got, err := svc.Get(ctx, thread.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Messages)
}

func TestService_Cleanup(t *testing.T) {
	clock := newStepClock()
	clock.step = time.Hour
	svc := NewService(store.NewMemoryStore(), nil, WithClock(clock.Now))
	ctx := context.Background()

	old, err := svc.Create(ctx, agent.Writer, "", nil) // 09:00
	require.NoError(t, err)
	fresh, err := svc.Create(ctx, agent.Writer, "", nil) // 10:00
	require.NoError(t, err)

	// now = 11:00, cutoff = 09:30
	ids, err := svc.Cleanup(ctx, 90*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, ids)

	_, err = svc.Get(ctx, fresh.ID)
	assert.NoError(t, err)

	_, err = svc.Cleanup(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPersistenceError_Message(t *testing.T) {
	err := &PersistenceError{Op: "append", ThreadID: "t-1", Err: errDiskGone}
	assert.Equal(t, "persistence: append thread t-1: disk I/O error", err.Error())
	assert.Equal(t, "persistence: list: disk I/O error", (&PersistenceError{Op: "list", Err: errDiskGone}).Error())
}
