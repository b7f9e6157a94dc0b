package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/ambient/internal/db"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	sqlDB, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return NewStore(sqlDB)
}

func messages(contents ...string) []Message {
	var msgs []Message
	for i, c := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, Message{Role: role, Content: c})
	}
	return msgs
}

func TestEnqueueAndInspect(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item, err := s.Enqueue(ctx, "u1", "sess-1", messages("hi", "hello"))
	require.NoError(t, err)

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, StatePending, item.State)
	assert.Len(t, item.Messages, 2)
	assert.Nil(t, item.StartedAt)

	got, err := s.Inspect(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnqueueIdempotentRefreshesSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, "u1", "sess-1", messages("hi"))
	require.NoError(t, err)

	second, err := s.Enqueue(ctx, "u1", "sess-1", messages("hi", "hello", "more"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "re-enqueue must not create a new item")
	assert.Len(t, second.Messages, 3, "snapshot must be refreshed")
	assert.Equal(t, first.CreatedAt, second.CreatedAt, "item must keep its position")

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnqueueAfterTerminalCreatesFreshItem(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, "u1", "sess-1", messages("hi"))
	require.NoError(t, err)

	claimed, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, claimed.ID, "backend down"))

	second, err := s.Enqueue(ctx, "u1", "sess-1", messages("hi", "again"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "terminal items are never resurrected")
	assert.Equal(t, StatePending, second.State)

	failed, err := s.Inspect(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, failed.State)
	assert.Equal(t, "backend down", failed.LastError)
}

func TestDequeueFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// created_at has second granularity; distinct ids break ties in order,
	// so force distinct created_at values for a deterministic sequence.
	a, err := s.Enqueue(ctx, "u1", "a", messages("a"))
	require.NoError(t, err)
	backdate(t, s, a.ID, -3)
	b, err := s.Enqueue(ctx, "u1", "b", messages("b"))
	require.NoError(t, err)
	backdate(t, s, b.ID, -2)
	c, err := s.Enqueue(ctx, "u1", "c", messages("c"))
	require.NoError(t, err)
	backdate(t, s, c.ID, -1)

	for _, want := range []string{a.ID, b.ID, c.ID} {
		item, err := s.DequeueNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, want, item.ID)
		assert.Equal(t, StateInProgress, item.State)
		assert.NotNil(t, item.StartedAt)
		require.NoError(t, s.Complete(ctx, item.ID))
	}

	item, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, item, "empty queue is not an error")
}

func TestRefreshKeepsQueuePosition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.Enqueue(ctx, "u1", "a", messages("a"))
	require.NoError(t, err)
	backdate(t, s, a.ID, -2)
	b, err := s.Enqueue(ctx, "u1", "b", messages("b"))
	require.NoError(t, err)
	backdate(t, s, b.ID, -1)

	// Refreshing a must not push it behind b.
	_, err = s.Enqueue(ctx, "u1", "a", messages("a", "more"))
	require.NoError(t, err)

	item, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID, item.ID)
	assert.Len(t, item.Messages, 2)
}

func TestDequeueSingleFlight(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const items = 5
	for i := 0; i < items; i++ {
		_, err := s.Enqueue(ctx, "u1", string(rune('a'+i)), messages("x"))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := s.DequeueNext(ctx)
			assert.NoError(t, err)
			if item != nil {
				mu.Lock()
				claimed[item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, items)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "item %s claimed more than once", id)
	}
}

func TestInvalidTransitionsAreLoud(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item, err := s.Enqueue(ctx, "u1", "sess-1", messages("hi"))
	require.NoError(t, err)

	// Completing a pending item is a programming error.
	err = s.Complete(ctx, item.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	claimed, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, claimed.ID))

	// Terminal states accept no further transitions.
	assert.ErrorIs(t, s.Complete(ctx, claimed.ID), ErrInvalidTransition)
	assert.ErrorIs(t, s.Fail(ctx, claimed.ID, "late"), ErrInvalidTransition)

	// Unknown ids are reported distinctly.
	assert.ErrorIs(t, s.Complete(ctx, "no-such-item"), ErrNotFound)
	_, err = s.Inspect(ctx, "no-such-item")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResetInFlight(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item, err := s.Enqueue(ctx, "u1", "sess-1", messages("hi"))
	require.NoError(t, err)
	_, err = s.DequeueNext(ctx)
	require.NoError(t, err)

	n, err := s.ResetInFlight(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.Inspect(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, item.CreatedAt, got.CreatedAt, "recovered item keeps its position")
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	sqlDB, err := db.Open(path)
	require.NoError(t, err)
	s := NewStore(sqlDB)
	ctx := context.Background()

	item, err := s.Enqueue(ctx, "u1", "sess-1", messages("hi", "hello"))
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	sqlDB, err = db.Open(path)
	require.NoError(t, err)
	defer sqlDB.Close()
	s = NewStore(sqlDB)

	got, err := s.Inspect(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.Len(t, got.Messages, 2)
}

func TestPruneTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "u1", "old", messages("x"))
	require.NoError(t, err)
	claimed, err := s.DequeueNext(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, claimed.ID))

	_, err = s.Enqueue(ctx, "u1", "fresh", messages("y"))
	require.NoError(t, err)

	n, err := s.PruneTerminal(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "only terminal items are pruned")

	pending, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

// backdate shifts an item's created_at for deterministic ordering tests.
func backdate(t *testing.T, s *Store, id string, seconds int64) {
	t.Helper()
	_, err := s.db.Exec(`UPDATE learning_queue SET created_at = created_at + ? WHERE id = ?`, seconds, id)
	require.NoError(t, err)
}
