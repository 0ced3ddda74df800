package db

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/whiteboard/backend/internal/board"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func setupTestDB(t *testing.T, clock *fakeClock) *Database {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	database, err := New(dbPath, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

// runStoreSuite exercises behaviour every Store implementation must share.
func runStoreSuite(t *testing.T, open func(t *testing.T, clock *fakeClock) Store) {
	ctx := context.Background()

	t.Run("CreateAndFind", func(t *testing.T) {
		clock := newFakeClock()
		s := open(t, clock)

		created, err := s.CreateRoom(ctx, "room-1", "hash")
		require.NoError(t, err)
		assert.Empty(t, created.Content)
		assert.True(t, created.LastAccessed.Equal(clock.Now()))

		got, err := s.FindRoom(ctx, "room-1")
		require.NoError(t, err)
		assert.Equal(t, "hash", got.PasscodeHash)
		assert.Empty(t, got.Content)
		assert.True(t, got.CreatedAt.Equal(clock.Now()))
	})

	t.Run("DuplicateRoom", func(t *testing.T) {
		s := open(t, newFakeClock())

		_, err := s.CreateRoom(ctx, "room-1", "first")
		require.NoError(t, err)
		_, err = s.CreateRoom(ctx, "room-1", "second")
		assert.ErrorIs(t, err, ErrDuplicateRoom)

		got, err := s.FindRoom(ctx, "room-1")
		require.NoError(t, err)
		assert.Equal(t, "first", got.PasscodeHash, "existing room must not be overwritten")
	})

	t.Run("MissingRoom", func(t *testing.T) {
		s := open(t, newFakeClock())

		_, err := s.FindRoom(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Touch(ctx, "nope"), ErrNotFound)
		assert.ErrorIs(t, s.AppendContent(ctx, "nope", board.NewText(1, 1, "x")), ErrNotFound)
		assert.ErrorIs(t, s.ReplaceContent(ctx, "nope", nil), ErrNotFound)
		assert.ErrorIs(t, s.RewriteContent(ctx, "nope", nil), ErrNotFound)
	})

	t.Run("AppendPreservesOrder", func(t *testing.T) {
		s := open(t, newFakeClock())
		_, err := s.CreateRoom(ctx, "room-1", "hash")
		require.NoError(t, err)

		want := []board.Item{
			board.NewText(10, 20, "hello"),
			board.NewHighlight(5.5, 6.5, "important"),
			board.NewText(-1, 0, ""),
		}
		for _, it := range want {
			require.NoError(t, s.AppendContent(ctx, "room-1", it))
		}

		got, err := s.FindRoom(ctx, "room-1")
		require.NoError(t, err)
		assert.Equal(t, want, got.Content)
	})

	t.Run("AppendRejectsInvalidItem", func(t *testing.T) {
		s := open(t, newFakeClock())
		_, err := s.CreateRoom(ctx, "room-1", "hash")
		require.NoError(t, err)

		err = s.AppendContent(ctx, "room-1", board.Item{X: 1, Y: 1})
		assert.ErrorIs(t, err, board.ErrUnknownKind)
		assert.True(t, Permanent(err))
	})

	t.Run("ReplaceClears", func(t *testing.T) {
		s := open(t, newFakeClock())
		_, err := s.CreateRoom(ctx, "room-1", "hash")
		require.NoError(t, err)
		require.NoError(t, s.AppendContent(ctx, "room-1", board.NewText(1, 2, "a")))
		require.NoError(t, s.AppendContent(ctx, "room-1", board.NewText(3, 4, "b")))

		require.NoError(t, s.ReplaceContent(ctx, "room-1", []board.Item{}))

		got, err := s.FindRoom(ctx, "room-1")
		require.NoError(t, err)
		assert.Empty(t, got.Content)
	})

	t.Run("TouchIsMonotonic", func(t *testing.T) {
		clock := newFakeClock()
		s := open(t, clock)
		_, err := s.CreateRoom(ctx, "room-1", "hash")
		require.NoError(t, err)

		clock.Advance(time.Hour)
		later := clock.Now()
		require.NoError(t, s.Touch(ctx, "room-1"))

		clock.Set(later.Add(-30 * time.Minute))
		require.NoError(t, s.Touch(ctx, "room-1"))

		got, err := s.FindRoom(ctx, "room-1")
		require.NoError(t, err)
		assert.True(t, got.LastAccessed.Equal(later))
	})

	t.Run("RewriteKeepsLastAccessed", func(t *testing.T) {
		clock := newFakeClock()
		s := open(t, clock)
		_, err := s.CreateRoom(ctx, "room-1", "hash")
		require.NoError(t, err)
		require.NoError(t, s.AppendContent(ctx, "room-1", board.NewText(1.4, 2.6, "x")))
		before := clock.Now()

		clock.Advance(2 * time.Hour)
		require.NoError(t, s.RewriteContent(ctx, "room-1", []board.Item{board.NewText(1, 3, "x")}))

		got, err := s.FindRoom(ctx, "room-1")
		require.NoError(t, err)
		assert.True(t, got.LastAccessed.Equal(before))
		assert.Equal(t, []board.Item{board.NewText(1, 3, "x")}, got.Content)
	})

	t.Run("IdleAndExpiredListing", func(t *testing.T) {
		clock := newFakeClock()
		s := open(t, clock)

		_, err := s.CreateRoom(ctx, "old", "hash")
		require.NoError(t, err)
		require.NoError(t, s.AppendContent(ctx, "old", board.NewText(1, 1, "x")))

		clock.Advance(2 * time.Hour)
		_, err = s.CreateRoom(ctx, "fresh", "hash")
		require.NoError(t, err)

		threshold := clock.Now().Add(-time.Hour)

		ids, err := s.ListExpiredBefore(ctx, threshold)
		require.NoError(t, err)
		assert.Equal(t, []string{"old"}, ids)

		idle, err := s.ListIdleSince(ctx, threshold)
		require.NoError(t, err)
		require.Len(t, idle, 1)
		assert.Equal(t, "old", idle[0].ID)
		assert.Empty(t, idle[0].Content, "listing carries metadata only")
	})

	t.Run("DeleteAndStats", func(t *testing.T) {
		s := open(t, newFakeClock())
		_, err := s.CreateRoom(ctx, "a", "hash")
		require.NoError(t, err)
		_, err = s.CreateRoom(ctx, "b", "hash")
		require.NoError(t, err)
		require.NoError(t, s.AppendContent(ctx, "a", board.NewText(1, 1, "x")))
		require.NoError(t, s.AppendContent(ctx, "b", board.NewText(1, 1, "y")))
		require.NoError(t, s.AppendContent(ctx, "b", board.NewHighlight(1, 1, "z")))

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{RoomCount: 2, ItemCount: 3}, st)

		require.NoError(t, s.DeleteRoom(ctx, "b"))
		_, err = s.FindRoom(ctx, "b")
		assert.ErrorIs(t, err, ErrNotFound)

		st, err = s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{RoomCount: 1, ItemCount: 1}, st)

		require.NoError(t, s.Ping(ctx))
	})
}

func TestDatabase(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, clock *fakeClock) Store {
		return setupTestDB(t, clock)
	})
}

func TestDatabaseReopenKeepsRooms(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "nested", "wb.db")

	first, err := New(dbPath)
	require.NoError(t, err)
	_, err = first.CreateRoom(ctx, "room-1", "hash")
	require.NoError(t, err)
	require.NoError(t, first.AppendContent(ctx, "room-1", board.NewHighlight(7, 8, "kept")))
	require.NoError(t, first.Close())

	second, err := New(dbPath)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.FindRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []board.Item{board.NewHighlight(7, 8, "kept")}, got.Content)
}
