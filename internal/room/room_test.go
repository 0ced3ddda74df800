package room

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/whiteboard/backend/internal/board"
)

func TestRegistryJoinLeave(t *testing.T) {
	r := NewRegistry()

	r.Join("room-a", "c1", "#FF6B6B")
	r.Join("room-a", "c2", "#4ECDC4")
	assert.Equal(t, 2, r.CountIn("room-a"))

	ps := r.Participants("room-a")
	require.Len(t, ps, 2)
	assert.Equal(t, "c1", ps[0].ConnectionID)
	assert.Equal(t, "c2", ps[1].ConnectionID)
	assert.Equal(t, "#4ECDC4", ps[1].Color)

	assert.True(t, r.Leave("room-a", "c1"))
	assert.False(t, r.Leave("room-a", "c1"), "second leave is a no-op")
	assert.False(t, r.Leave("missing", "c2"))
	assert.Equal(t, 1, r.CountIn("room-a"))

	_, ok := r.Lookup("c1")
	assert.False(t, ok)
}

func TestRegistryJoinMovesBetweenRooms(t *testing.T) {
	r := NewRegistry()

	r.Join("room-a", "c1", "#FF6B6B")
	r.Join("room-b", "c1", "#4ECDC4")

	assert.Equal(t, 0, r.CountIn("room-a"))
	assert.Equal(t, 1, r.CountIn("room-b"))

	p, ok := r.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, "room-b", p.RoomID)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryMoveCursor(t *testing.T) {
	r := NewRegistry()
	r.Join("room-a", "c1", "#FF6B6B")

	p, ok := r.MoveCursor("room-a", "c1", board.Position{X: 3, Y: 4})
	require.True(t, ok)
	require.NotNil(t, p.Cursor)
	assert.Equal(t, board.Position{X: 3, Y: 4}, *p.Cursor)

	_, ok = r.MoveCursor("room-b", "c1", board.Position{})
	assert.False(t, ok)
}

func TestRegistryReapKeepsEntriesUntilCalled(t *testing.T) {
	r := NewRegistry()
	r.Join("room-a", "c1", "#FF6B6B")
	r.Join("room-b", "c2", "#FF6B6B")
	r.Leave("room-a", "c1")

	assert.Len(t, r.rooms, 2, "empty room is kept until reap")
	assert.Equal(t, map[string]int{"room-b": 1}, r.ActiveRooms())

	assert.Equal(t, 1, r.Reap())
	assert.Len(t, r.rooms, 1)
	assert.Equal(t, 0, r.Reap())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			r.Join("room", id, AllocateColor())
			r.MoveCursor("room", id, board.Position{X: float64(i)})
			_ = r.Participants("room")
			if i%2 == 0 {
				r.Leave("room", id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, r.CountIn("room"))
}

func TestGenerateID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id, err := GenerateID()
		require.NoError(t, err)
		assert.Len(t, id, 8)
		assert.True(t, ValidID(id))
		seen[id] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestAllocateColorFromPalette(t *testing.T) {
	for i := 0; i < 100; i++ {
		assert.Contains(t, Palette, AllocateColor())
	}
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("abc-123_X"))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("has space"))
	assert.False(t, ValidID("../etc"))
}
