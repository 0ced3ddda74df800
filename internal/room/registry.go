// Package room tracks who is live in which whiteboard room. Nothing here is
// persisted; the registry is rebuilt from connections after a restart.
package room

import (
	"sort"
	"sync"

	"github.com/manpreetbhatti/whiteboard/backend/internal/board"
)

// A live connection that has joined a room
type Participant struct {
	ConnectionID string
	RoomID       string
	Color        string
	Cursor       *board.Position

	seq uint64
}

// Registry maps room IDs to their current participants. The session hub is
// its only writer; readers (stats endpoints) may call it from any goroutine.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]*Participant
	byConn  map[string]*Participant
	nextSeq uint64
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]map[string]*Participant),
		byConn: make(map[string]*Participant),
	}
}

// Join adds connID to roomID. A connection belongs to one room at a time, so
// any previous membership is dropped.
func (r *Registry) Join(roomID, connID, color string) Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[connID]; ok {
		delete(r.rooms[prev.RoomID], connID)
	}

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]*Participant)
		r.rooms[roomID] = members
	}

	r.nextSeq++
	p := &Participant{
		ConnectionID: connID,
		RoomID:       roomID,
		Color:        color,
		seq:          r.nextSeq,
	}
	members[connID] = p
	r.byConn[connID] = p
	return *p
}

// Leave is a no-op when connID is not in roomID. Empty rooms stay until Reap.
func (r *Registry) Leave(roomID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	delete(r.byConn, connID)
	return true
}

func (r *Registry) MoveCursor(roomID, connID string, pos board.Position) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.rooms[roomID][connID]
	if !ok {
		return Participant{}, false
	}
	cursor := pos
	p.Cursor = &cursor
	return *p, true
}

func (r *Registry) CountIn(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// Participants returns the members of roomID in join order.
func (r *Registry) Participants(roomID string) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]Participant, 0, len(members))
	for _, p := range members {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *Registry) Lookup(connID string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byConn[connID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// ActiveRooms returns participant counts for rooms with at least one member.
func (r *Registry) ActiveRooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.rooms))
	for id, members := range r.rooms {
		if len(members) > 0 {
			out[id] = len(members)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// Reap drops empty room entries and returns how many were removed.
func (r *Registry) Reap() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, members := range r.rooms {
		if len(members) == 0 {
			delete(r.rooms, id)
			n++
		}
	}
	return n
}
