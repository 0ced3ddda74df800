package ws

import (
	"encoding/json"

	"github.com/manpreetbhatti/whiteboard/backend/internal/board"
)

// Client -> server events
const (
	EventJoinRoom        = "join-room"
	EventCursorMove      = "cursor-move"
	EventNewTextbox      = "new-textbox"
	EventTextUpdate      = "text-update"
	EventHighlightUpdate = "highlight-update"
	EventClearBoard      = "clear-board"
	EventUndo            = "undo"
)

// Server -> client events. Edit events reuse the names above.
const (
	EventRoomJoined   = "room-joined"
	EventJoinError    = "join-error"
	EventLoadContent  = "load-content"
	EventUserCount    = "user-count"
	EventUserJoined   = "user-joined"
	EventUserLeft     = "user-left"
	EventCursorUpdate = "cursor-update"
	EventError        = "error"
)

// Join failure reasons sent with join-error.
const (
	ReasonNotFound        = "Whiteboard not found"
	ReasonInvalidPasscode = "Invalid passcode"
	ReasonJoinFailed      = "Failed to join room"
)

// Envelope is one live-channel frame: {"event": "...", "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func encodeEvent(event string, data any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: data})
}

// Inbound payloads. RoomID fields are accepted for compatibility with older
// clients but ignored; the hub routes by current membership.

type JoinRoomRequest struct {
	RoomID   string `json:"roomId"`
	Passcode string `json:"passcode"`
}

type TextUpdate struct {
	Text   string  `json:"text"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	RoomID string  `json:"roomId,omitempty"`
}

type HighlightUpdate struct {
	Text     string         `json:"text"`
	Position board.Position `json:"position"`
	RoomID   string         `json:"roomId,omitempty"`
}

type NewTextbox struct {
	ID     string  `json:"id,omitempty"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	RoomID string  `json:"roomId,omitempty"`
}

// Outbound payloads

type UserJoined struct {
	ID    string `json:"id"`
	Color string `json:"color"`
}

type CursorUpdate struct {
	ID       string         `json:"id"`
	Color    string         `json:"color"`
	Position board.Position `json:"position"`
}

func decodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return ErrValidation
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return errValidationf("malformed %s payload", env.Event)
	}
	return nil
}
