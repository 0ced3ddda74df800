package api

import (
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/whiteboard/backend/internal/db"
	"github.com/manpreetbhatti/whiteboard/backend/internal/room"
	"github.com/manpreetbhatti/whiteboard/backend/internal/ws"
)

//go:embed static/index.html
var indexHTML []byte

type API struct {
	hub   *ws.Hub
	store db.Store
}

func New(hub *ws.Hub, store db.Store) *API {
	return &API{
		hub:   hub,
		store: store,
	}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Error("Error encoding JSON response")
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := a.store.Ping(r.Context()); err != nil {
		log.WithError(err).Warn("Health check: store unreachable")
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	jsonResponse(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if st, err := a.store.Stats(r.Context()); err == nil {
		stats["total_rooms"] = st.RoomCount
		stats["total_items"] = st.ItemCount
	} else {
		log.WithError(err).Warn("Stats: store query failed")
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type PasscodeRequest struct {
	Passcode string `json:"passcode"`
}

type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
}

type JoinRoomResponse struct {
	Success bool `json:"success"`
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req PasscodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	roomID, err := a.hub.CreateRoom(r.Context(), req.Passcode)
	switch {
	case err == nil:
		jsonResponse(w, http.StatusCreated, CreateRoomResponse{RoomID: roomID})
	case errors.Is(err, ws.ErrValidation):
		errorResponse(w, http.StatusBadRequest, "Passcode is required")
	case errors.Is(err, db.ErrDuplicateRoom):
		errorResponse(w, http.StatusConflict, "Room ID already exists, please try again")
	default:
		log.WithError(err).Error("Create whiteboard failed")
		errorResponse(w, http.StatusInternalServerError, "Failed to create whiteboard")
	}
}

func (a *API) JoinRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")

	var req PasscodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := a.hub.VerifyJoin(r.Context(), roomID, req.Passcode)
	switch {
	case err == nil:
		jsonResponse(w, http.StatusOK, JoinRoomResponse{Success: true})
	case errors.Is(err, ws.ErrValidation):
		errorResponse(w, http.StatusBadRequest, "Room ID and passcode are required")
	case errors.Is(err, ws.ErrRoomNotFound):
		errorResponse(w, http.StatusNotFound, "Whiteboard not found")
	case errors.Is(err, ws.ErrInvalidPasscode):
		errorResponse(w, http.StatusUnauthorized, "Invalid passcode")
	default:
		log.WithFields(log.Fields{"room": roomID, "error": err}).Error("Join whiteboard failed")
		errorResponse(w, http.StatusInternalServerError, "Failed to join whiteboard")
	}
}

// Pages

// NewRoomRedirect sends the browser to a freshly generated room path. The
// room itself is only stored once the page posts to /new.
func (a *API) NewRoomRedirect(w http.ResponseWriter, r *http.Request) {
	roomID, err := room.GenerateID()
	if err != nil {
		log.WithError(err).Error("Failed to generate room id")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/"+roomID, http.StatusFound)
}

func (a *API) RoomPage(w http.ResponseWriter, r *http.Request) {
	if !room.ValidID(chi.URLParam(r, "roomId")) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

func (a *API) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	ws.ServeWs(a.hub, w, r)
}
