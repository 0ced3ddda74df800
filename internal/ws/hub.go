package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/whiteboard/backend/internal/board"
	"github.com/manpreetbhatti/whiteboard/backend/internal/db"
	"github.com/manpreetbhatti/whiteboard/backend/internal/metrics"
	"github.com/manpreetbhatti/whiteboard/backend/internal/passcode"
	"github.com/manpreetbhatti/whiteboard/backend/internal/room"
)

const (
	eventQueueSize = 1024
	reapInterval   = time.Minute
)

// Events processed by the hub loop. Client state (room, colour, pending
// join) is only read and written from the loop.
type (
	registerEvent   struct{ client *Client }
	unregisterEvent struct{ client *Client }
	messageEvent    struct {
		client *Client
		data   []byte
	}
	joinResultEvent struct {
		client  *Client
		seq     uint64
		roomID  string
		content []board.Item
		err     error
	}
)

// Hub coordinates live room sessions. A single goroutine (Run) applies every
// membership change and relay in arrival order; store calls run on their own
// goroutines and report back through the event queue.
type Hub struct {
	store    db.Store
	hasher   passcode.Hasher
	registry *room.Registry

	events chan any
	done   chan struct{}

	// owned by the Run goroutine
	clients map[string]*Client

	clientCount atomic.Int64
	tasks       sync.WaitGroup

	generateID   func() (string, error)
	allocColor   func() string
	reapInterval time.Duration
}

type Option func(*Hub)

func WithIDGenerator(fn func() (string, error)) Option {
	return func(h *Hub) { h.generateID = fn }
}

func WithColorAllocator(fn func() string) Option {
	return func(h *Hub) { h.allocColor = fn }
}

func WithReapInterval(d time.Duration) Option {
	return func(h *Hub) { h.reapInterval = d }
}

func NewHub(store db.Store, hasher passcode.Hasher, registry *room.Registry, opts ...Option) *Hub {
	h := &Hub{
		store:        store,
		hasher:       hasher,
		registry:     registry,
		events:       make(chan any, eventQueueSize),
		done:         make(chan struct{}),
		clients:      make(map[string]*Client),
		generateID:   room.GenerateID,
		allocColor:   room.AllocateColor,
		reapInterval: reapInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run processes events until ctx is cancelled, then closes every client's
// send channel.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.reapInterval)
	defer ticker.Stop()

	defer func() {
		close(h.done)
		for _, c := range h.clients {
			h.drop(c)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.WithField("clients", len(h.clients)).Info("Hub stopping")
			return

		case <-ticker.C:
			if n := h.registry.Reap(); n > 0 {
				log.WithField("rooms", n).Debug("Reaped empty rooms")
			}

		case ev := <-h.events:
			h.safeHandle(ev)
		}
	}
}

// Shutdown waits for Run to return, then for in-flight store tasks (persists
// and join checks). Only the loop starts tasks, so none begin after Run ends.
func (h *Hub) Shutdown(ctx context.Context) error {
	select {
	case <-h.done:
	case <-ctx.Done():
		return fmt.Errorf("hub shutdown: %w", ctx.Err())
	}

	finished := make(chan struct{})
	go func() {
		h.tasks.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hub shutdown: %w", ctx.Err())
	}
}

func (h *Hub) Register(c *Client) bool {
	return h.enqueue(registerEvent{client: c})
}

func (h *Hub) Unregister(c *Client) bool {
	return h.enqueue(unregisterEvent{client: c})
}

// Dispatch queues a raw frame from c. It returns false once the hub stopped.
func (h *Hub) Dispatch(c *Client, data []byte) bool {
	return h.enqueue(messageEvent{client: c, data: data})
}

func (h *Hub) enqueue(ev any) bool {
	select {
	case <-h.done:
		return false
	default:
	}

	select {
	case h.events <- ev:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) safeHandle(ev any) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"panic": r,
				"event": fmt.Sprintf("%T", ev),
				"stack": string(debug.Stack()),
			}).Error("Recovered panic in hub loop")
		}
	}()

	switch e := ev.(type) {
	case registerEvent:
		h.register(e.client)
	case unregisterEvent:
		h.disconnect(e.client)
	case messageEvent:
		h.handleMessage(e.client, e.data)
	case joinResultEvent:
		h.completeJoin(e)
	default:
		log.WithField("event", fmt.Sprintf("%T", ev)).Warn("Unknown hub event")
	}
}

func (h *Hub) register(c *Client) {
	if _, ok := h.clients[c.id]; ok {
		return
	}
	h.clients[c.id] = c
	h.clientCount.Add(1)
	metrics.ActiveConnections.Inc()
	log.WithField("client", c.id).Debug("Client connected")
}

// disconnect removes c from its room, tells the rest of the room and closes
// the send channel. Calling it twice is harmless.
func (h *Hub) disconnect(c *Client) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	if c.roomID != "" {
		h.leaveRoom(c)
	}
	h.drop(c)
	log.WithField("client", c.id).Debug("Client disconnected")
}

func (h *Hub) drop(c *Client) {
	delete(h.clients, c.id)
	c.close()
	h.clientCount.Add(-1)
	metrics.ActiveConnections.Dec()
}

func (h *Hub) leaveRoom(c *Client) {
	roomID := c.roomID
	c.roomID = ""
	c.color = ""
	if !h.registry.Leave(roomID, c.id) {
		return
	}

	remaining := h.registry.CountIn(roomID)
	h.broadcast(roomID, "", EventUserCount, remaining)
	h.broadcast(roomID, "", EventUserLeft, c.id)

	log.WithFields(log.Fields{
		"room":      roomID,
		"client":    c.id,
		"remaining": remaining,
	}).Info("Client left room")
}

func (h *Hub) handleMessage(c *Client, data []byte) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		h.sendError(c, "malformed message")
		return
	}
	metrics.LiveEvents.WithLabelValues(metricEventLabel(env.Event)).Inc()

	var err error
	switch env.Event {
	case EventJoinRoom:
		err = h.handleJoin(c, env)
	case EventCursorMove:
		err = h.handleCursorMove(c, env)
	case EventNewTextbox:
		err = h.handleNewTextbox(c, env)
	case EventTextUpdate:
		err = h.handleTextUpdate(c, env)
	case EventHighlightUpdate:
		err = h.handleHighlightUpdate(c, env)
	case EventClearBoard:
		h.handleClear(c)
	case EventUndo:
		h.handleUndo(c)
	default:
		err = errValidationf("unknown event %q", env.Event)
	}

	if err != nil {
		h.sendError(c, err.Error())
	}
}

// Join

func (h *Hub) handleJoin(c *Client, env Envelope) error {
	var req JoinRoomRequest
	if err := decodeData(env, &req); err != nil {
		h.send(c, EventJoinError, ReasonJoinFailed)
		return nil
	}

	c.joinSeq++
	seq := c.joinSeq

	if !room.ValidID(req.RoomID) {
		h.failJoin(c, ErrRoomNotFound)
		return nil
	}
	if req.Passcode == "" {
		h.failJoin(c, ErrInvalidPasscode)
		return nil
	}

	h.tasks.Add(1)
	go func() {
		defer h.tasks.Done()
		r, err := h.verify(context.Background(), req.RoomID, req.Passcode)
		result := joinResultEvent{client: c, seq: seq, roomID: req.RoomID, err: err}
		if err == nil {
			result.content = r.Content
		}
		h.enqueue(result)
	}()
	return nil
}

func (h *Hub) completeJoin(res joinResultEvent) {
	c := res.client
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	// A newer join from the same connection supersedes this one.
	if res.seq != c.joinSeq {
		return
	}
	if res.err != nil {
		h.failJoin(c, res.err)
		return
	}

	if c.roomID != "" {
		h.leaveRoom(c)
	}

	color := h.allocColor()
	h.registry.Join(res.roomID, c.id, color)
	c.roomID = res.roomID
	c.color = color
	metrics.Joins.WithLabelValues("live", "ok").Inc()

	roomID := res.roomID
	h.persist("touch", roomID, func(ctx context.Context) error {
		return h.store.Touch(ctx, roomID)
	})

	count := h.registry.CountIn(roomID)
	h.send(c, EventRoomJoined, nil)
	h.broadcast(roomID, "", EventUserCount, count)
	h.broadcast(roomID, c.id, EventUserJoined, UserJoined{ID: c.id, Color: color})

	content := res.content
	if content == nil {
		content = []board.Item{}
	}
	h.send(c, EventLoadContent, content)

	log.WithFields(log.Fields{
		"room":   roomID,
		"client": c.id,
		"count":  count,
	}).Info("Client joined room")
}

func (h *Hub) failJoin(c *Client, err error) {
	reason := joinReason(err)
	metrics.Joins.WithLabelValues("live", joinResultLabel(err)).Inc()
	if reason == ReasonJoinFailed {
		log.WithFields(log.Fields{"client": c.id, "error": err}).Error("Join failed")
	}
	h.send(c, EventJoinError, reason)
}

// Presence and edits

func (h *Hub) handleCursorMove(c *Client, env Envelope) error {
	if c.roomID == "" {
		return nil
	}
	var pos board.Position
	if err := decodeData(env, &pos); err != nil {
		return err
	}
	if !pos.Valid() {
		return errValidationf("cursor position must be finite")
	}

	p, ok := h.registry.MoveCursor(c.roomID, c.id, pos)
	if !ok {
		return nil
	}
	h.broadcast(c.roomID, c.id, EventCursorUpdate, CursorUpdate{
		ID:       c.id,
		Color:    p.Color,
		Position: pos,
	})
	return nil
}

func (h *Hub) handleNewTextbox(c *Client, env Envelope) error {
	if c.roomID == "" {
		return nil
	}
	var tb NewTextbox
	if err := decodeData(env, &tb); err != nil {
		return err
	}
	if !(board.Position{X: tb.X, Y: tb.Y}).Valid() {
		return errValidationf("textbox position must be finite")
	}
	h.broadcast(c.roomID, c.id, EventNewTextbox, NewTextbox{ID: c.id, X: tb.X, Y: tb.Y})
	return nil
}

func (h *Hub) handleTextUpdate(c *Client, env Envelope) error {
	if c.roomID == "" {
		return nil
	}
	var upd TextUpdate
	if err := decodeData(env, &upd); err != nil {
		return err
	}
	return h.submitEdit(c, board.NewText(upd.X, upd.Y, upd.Text))
}

func (h *Hub) handleHighlightUpdate(c *Client, env Envelope) error {
	if c.roomID == "" {
		return nil
	}
	var upd HighlightUpdate
	if err := decodeData(env, &upd); err != nil {
		return err
	}
	return h.submitEdit(c, board.NewHighlight(upd.Position.X, upd.Position.Y, upd.Text))
}

// submitEdit relays item to the rest of the room, then appends it in the
// background. The relay never waits on the store.
func (h *Hub) submitEdit(c *Client, item board.Item) error {
	if err := item.Validate(); err != nil {
		return errValidationf("%v", err)
	}

	switch item.Kind {
	case board.KindText:
		h.broadcast(c.roomID, c.id, EventTextUpdate, TextUpdate{Text: item.Text, X: item.X, Y: item.Y})
	case board.KindHighlight:
		h.broadcast(c.roomID, c.id, EventHighlightUpdate, HighlightUpdate{Text: item.Text, Position: item.Position()})
	default:
		return errValidationf("unsupported content kind %s", item.Kind)
	}

	roomID := c.roomID
	h.persist("append", roomID, func(ctx context.Context) error {
		return h.store.AppendContent(ctx, roomID, item)
	})
	return nil
}

func (h *Hub) handleClear(c *Client) {
	if c.roomID == "" {
		return
	}
	h.broadcast(c.roomID, c.id, EventClearBoard, nil)

	roomID := c.roomID
	h.persist("clear", roomID, func(ctx context.Context) error {
		return h.store.ReplaceContent(ctx, roomID, []board.Item{})
	})
}

// Undo is client-local; the server only tells the others.
func (h *Hub) handleUndo(c *Client) {
	if c.roomID == "" {
		return
	}
	h.broadcast(c.roomID, c.id, EventUndo, nil)
}

// persist runs a store write off the loop. Failures are logged and counted;
// clients have already seen the change.
func (h *Hub) persist(op, roomID string, fn func(ctx context.Context) error) {
	h.tasks.Add(1)
	go func() {
		defer h.tasks.Done()
		if err := fn(context.Background()); err != nil {
			metrics.PersistFailures.WithLabelValues(op).Inc()
			log.WithFields(log.Fields{
				"op":    op,
				"room":  roomID,
				"error": err,
			}).Warn("Failed to persist room change")
		}
	}()
}

// Fan-out

func (h *Hub) send(c *Client, event string, data any) {
	msg, err := encodeEvent(event, data)
	if err != nil {
		log.WithFields(log.Fields{"event": event, "error": err}).Error("Failed to encode event")
		return
	}
	if !c.trySend(msg) {
		h.disconnectSlow(c)
	}
}

func (h *Hub) sendError(c *Client, message string) {
	h.send(c, EventError, message)
}

// broadcast sends to every member of roomID except the connection exclude.
func (h *Hub) broadcast(roomID, exclude, event string, data any) {
	msg, err := encodeEvent(event, data)
	if err != nil {
		log.WithFields(log.Fields{"event": event, "error": err}).Error("Failed to encode event")
		return
	}

	var slow []*Client
	for _, p := range h.registry.Participants(roomID) {
		if p.ConnectionID == exclude {
			continue
		}
		c, ok := h.clients[p.ConnectionID]
		if !ok {
			continue
		}
		if !c.trySend(msg) {
			slow = append(slow, c)
		}
	}

	for _, c := range slow {
		h.disconnectSlow(c)
	}
}

func (h *Hub) disconnectSlow(c *Client) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	log.WithFields(log.Fields{"client": c.id, "room": c.roomID}).Warn("Send buffer full, disconnecting client")
	h.disconnect(c)
}

// HTTP paths

// CreateRoom stores a new room under a fresh ID. A collision is returned as
// db.ErrDuplicateRoom; retrying is up to the caller.
func (h *Hub) CreateRoom(ctx context.Context, pass string) (string, error) {
	if strings.TrimSpace(pass) == "" {
		return "", errValidationf("passcode is required")
	}

	roomID, err := h.generateID()
	if err != nil {
		return "", fmt.Errorf("generate room id: %w", err)
	}

	hash, err := h.hasher.Hash(pass)
	if err != nil {
		return "", fmt.Errorf("hash passcode: %w", err)
	}

	if _, err := h.store.CreateRoom(ctx, roomID, hash); err != nil {
		return "", err
	}

	metrics.RoomsCreated.Inc()
	log.WithField("room", roomID).Info("Room created")
	return roomID, nil
}

// VerifyJoin is the HTTP pre-flight check. The live join verifies again.
func (h *Hub) VerifyJoin(ctx context.Context, roomID, pass string) error {
	if roomID == "" || pass == "" {
		return errValidationf("room ID and passcode are required")
	}
	if !room.ValidID(roomID) {
		metrics.Joins.WithLabelValues("http", "not_found").Inc()
		return ErrRoomNotFound
	}

	_, err := h.verify(ctx, roomID, pass)
	metrics.Joins.WithLabelValues("http", joinResultLabel(err)).Inc()
	if err != nil {
		return err
	}

	if err := h.store.Touch(ctx, roomID); err != nil {
		return classifyStoreError(err)
	}
	return nil
}

func (h *Hub) verify(ctx context.Context, roomID, pass string) (*db.Room, error) {
	r, err := h.store.FindRoom(ctx, roomID)
	if err != nil {
		return nil, classifyStoreError(err)
	}
	if err := h.hasher.Verify(r.PasscodeHash, pass); err != nil {
		return nil, classifyStoreError(err)
	}
	return r, nil
}

// Stats

func (h *Hub) GetClientCount() int {
	return int(h.clientCount.Load())
}

func (h *Hub) GetRoomCount() int {
	return len(h.registry.ActiveRooms())
}

func (h *Hub) GetActiveRooms() map[string]int {
	return h.registry.ActiveRooms()
}

func joinResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRoomNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidPasscode):
		return "invalid_passcode"
	default:
		return "error"
	}
}

func metricEventLabel(event string) string {
	switch event {
	case EventJoinRoom, EventCursorMove, EventNewTextbox, EventTextUpdate,
		EventHighlightUpdate, EventClearBoard, EventUndo:
		return event
	default:
		return "unknown"
	}
}
