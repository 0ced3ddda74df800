package ws

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/whiteboard/backend/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 64 * 1024
	sendBufferSize    = 256
	messagesPerSecond = 50
	messageBurst      = 100
	maxRateViolations = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one live-channel connection. Fields below send are owned by the
// hub loop.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	id          string
	rateLimiter *ratelimit.Limiter
	send        chan []byte

	roomID  string
	color   string
	joinSeq uint64
	closed  bool
}

func newClient(hub *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		id:          id,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		send:        make(chan []byte, sendBufferSize),
	}
}

func (c *Client) ID() string {
	return c.id
}

// trySend never blocks the hub loop. It reports false when the buffer is full.
func (c *Client) trySend(msg []byte) bool {
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ServeWs upgrades the request and starts the client's pumps. The client is
// unauthenticated until it sends join-room.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := newClient(hub, conn, uuid.NewString())
	if !hub.Register(client) {
		conn.Close()
		return
	}

	log.WithFields(log.Fields{
		"client": client.id,
		"remote": conn.RemoteAddr().String(),
	}).Debug("WebSocket connected")

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithFields(log.Fields{"client": c.id, "error": err}).Warn("WebSocket error")
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}

		if !c.rateLimiter.Allow() {
			denied := c.rateLimiter.Denied()
			if denied%100 == 1 {
				log.WithFields(log.Fields{
					"client": c.id,
					"denied": denied,
				}).Warn("Rate limit exceeded")
			}
			if denied > maxRateViolations {
				log.WithField("client", c.id).Warn("Disconnecting client for excessive rate limit violations")
				return
			}
			continue
		}

		if !c.hub.Dispatch(c, message) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
