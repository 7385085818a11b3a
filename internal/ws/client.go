package ws

import (
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/showjihyun/trellis/internal/protocol"
	"github.com/showjihyun/trellis/internal/ratelimit"
	"github.com/showjihyun/trellis/internal/session"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200

	// How long a fresh connection gets to announce who it is.
	joinWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var ErrSendBufferFull = errors.New("send buffer full")

// Client is one participant's websocket connection, bridging the socket
// to their room.
type Client struct {
	room *session.Room
	conn *websocket.Conn

	send chan []byte
	done chan struct{}

	participantID string
	connID        string
	limiter       *ratelimit.Limiter

	closeOnce sync.Once
}

// ServeWS upgrades an HTTP request into a room connection. The room comes
// from the path, with a query parameter fallback for plain /ws requests.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]
	if roomID == "" {
		roomID = r.URL.Query().Get("room")
	}
	if roomID == "" {
		http.Error(w, "room is required", http.StatusBadRequest)
		return
	}

	room := hub.getOrCreate(roomID)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	client := &Client{
		room:   room,
		conn:   conn,
		send:   make(chan []byte, 512),
		done:   make(chan struct{}),
		connID: uuid.NewString(),
	}

	go client.writePump()
	go client.readPump(hub)
}

func (c *Client) ParticipantID() string { return c.participantID }

// Send queues an envelope for delivery. It never blocks: a participant
// that stops draining their socket gets disconnected by the room instead
// of stalling everyone else.
func (c *Client) Send(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close tears the connection down, sending a close frame first when there
// is a reason the client should see.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		if reason != "" {
			deadline := time.Now().Add(writeWait)
			frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
			c.conn.WriteControl(websocket.CloseMessage, frame, deadline)
		}
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readPump(hub *Hub) {
	defer func() {
		c.room.RemoveConnection(c)
		c.Close("")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(joinWait))

	// The first frame must be a user_join announcing the participant.
	_, first, err := c.conn.ReadMessage()
	if err != nil {
		return
	}
	join, err := protocol.Decode(first)
	if err != nil {
		log.Printf("⚠️ Connection %s: bad join frame: %v", c.connID, err)
		c.Close("join handshake required")
		return
	}
	if join.Type != protocol.MessageUserJoin || join.Profile == nil {
		log.Printf("⚠️ Connection %s: expected user_join, got %q", c.connID, join.Type)
		c.Close("join handshake required")
		return
	}

	c.participantID = join.Profile.ID
	c.limiter = hub.limiters.Get(c.participantID)

	if err := c.room.AcceptConnection(c, *join.Profile); err != nil {
		log.Printf("Room %s refused %s: %v", c.room.ID, c.participantID, err)
		c.Close(err.Error())
		return
	}

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		if !c.limiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				log.Printf("⚠️ Rate limit exceeded for %s in room %s (warning #%d)",
					c.participantID, c.room.ID, rateLimitWarnings)
			}
			if rateLimitWarnings > 1000 {
				log.Printf("🚫 Disconnecting %s for excessive rate limit violations", c.participantID)
				return
			}
			continue
		}

		env, err := protocol.Decode(message)
		if err != nil {
			log.Printf("⚠️ Invalid message from %s: %v", c.participantID, err)
			continue
		}

		c.room.HandleMessage(c.participantID, env)
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
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
