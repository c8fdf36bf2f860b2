package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/size-ruler/internal/domain"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	snapshotTimeout  = 5 * time.Second
	maxClientMessage = 1024
	sendBuffer       = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// subscribers are read-only dashboards; any origin may watch
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TopSource loads a scope's current top list
type TopSource interface {
	Top(ctx context.Context, scopeID int64, limit int) (*domain.Leaderboard, error)
}

// Client is one websocket subscriber. A client may watch several scopes.
type Client struct {
	id     string
	hub    *Hub
	board  TopSource
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger
}

// ClientMessage is a command sent by a subscriber
type ClientMessage struct {
	Type    string `json:"type"`
	ScopeID int64  `json:"scope_id,omitempty"`
}

// NewClient creates a client bound to a connection
func NewClient(hub *Hub, board TopSource, conn *websocket.Conn, logger *slog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:     id,
		hub:    hub,
		board:  board,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger.With("client_id", id),
	}
}

// ServeWs upgrades the request and starts the client's pumps
func ServeWs(hub *Hub, board TopSource, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(hub, board, conn, logger)
	hub.Register(client)
	go client.writePump()
	go client.readPump()

	client.logger.Debug("websocket connected", "remote", r.RemoteAddr)
}

// readPump decodes commands until the peer goes away, then leaves the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxClientMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.sendError("invalid message format")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribe(msg.ScopeID)

	case MessageTypeUnsubscribe:
		if msg.ScopeID == 0 {
			c.sendError("scope_id required for unsubscribe")
			return
		}
		c.hub.Unsubscribe(c, msg.ScopeID)
		c.sendAck("unsubscribed", msg.ScopeID)

	case MessageTypePing:
		c.reply(Message{Type: MessageTypePong})

	default:
		c.sendError(fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// subscribe joins a known scope and sends its current top list right away,
// so a new dashboard does not wait for the next played attempt
func (c *Client) subscribe(scopeID int64) {
	if scopeID == 0 {
		c.sendError("scope_id required for subscribe")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	board, err := c.board.Top(ctx, scopeID, 0)
	switch {
	case errors.Is(err, domain.ErrScopeNotFound):
		c.sendError(fmt.Sprintf("unknown scope %d", scopeID))
		return
	case errors.Is(err, domain.ErrEmptyLeaderboard):
		board = &domain.Leaderboard{ScopeID: scopeID, Empty: true, Entries: []domain.LeaderboardEntry{}}
	case err != nil:
		c.logger.Error("failed to load subscription snapshot", "scope_id", scopeID, "error", err)
		c.sendError("leaderboard unavailable")
		return
	}

	c.hub.Subscribe(c, scopeID)
	c.sendAck("subscribed", scopeID)
	c.reply(Message{Type: MessageTypeLeaderboardUpdate, ScopeID: scopeID, Data: board})
}

// writePump writes queued messages one frame each and keeps the peer alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// unregistered by the hub
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
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

// reply queues a message for this client only, dropping it if the buffer is full
func (c *Client) reply(msg Message) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal reply", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client buffer full, dropping reply", "type", msg.Type)
	}
}

func (c *Client) sendError(text string) {
	c.reply(Message{Type: MessageTypeError, Data: map[string]string{"error": text}})
}

func (c *Client) sendAck(action string, scopeID int64) {
	c.reply(Message{Type: action, ScopeID: scopeID, Data: map[string]string{"status": "ok"}})
}
