package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/size-ruler/internal/domain"
)

// Message types
const (
	MessageTypeAttemptPlayed     = "attempt_played"
	MessageTypeLeaderboardUpdate = "leaderboard_update"
	MessageTypeSubscribe         = "subscribe"
	MessageTypeUnsubscribe       = "unsubscribe"
	MessageTypePing              = "ping"
	MessageTypePong              = "pong"
	MessageTypeError             = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      string    `json:"type"`
	ScopeID   int64     `json:"scope_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats describes current hub load
type Stats struct {
	TotalConnections int           `json:"total_connections"`
	Subscribers      map[int64]int `json:"subscribers"`
}

// Hub maintains the set of active clients and broadcasts scope updates
type Hub struct {
	// Subscribed clients by scope ID
	clients map[int64]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	broadcast   chan *Message
	subscribe   chan *subscriptionRequest
	unsubscribe chan *subscriptionRequest

	mu     sync.RWMutex
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client  *Client
	scopeID int64
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:     make(map[int64]map[*Client]bool),
		allClients:  make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *subscriptionRequest, 64),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("websocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("websocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				for scopeID, clients := range h.clients {
					if _, ok := clients[client]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.clients, scopeID)
						}
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			if _, ok := h.clients[req.scopeID]; !ok {
				h.clients[req.scopeID] = make(map[*Client]bool)
			}
			h.clients[req.scopeID][req.client] = true
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", req.client.id, "scope_id", req.scopeID)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if clients, ok := h.clients[req.scopeID]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.clients, req.scopeID)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", req.client.id, "scope_id", req.scopeID)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// broadcastMessage sends a message to the scope's subscribers only
func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients, ok := h.clients[message.ScopeID]
	if !ok {
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	for client := range clients {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("client buffer full, skipping", "client_id", client.id)
		}
	}
}

func (h *Hub) enqueue(message *Message) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "type", message.Type, "scope_id", message.ScopeID)
	}
}

// BroadcastAttempt notifies a scope's subscribers of a played attempt
func (h *Hub) BroadcastAttempt(scopeID int64, result *domain.AttemptResult) {
	h.enqueue(&Message{
		Type:      MessageTypeAttemptPlayed,
		ScopeID:   scopeID,
		Data:      result,
		Timestamp: time.Now(),
	})
}

// BroadcastLeaderboardUpdate sends a scope's refreshed top list to its subscribers
func (h *Hub) BroadcastLeaderboardUpdate(scopeID int64, board *domain.Leaderboard) {
	h.enqueue(&Message{
		Type:      MessageTypeLeaderboardUpdate,
		ScopeID:   scopeID,
		Data:      board,
		Timestamp: time.Now(),
	})
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds a client to a scope's subscribers
func (h *Hub) Subscribe(client *Client, scopeID int64) {
	h.subscribe <- &subscriptionRequest{client: client, scopeID: scopeID}
}

// Unsubscribe removes a client from a scope's subscribers
func (h *Hub) Unsubscribe(client *Client, scopeID int64) {
	h.unsubscribe <- &subscriptionRequest{client: client, scopeID: scopeID}
}

// SubscriberCount returns the number of subscribers for a scope
func (h *Hub) SubscriberCount(scopeID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[scopeID])
}

// TotalConnections returns the total number of connected clients
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}

// Stats returns connection and per-scope subscriber counts
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := make(map[int64]int, len(h.clients))
	for scopeID, clients := range h.clients {
		subs[scopeID] = len(clients)
	}
	return Stats{TotalConnections: len(h.allClients), Subscribers: subs}
}
