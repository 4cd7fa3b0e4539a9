// Package wsgateway implements the two WebSocket fan-out planes (spec.md
// §4.F): a per-session channel multiple viewers can attach to, and a
// global UI channel streaming session-list deltas.
package wsgateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/logger"
)

// registry is the subset of hub behaviour a Client needs to leave on
// disconnect; both Hub and GlobalHub implement it.
type registry interface {
	Unregister(*Client)
}

// Client is one WebSocket connection attached to a hub: either the
// per-session Hub or the GlobalHub, mirroring the teacher's
// streaming.Client.
type Client struct {
	ID         string
	conn       *websocket.Conn
	sessionIDs map[string]bool
	send       chan []byte
	hub        registry
	sessionHub *Hub // non-nil only for session-channel clients
	mu         sync.RWMutex
	log        *logger.Logger
}

// NewClient wraps an accepted connection bound to the session-channel hub.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:         id,
		conn:       conn,
		sessionIDs: make(map[string]bool),
		send:       make(chan []byte, 256),
		hub:        hub,
		sessionHub: hub,
		log:        log.WithFields(zap.String("client_id", id)),
	}
}

// NewGlobalClient wraps an accepted connection bound to the global hub.
func NewGlobalClient(id string, conn *websocket.Conn, hub *GlobalHub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    hub,
		log:    log.WithFields(zap.String("client_id", id)),
	}
}

// Send enqueues msg for delivery; reports false if the client's buffer is
// full (spec.md §5: "slow consumers MUST NOT block... on overflow, client
// disconnect").
func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Subscribe attaches the client to a session channel. No-op for clients
// bound to the GlobalHub, which has no per-session subscriptions.
func (c *Client) Subscribe(sessionID string) {
	if c.sessionHub == nil {
		return
	}
	c.mu.Lock()
	c.sessionIDs[sessionID] = true
	c.mu.Unlock()
	c.sessionHub.subscribeClient(c, sessionID)
}

// Unsubscribe detaches the client from a session channel.
func (c *Client) Unsubscribe(sessionID string) {
	if c.sessionHub == nil {
		return
	}
	c.mu.Lock()
	delete(c.sessionIDs, sessionID)
	c.mu.Unlock()
	c.sessionHub.unsubscribeClient(c, sessionID)
}

// Close releases the client from its hub.
func (c *Client) Close() {
	c.hub.Unregister(c)
}

// Hub routes per-session broadcast traffic to the clients attached to
// that session, mirroring the teacher's streaming.Hub.
type Hub struct {
	clients        map[*Client]bool
	sessionClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	mu  sync.RWMutex
	log *logger.Logger
}

type broadcastMessage struct {
	sessionID string
	payload   []byte
}

// NewHub constructs an empty session-channel hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		sessionClients: make(map[string]map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *broadcastMessage, 256),
		log:            log.WithFields(zap.String("component", "ws_session_hub")),
	}
}

// Run drives the hub's single event loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("session websocket hub started")
	defer h.log.Info("session websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]bool)
			h.sessionClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for sid := range client.sessionIDs {
					h.removeFromSessionLocked(sid, client)
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := h.sessionClients[msg.sessionID]
			recipients := make([]*Client, 0, len(targets))
			for c := range targets {
				recipients = append(recipients, c)
			}
			h.mu.RUnlock()

			for _, c := range recipients {
				if !c.Send(msg.payload) {
					h.mu.Lock()
					if _, ok := h.clients[c]; ok {
						delete(h.clients, c)
						close(c.send)
						for sid := range c.sessionIDs {
							h.removeFromSessionLocked(sid, c)
						}
					}
					h.mu.Unlock()
				}
			}
		}
	}
}

func (h *Hub) removeFromSessionLocked(sessionID string, c *Client) {
	if clients, ok := h.sessionClients[sessionID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.sessionClients, sessionID)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) { h.register <- c }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

// Broadcast sends v, marshaled as JSON, to every client attached to
// sessionID.
func (h *Hub) Broadcast(sessionID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("failed to marshal broadcast payload", zap.Error(err))
		return
	}
	h.broadcast <- &broadcastMessage{sessionID: sessionID, payload: data}
}

func (h *Hub) subscribeClient(c *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessionClients[sessionID] == nil {
		h.sessionClients[sessionID] = make(map[*Client]bool)
	}
	h.sessionClients[sessionID][c] = true
}

func (h *Hub) unsubscribeClient(c *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromSessionLocked(sessionID, c)
}

// SubscriberCount reports how many clients are attached to sessionID.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessionClients[sessionID])
}
