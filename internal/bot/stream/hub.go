// Package stream fans meeting status events out to websocket clients.
package stream

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/meetscribe/meetscribe/internal/common/logger"
	"github.com/meetscribe/meetscribe/internal/events/bus"
)

// BroadcastMessage carries one status event and its routing keys.
type BroadcastMessage struct {
	MeetingID string
	UserID    string
	Event     *bus.Event
}

// Hub manages websocket clients. A client either follows one meeting or
// every meeting of its user.
type Hub struct {
	clients        map[*Client]bool
	meetingClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		meetingClients: make(map[string]map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *BroadcastMessage, 256),
		logger:         log.WithFields(zap.String("component", "stream_hub")),
	}
}

// Run processes registrations and broadcasts until the context ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Stream hub started")
	defer h.logger.Info("Stream hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.meetingClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if client.meetingID != "" {
				if _, ok := h.meetingClients[client.meetingID]; !ok {
					h.meetingClients[client.meetingID] = make(map[*Client]bool)
				}
				h.meetingClients[client.meetingID][client] = true
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// deliver routes a message to meeting followers and to user-wide streams of
// the meeting's owner.
func (h *Hub) deliver(msg *BroadcastMessage) {
	data, err := json.Marshal(msg.Event)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.wants(msg) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Slow consumer: drop the connection rather than block the hub.
			h.drop(client)
		}
	}
}

// drop removes a client. Caller holds h.mu.
func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	if client.meetingID != "" {
		if followers, ok := h.meetingClients[client.meetingID]; ok {
			delete(followers, client)
			if len(followers) == 0 {
				delete(h.meetingClients, client.meetingID)
			}
		}
	}
}

// Register adds a client.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues a message for delivery.
func (h *Hub) Broadcast(msg *BroadcastMessage) {
	h.broadcast <- msg
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
