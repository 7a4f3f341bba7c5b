package gateway

import (
	"encoding/json"
	"log"
	"sync"
)

// Event is a generic message traveling through the hub.
type Event struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type,omitempty"`
	Data    json.RawMessage `json:"data"`
}

type Client struct {
	Send chan Event
}

// Hub fans events out to subscribers, keyed by channel. The gateway
// publishes request logs on "logs" and file-change notifications on
// "reload"; WebSocket and SSE endpoints subscribe on behalf of dev
// tooling.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // channel -> clients
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

// Subscribe registers a new client for the given channel.
func (h *Hub) Subscribe(channel string) *Client {
	c := &Client{
		Send: make(chan Event, 16),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[channel] == nil {
		h.clients[channel] = make(map[*Client]struct{})
	}
	h.clients[channel][c] = struct{}{}
	return c
}

// Unsubscribe removes a client from the given channel and closes its send channel.
func (h *Hub) Unsubscribe(channel string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.clients[channel]
	if subs == nil {
		return
	}
	if _, ok := subs[c]; !ok {
		return
	}

	delete(subs, c)
	close(c.Send)
	if len(subs) == 0 {
		delete(h.clients, channel)
	}
}

// Publish broadcasts a message to all clients on the given channel.
func (h *Hub) Publish(channel, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[hub] marshal error: %v", err)
		return
	}

	ev := Event{
		Channel: channel,
		Type:    eventType,
		Data:    data,
	}

	h.mu.RLock()
	subs := h.clients[channel]
	for c := range subs {
		select {
		case c.Send <- ev:

		default:
			// client is slow / buffer full, drop message

		}
	}
	h.mu.RUnlock()
}
