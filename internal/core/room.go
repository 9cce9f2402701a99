package core

import (
	"sync"

	"github.com/vovakirdan/wirechat-companion/internal/metrics"
)

// Room is the broadcast group of connections subscribed to one room id.
type Room struct {
	ID      string
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewRoom constructs a room with no clients.
func NewRoom(id string) *Room {
	return &Room{
		ID:      id,
		clients: make(map[*Client]struct{}),
	}
}

// AddClient inserts a client into the room. Returns true if newly added.
func (r *Room) AddClient(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[c]; exists {
		return false
	}
	r.clients[c] = struct{}{}
	return true
}

// RemoveClient deletes a client from the room. Returns true if removed.
func (r *Room) RemoveClient(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[c]; !exists {
		return false
	}
	delete(r.clients, c)
	return true
}

// Has reports whether c is subscribed.
func (r *Room) Has(c *Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[c]
	return ok
}

// HasUser reports whether any subscriber other than except belongs to userID.
func (r *Room) HasUser(userID string, except *Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.clients {
		if c != except && c.UserID() == userID {
			return true
		}
	}
	return false
}

// Broadcast sends an event to all clients in the room.
func (r *Room) Broadcast(event *Event) {
	r.BroadcastExcept(nil, event)
}

// BroadcastExcept sends an event to every client but skip.
func (r *Room) BroadcastExcept(skip *Client, event *Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for client := range r.clients {
		if client == skip {
			continue
		}
		if !client.deliver(event) {
			// Drop if slow consumer.
			metrics.BroadcastDrops.Inc()
		}
	}
}

// Len returns the number of subscribers.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Empty returns true if no clients are in the room.
func (r *Room) Empty() bool {
	return r.Len() == 0
}
