package core

import (
	"encoding/json"
	"sync"
	"time"
)

// ActiveRoom is the in-process record of a room some connection has joined.
// Ownership is re-verified against the room service on every join; this entry
// only lives as long as a subscriber of its owner does.
type ActiveRoom struct {
	RoomID        string
	OwnerUserID   string
	CompanionID   string
	CompanionName string
	JoinedAt      time.Time
	Raw           json.RawMessage
}

// Registry maps users to their latest connection and room ids to active
// rooms and broadcast groups. It is a process-local cache, not a presence
// oracle: a newer connection for the same user silently replaces the entry.
type Registry struct {
	mu     sync.RWMutex
	users  map[string]*Client
	active map[string]ActiveRoom
	groups map[string]*Room
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users:  make(map[string]*Client),
		active: make(map[string]ActiveRoom),
		groups: make(map[string]*Room),
	}
}

// Register records c as the user's connection and returns the connection it
// replaced, if any.
func (r *Registry) Register(userID string, c *Client) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.users[userID]
	r.users[userID] = c
	if prev == c {
		return nil
	}
	return prev
}

// Unregister removes c from its room group and, if c is still the user's
// registered connection, the user entry. Active rooms owned by the user are
// dropped unless another of the user's connections is still subscribed.
// It reports whether the user entry was removed.
func (r *Registry) Unregister(userID string, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room := c.Room(); room != "" {
		r.unsubscribeLocked(c, room)
	}

	current := r.users[userID] == c
	if current {
		delete(r.users, userID)
	}

	for id, entry := range r.active {
		if entry.OwnerUserID != userID {
			continue
		}
		if g := r.groups[id]; g != nil && g.HasUser(userID, c) {
			continue
		}
		delete(r.active, id)
	}
	return current
}

// Lookup returns the user's registered connection.
func (r *Registry) Lookup(userID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.users[userID]
	return c, ok
}

// ActiveRoom returns the cached room entry.
func (r *Registry) ActiveRoom(roomID string) (ActiveRoom, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.active[roomID]
	return entry, ok
}

// Group returns the room's broadcast group, or nil when nobody is subscribed.
func (r *Registry) Group(roomID string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups[roomID]
}

// Subscribe moves c into the room's group, leaving any previously
// subscribed room, and upserts the active room entry. It returns the room c
// was subscribed to before, or "".
func (r *Registry) Subscribe(c *Client, entry ActiveRoom) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := c.Room()
	if prev != "" && prev != entry.RoomID {
		r.unsubscribeLocked(c, prev)
		r.dropIfOrphanedLocked(prev, c)
	}

	g := r.groups[entry.RoomID]
	if g == nil {
		g = NewRoom(entry.RoomID)
		r.groups[entry.RoomID] = g
	}
	g.AddClient(c)
	r.active[entry.RoomID] = entry
	c.setRoom(entry.RoomID)

	if prev == entry.RoomID {
		return ""
	}
	return prev
}

// Unsubscribe removes c from the room and drops the active entry once no
// connection of its owner remains. It reports whether c was subscribed.
func (r *Registry) Unsubscribe(c *Client, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.Room() != roomID {
		return false
	}
	r.unsubscribeLocked(c, roomID)
	r.dropIfOrphanedLocked(roomID, c)
	return true
}

// Stats returns the number of registered users and active rooms.
func (r *Registry) Stats() (users, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users), len(r.active)
}

func (r *Registry) unsubscribeLocked(c *Client, roomID string) {
	if g := r.groups[roomID]; g != nil {
		g.RemoveClient(c)
		if g.Empty() {
			delete(r.groups, roomID)
		}
	}
	c.setRoom("")
}

func (r *Registry) dropIfOrphanedLocked(roomID string, leaving *Client) {
	entry, ok := r.active[roomID]
	if !ok {
		return
	}
	if g := r.groups[roomID]; g != nil && g.HasUser(entry.OwnerUserID, leaving) {
		return
	}
	delete(r.active, roomID)
}
