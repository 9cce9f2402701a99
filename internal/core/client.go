package core

import (
	"context"
	"sync"

	"github.com/vovakirdan/wirechat-companion/internal/auth"
)

const (
	commandBuffer = 16
	eventBuffer   = 64
)

// Client is one authenticated connection as seen by the core layer.
type Client struct {
	ID       string
	Identity auth.Identity
	Commands chan *Command
	Events   chan *Event

	mu     sync.Mutex
	room   string
	closed bool
	done   chan struct{}

	// sending is held shared by producers writing to Events and
	// exclusively by close before Events is closed.
	sending sync.RWMutex
}

// NewClient constructs a client with initialized channels.
func NewClient(id string, identity auth.Identity) *Client {
	if identity.DisplayName == "" {
		identity.DisplayName = identity.UserID
	}
	return &Client{
		ID:       id,
		Identity: identity,
		Commands: make(chan *Command, commandBuffer),
		Events:   make(chan *Event, eventBuffer),
		done:     make(chan struct{}),
	}
}

// UserID returns the verified user id of the connection.
func (c *Client) UserID() string { return c.Identity.UserID }

// Room returns the currently subscribed room, or "".
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) setRoom(room string) {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
}

// Done is closed once the client is disconnected.
func (c *Client) Done() <-chan struct{} { return c.done }

// Submit queues a command, blocking until there is room, the client closes or ctx ends.
func (c *Client) Submit(ctx context.Context, cmd *Command) error {
	select {
	case c.Commands <- cmd:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver enqueues ev without blocking. It reports false when the client is
// closed or its queue is full. Broadcasts use it so a slow reader only
// loses its own events.
func (c *Client) deliver(ev *Event) bool {
	c.sending.RLock()
	defer c.sending.RUnlock()
	if c.isClosed() {
		return false
	}
	select {
	case c.Events <- ev:
		return true
	default:
		return false
	}
}

// reply enqueues an event addressed to this client alone, such as an ack or
// an error. It waits for queue space and gives up only when the client
// disconnects.
func (c *Client) reply(ev *Event) bool {
	c.sending.RLock()
	defer c.sending.RUnlock()
	if c.isClosed() {
		return false
	}
	select {
	case c.Events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// close is idempotent. Events is closed so the writer drains and exits.
func (c *Client) close() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	// Pending replies return once done is closed.
	c.sending.Lock()
	close(c.Events)
	c.sending.Unlock()
	return true
}
