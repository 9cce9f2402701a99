package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-companion/internal/metrics"
)

// SessionCleaner drops the advisory session record of a user.
type SessionCleaner interface {
	DeleteSession(ctx context.Context, userID string) error
}

// Hub owns connected clients and dispatches their commands to the router
// and the pipeline.
type Hub struct {
	registry *Registry
	router   *Router
	pipeline *Pipeline
	sessions SessionCleaner
	log      zerolog.Logger

	mu       sync.Mutex
	clients  map[*Client]struct{}
	inflight sync.WaitGroup
}

// NewHub creates a new chat hub instance. sessions may be nil.
func NewHub(registry *Registry, router *Router, pipeline *Pipeline, sessions SessionCleaner, logger *zerolog.Logger) *Hub {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "hub").Logger()
	}
	return &Hub{
		registry: registry,
		router:   router,
		pipeline: pipeline,
		sessions: sessions,
		log:      l,
		clients:  make(map[*Client]struct{}),
	}
}

// Registry exposes the hub's registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Pipeline exposes the hub's pipeline.
func (h *Hub) Pipeline() *Pipeline { return h.pipeline }

// Connect registers an authenticated client, greets it and starts its
// command loop. The loop stops when ctx ends or the client disconnects.
func (h *Hub) Connect(ctx context.Context, c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	if prev := h.registry.Register(c.UserID(), c); prev != nil {
		h.log.Debug().Object("identity", c.Identity).Str("previous", prev.ID).Str("client_id", c.ID).Msg("connection superseded registry entry")
	}
	metrics.ConnectionsActive.Inc()

	c.deliver(&Event{
		Kind:     EventConnected,
		UserID:   c.UserID(),
		Username: c.Identity.DisplayName,
		At:       time.Now().UTC(),
	})

	go h.serve(ctx, c)
}

// Disconnect unregisters c and closes its event stream. In-flight backend
// calls keep running; their results reach whoever is still subscribed.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	_, known := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !known {
		return
	}

	current := h.registry.Unregister(c.UserID(), c)
	if current && h.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		if err := h.sessions.DeleteSession(ctx, c.UserID()); err != nil {
			metrics.CacheErrors.WithLabelValues("delete_session").Inc()
			h.log.Warn().Err(err).Object("identity", c.Identity).Msg("session cleanup failed")
		}
		cancel()
	}
	c.close()
	metrics.ConnectionsActive.Dec()
	h.log.Debug().Str("client_id", c.ID).Object("identity", c.Identity).Msg("client disconnected")
}

// Run blocks until ctx is cancelled, then disconnects every client.
// In-flight handlers may still be running when it returns; see Drain.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.Disconnect(c)
	}
	h.log.Info().Int("clients", len(clients)).Msg("hub stopped")
}

// Drain waits for in-flight handlers to finish or ctx to end, whichever
// comes first.
func (h *Hub) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) serve(ctx context.Context, c *Client) {
	for {
		select {
		case cmd := <-c.Commands:
			if cmd != nil {
				h.dispatch(ctx, c, cmd)
			}
		case <-c.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, c *Client, cmd *Command) {
	switch cmd.Kind {
	case CommandJoinRoom:
		if err := h.router.Join(ctx, c, cmd.Room); err != nil {
			c.reply(errorEvent(cmd.Room, AsCoreError(err)))
		}
	case CommandLeaveRoom:
		if err := h.router.Leave(c, cmd.Room); err != nil {
			c.reply(errorEvent(cmd.Room, AsCoreError(err)))
		}
	case CommandSendMessage:
		req := SendRequest{
			RoomID:        cmd.Room,
			Content:       cmd.Content,
			Kind:          cmd.MessageKind,
			SettingsPatch: cmd.SettingsPatch,
			CorrelationID: cmd.CorrelationID,
		}
		h.spawn(func() { h.pipeline.Send(ctx, c, req) })
	case CommandContinue:
		req := ContinueRequest{
			RoomID:        cmd.Room,
			SettingsPatch: cmd.SettingsPatch,
			CorrelationID: cmd.CorrelationID,
		}
		h.spawn(func() { h.pipeline.Continue(ctx, c, req) })
	case CommandTypingStart, CommandTypingStop:
		h.pipeline.Typing(c, cmd.Room, cmd.Kind == CommandTypingStart)
	case CommandGetHistory:
		req := HistoryRequest{RoomID: cmd.Room, Page: cmd.Page, Limit: cmd.Limit}
		h.spawn(func() {
			page, err := h.pipeline.History(ctx, c.Identity, req)
			if err != nil {
				c.reply(errorEvent(cmd.Room, AsCoreError(err)))
				return
			}
			c.reply(&Event{Kind: EventHistory, Room: page.RoomID, History: page, At: time.Now().UTC()})
		})
	default:
		c.reply(errorEvent(cmd.Room, coreError(KindValidation, ErrCodeUnknownType, "unknown command")))
	}
}

// spawn runs fn off the command loop so a slow backend call never delays
// typing or leave commands of the same connection.
func (h *Hub) spawn(fn func()) {
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		fn()
	}()
}
