package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-companion/internal/auth"
	"github.com/vovakirdan/wirechat-companion/internal/metrics"
	"github.com/vovakirdan/wirechat-companion/internal/store"
	"github.com/vovakirdan/wirechat-companion/internal/upstream"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// Backend is the message-generation and history side of the upstream API.
type Backend interface {
	Generate(ctx context.Context, token string, req upstream.GenerateRequest) (*upstream.GenerateResult, error)
	Continue(ctx context.Context, token string, req upstream.GenerateRequest) (*upstream.GenerateResult, error)
	History(ctx context.Context, token, roomID string, page, limit int) ([]upstream.Message, error)
}

// MessageCache is the part of the session store the pipeline uses.
type MessageCache interface {
	IncrRateCounter(ctx context.Context, userID string, window time.Duration) (int64, error)
	PushMessages(ctx context.Context, roomID string, msgs ...store.CachedMessage) error
	RecentMessages(ctx context.Context, roomID string, limit int) ([]store.CachedMessage, error)
	AppendContext(ctx context.Context, roomID string, turns ...store.ContextTurn) error
}

// PipelineConfig bounds message handling.
type PipelineConfig struct {
	MaxMessageLength int
	RateLimit        int
	RateWindow       time.Duration
	BackendTimeout   time.Duration
}

// DefaultPipelineConfig mirrors the config defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxMessageLength: 5000,
		RateLimit:        20,
		RateWindow:       time.Minute,
		BackendTimeout:   60 * time.Second,
	}
}

// SendRequest is a user message bound for the companion.
type SendRequest struct {
	RoomID        string
	Content       string
	Kind          string
	SettingsPatch json.RawMessage
	CorrelationID string
}

// ContinueRequest asks the companion to extend its last reply.
type ContinueRequest struct {
	RoomID        string
	SettingsPatch json.RawMessage
	CorrelationID string
}

// HistoryRequest selects one page of room history. Zero values take defaults.
type HistoryRequest struct {
	RoomID string
	Page   int
	Limit  int
}

// Pipeline validates, rate limits and forwards messages, and fans the
// results out to the room.
type Pipeline struct {
	registry *Registry
	backend  Backend
	cache    MessageCache
	cfg      PipelineConfig
	log      zerolog.Logger
}

// NewPipeline builds a Pipeline.
func NewPipeline(registry *Registry, backend Backend, cache MessageCache, cfg PipelineConfig, logger *zerolog.Logger) *Pipeline {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "pipeline").Logger()
	}
	return &Pipeline{registry: registry, backend: backend, cache: cache, cfg: cfg, log: l}
}

type backendCall func(ctx context.Context) (*upstream.GenerateResult, error)

// Send handles one user message. Exactly one ack reaches the sender.
func (p *Pipeline) Send(ctx context.Context, c *Client, req SendRequest) {
	const op = "send"

	if req.RoomID == "" || strings.TrimSpace(req.Content) == "" {
		p.fail(c, op, req.RoomID, req.CorrelationID,
			coreError(KindValidation, ErrCodeMissingFields, "room_id and content are required"))
		return
	}
	if utf8.RuneCountInString(req.Content) > p.cfg.MaxMessageLength {
		ce := coreError(KindValidation, ErrCodeTooLong,
			fmt.Sprintf("message is longer than %d characters", p.cfg.MaxMessageLength))
		ce.Max = p.cfg.MaxMessageLength
		p.fail(c, op, req.RoomID, req.CorrelationID, ce)
		return
	}

	room, ce := p.admit(ctx, c, req.RoomID)
	if ce != nil {
		p.fail(c, op, req.RoomID, req.CorrelationID, ce)
		return
	}

	kind := req.Kind
	if kind == "" {
		kind = "text"
	}
	p.forward(ctx, c, op, room, req.CorrelationID, req.Content, func(ctx context.Context) (*upstream.GenerateResult, error) {
		return p.backend.Generate(ctx, c.Identity.Credential, upstream.GenerateRequest{
			RoomID:        room.RoomID,
			CharacterID:   room.CompanionID,
			Content:       req.Content,
			MessageType:   kind,
			SettingsPatch: req.SettingsPatch,
		})
	})
}

// Continue asks the backend to extend the previous companion reply. No user
// turn is cached or broadcast.
func (p *Pipeline) Continue(ctx context.Context, c *Client, req ContinueRequest) {
	const op = "continue"

	if req.RoomID == "" {
		p.fail(c, op, "", req.CorrelationID, coreError(KindValidation, ErrCodeMissingFields, "room_id is required"))
		return
	}

	room, ce := p.admit(ctx, c, req.RoomID)
	if ce != nil {
		p.fail(c, op, req.RoomID, req.CorrelationID, ce)
		return
	}

	p.forward(ctx, c, op, room, req.CorrelationID, "", func(ctx context.Context) (*upstream.GenerateResult, error) {
		return p.backend.Continue(ctx, c.Identity.Credential, upstream.GenerateRequest{
			RoomID:        room.RoomID,
			CharacterID:   room.CompanionID,
			SettingsPatch: req.SettingsPatch,
		})
	})
}

// Typing relays a typing indicator to the sender's room peers. Indicators
// for a room the sender is not subscribed to are ignored.
func (p *Pipeline) Typing(c *Client, roomID string, started bool) {
	if roomID == "" || c.Room() != roomID {
		return
	}
	kind := EventUserTypingStop
	if started {
		kind = EventUserTypingStart
	}
	p.broadcast(roomID, c, &Event{
		Kind:     kind,
		Room:     roomID,
		UserID:   c.UserID(),
		Username: c.Identity.DisplayName,
		At:       time.Now().UTC(),
	})
}

// History fetches one page from the history service. When the service is
// unreachable, page 1 of a room the caller has joined is served from the
// message cache.
func (p *Pipeline) History(ctx context.Context, identity auth.Identity, req HistoryRequest) (*HistoryPage, error) {
	if req.RoomID == "" {
		return nil, coreError(KindValidation, ErrCodeMissingRoomID, "room_id is required")
	}
	page, limit := req.Page, req.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	userName, companionName := identity.DisplayName, ""
	if entry, ok := p.registry.ActiveRoom(req.RoomID); ok {
		companionName = entry.CompanionName
	}

	msgs, err := p.backend.History(ctx, identity.Credential, req.RoomID, page, limit)
	if err != nil {
		status := upstream.StatusCode(err)
		switch {
		case errors.Is(err, upstream.ErrNotFound):
			return nil, coreError(KindAuthorization, ErrCodeRoomNotFound, "room not found")
		case status == 401 || status == 403:
			return nil, coreError(KindAuthorization, ErrCodeForbiddenRoom, "you do not have access to this room")
		}
		if page == 1 {
			if cached := p.cachedHistory(ctx, identity, req.RoomID, limit); cached != nil {
				p.log.Warn().Err(err).Str("room_id", req.RoomID).Msg("history service failed, served cached window")
				return cached, nil
			}
		}
		p.log.Warn().Err(err).Str("room_id", req.RoomID).Int("page", page).Msg("history fetch failed")
		ce := coreError(KindUpstream, ErrCodeBackendFailed, "could not load message history")
		ce.Status = status
		return nil, ce
	}

	out := make([]Message, 0, len(msgs))
	for i := range msgs {
		name := companionName
		if msgs[i].FromUser() {
			name = userName
		}
		out = append(out, messageFromUpstream(&msgs[i], req.RoomID, name))
	}
	return &HistoryPage{
		RoomID:   req.RoomID,
		Messages: out,
		Page:     page,
		Limit:    limit,
		HasMore:  len(msgs) == limit,
	}, nil
}

func (p *Pipeline) cachedHistory(ctx context.Context, identity auth.Identity, roomID string, limit int) *HistoryPage {
	entry, ok := p.registry.ActiveRoom(roomID)
	if !ok || entry.OwnerUserID != identity.UserID || p.cache == nil {
		return nil
	}
	recent, err := p.cache.RecentMessages(ctx, roomID, limit)
	if err != nil || len(recent) == 0 {
		return nil
	}
	out := make([]Message, len(recent))
	for i, m := range recent {
		out[len(recent)-1-i] = messageFromCache(m)
	}
	return &HistoryPage{RoomID: roomID, Messages: out, Page: 1, Limit: limit, Cached: true}
}

// admit runs the rate check and then the room check. The rate counter is
// never rolled back, so rejected and failed attempts still count.
func (p *Pipeline) admit(ctx context.Context, c *Client, roomID string) (ActiveRoom, *CoreError) {
	if p.cache != nil && p.cfg.RateLimit > 0 {
		count, err := p.cache.IncrRateCounter(ctx, c.UserID(), p.cfg.RateWindow)
		switch {
		case err != nil:
			metrics.CacheErrors.WithLabelValues("rate_counter").Inc()
			p.log.Warn().Err(err).Object("identity", c.Identity).Msg("rate counter unavailable, allowing message")
		case count > int64(p.cfg.RateLimit):
			return ActiveRoom{}, coreError(KindRateLimit, ErrCodeRateLimited, "you are sending messages too fast, slow down")
		}
	}

	room, ok := p.registry.ActiveRoom(roomID)
	if !ok || room.OwnerUserID != c.UserID() {
		return ActiveRoom{}, coreError(KindAuthorization, ErrCodeForbiddenRoom, "join the room before sending messages")
	}
	return room, nil
}

// forward brackets the backend call with typing indicators. ai_typing_stop
// goes out exactly once on every path, panics included.
func (p *Pipeline) forward(ctx context.Context, c *Client, op string, room ActiveRoom, correlationID, userContent string, call backendCall) {
	roomID := room.RoomID
	p.broadcast(roomID, nil, &Event{Kind: EventAITypingStart, Room: roomID, At: time.Now().UTC()})
	stopTyping := sync.OnceFunc(func() {
		p.broadcast(roomID, nil, &Event{Kind: EventAITypingStop, Room: roomID, At: time.Now().UTC()})
	})
	defer stopTyping()

	acked := false
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("op", op).Str("room_id", roomID).Msg("recovered from pipeline panic")
			ce := coreError(KindInternal, ErrCodeInternal, "something went wrong, try again")
			if !acked {
				c.reply(ackEvent(correlationID, ce))
			}
			stopTyping()
			c.reply(errorEvent(roomID, ce))
			metrics.PipelineOutcomes.WithLabelValues(op, ce.Code).Inc()
		}
	}()

	// The call outlives the sender's connection and is bounded only by the backend timeout.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.BackendTimeout)
	defer cancel()

	started := time.Now()
	res, err := call(callCtx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.BackendLatency.WithLabelValues(op, outcome).Observe(time.Since(started).Seconds())

	if err != nil {
		ce := backendError(err)
		p.log.Warn().Err(err).Str("op", op).Str("room_id", roomID).Int("status", ce.Status).Msg("backend call failed")
		acked = true
		c.reply(ackEvent(correlationID, ce))
		stopTyping()
		c.reply(errorEvent(roomID, ce))
		metrics.PipelineOutcomes.WithLabelValues(op, ce.Code).Inc()
		return
	}

	acked = true
	c.reply(ackEvent(correlationID, nil))
	metrics.PipelineOutcomes.WithLabelValues(op, "ok").Inc()
	if res == nil {
		res = &upstream.GenerateResult{}
	}

	var fresh []Message
	if userContent != "" && res.UserMessage != nil {
		msg := messageFromUpstream(res.UserMessage, roomID, c.Identity.DisplayName)
		if msg.SenderID == "" {
			msg.SenderID = c.UserID()
		}
		p.broadcast(roomID, c, &Event{Kind: EventNewMessage, Room: roomID, Message: &msg, At: msg.CreatedAt})
		fresh = append(fresh, msg)
	}
	stopTyping()
	if res.AIMessage != nil {
		msg := messageFromUpstream(res.AIMessage, roomID, room.CompanionName)
		if msg.SenderID == "" {
			msg.SenderID = room.CompanionID
		}
		p.broadcast(roomID, nil, &Event{Kind: EventNewMessage, Room: roomID, Message: &msg, At: msg.CreatedAt})
		fresh = append(fresh, msg)
	}

	var unpersisted string
	if userContent != "" && res.UserMessage == nil {
		unpersisted = userContent
	}
	p.remember(ctx, roomID, unpersisted, fresh)
}

// remember feeds the message window and AI context. The context is appended
// first so that a rebuild from the window cannot pick up these turns twice.
func (p *Pipeline) remember(ctx context.Context, roomID, unpersistedUser string, fresh []Message) {
	if p.cache == nil || (len(fresh) == 0 && unpersistedUser == "") {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
	defer cancel()

	now := time.Now().UTC()
	turns := make([]store.ContextTurn, 0, len(fresh)+1)
	if unpersistedUser != "" {
		turns = append(turns, store.ContextTurn{Role: SenderUser, Content: unpersistedUser, At: now})
	}
	cached := make([]store.CachedMessage, 0, len(fresh))
	for _, m := range fresh {
		turns = append(turns, store.ContextTurn{MessageID: m.ID, Role: m.SenderKind, Content: m.Content, At: m.CreatedAt})
		cached = append(cached, m.cached())
	}

	if err := p.cache.AppendContext(ctx, roomID, turns...); err != nil {
		metrics.CacheErrors.WithLabelValues("append_context").Inc()
		p.log.Warn().Err(err).Str("room_id", roomID).Msg("context window update failed")
	}
	if len(cached) == 0 {
		return
	}
	if err := p.cache.PushMessages(ctx, roomID, cached...); err != nil {
		metrics.CacheErrors.WithLabelValues("push_messages").Inc()
		p.log.Warn().Err(err).Str("room_id", roomID).Msg("message cache update failed")
	}
}

func (p *Pipeline) fail(c *Client, op, roomID, correlationID string, ce *CoreError) {
	p.log.Debug().Str("op", op).Str("code", ce.Code).Str("room_id", roomID).Str("client_id", c.ID).Msg("message rejected")
	metrics.PipelineOutcomes.WithLabelValues(op, ce.Code).Inc()
	c.reply(ackEvent(correlationID, ce))
	c.reply(errorEvent(roomID, ce))
}

func (p *Pipeline) broadcast(roomID string, skip *Client, ev *Event) {
	if g := p.registry.Group(roomID); g != nil {
		g.BroadcastExcept(skip, ev)
	}
}

func backendError(err error) *CoreError {
	ce := coreError(KindUpstream, ErrCodeBackendFailed, "the companion could not reply, try again")
	ce.Status = upstream.StatusCode(err)
	switch {
	case errors.Is(err, upstream.ErrCircuitOpen):
		ce.Details = "backend temporarily unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		ce.Details = "backend timed out"
	}
	return ce
}
