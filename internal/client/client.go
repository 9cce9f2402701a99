// Package client is a Go client for the realtime chat endpoint. It keeps one
// room in sync across reconnects and turns acknowledgments into AckResults.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-companion/internal/proto"
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned by operations issued while disconnected.
	ErrNotConnected = errors.New("not connected")
	// ErrNoRoom is returned by room operations before Join.
	ErrNoRoom = errors.New("no room joined")
	// ErrRejected means the server refused the upgrade; retrying will not help.
	ErrRejected = errors.New("connection rejected")
)

const (
	updateBuffer = 256
	readLimit    = 4 << 20
)

// Update is one server event surfaced to the application.
type Update struct {
	Event   string
	RoomID  string
	Message *proto.Message
	History *proto.EventHistoryData
	Error   *proto.Error
	Data    json.RawMessage
}

// Options configures a Client.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL        string
	Token      string
	AckTimeout time.Duration
	// NewBackOff builds the reconnect policy. Defaults to an exponential
	// backoff that never gives up.
	NewBackOff  func() backoff.BackOff
	DialOptions *websocket.DialOptions
	Logger      *zerolog.Logger
}

// Client maintains a connection, the remembered room and its timeline.
type Client struct {
	opts     Options
	log      zerolog.Logger
	acks     *ackTracker
	timeline *Timeline
	updates  chan Update

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	room    string
	stateCh chan State
}

// New builds a Client. Call Run to connect.
func New(opts Options) (*Client, error) {
	if _, err := url.Parse(opts.URL); err != nil || opts.URL == "" {
		return nil, fmt.Errorf("invalid url %q", opts.URL)
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	l := zerolog.Nop()
	if opts.Logger != nil {
		l = opts.Logger.With().Str("component", "client").Logger()
	}
	return &Client{
		opts:     opts,
		log:      l,
		acks:     newAckTracker(opts.AckTimeout),
		timeline: NewTimeline(),
		updates:  make(chan Update, updateBuffer),
		stateCh:  make(chan State, 8),
	}, nil
}

// Updates streams server events. Events are dropped when nobody reads.
func (c *Client) Updates() <-chan Update { return c.updates }

// StateChanges streams connection state transitions. Transitions are
// dropped when nobody reads.
func (c *Client) StateChanges() <-chan State { return c.stateCh }

// Timeline returns the synchronized message list of the remembered room.
func (c *Client) Timeline() *Timeline { return c.timeline }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Room returns the remembered room.
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Run connects and keeps reconnecting until ctx ends or the server rejects
// the credential.
func (c *Client) Run(ctx context.Context) error {
	b := c.opts.NewBackOff()
	for {
		c.setState(StateConnecting, nil)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(StateDisconnected, nil)
			if errors.Is(err, ErrRejected) || ctx.Err() != nil {
				return err
			}
			c.log.Debug().Err(err).Msg("dial failed")
		} else {
			b.Reset()
			err = c.session(ctx, conn)
			c.setState(StateDisconnected, nil)
			_ = conn.CloseNow()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Info().Err(err).Msg("connection lost, reconnecting")
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("giving up reconnecting: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if c.opts.Token != "" {
		q.Set("token", c.opts.Token)
	}
	q.Set("v", fmt.Sprint(proto.ProtocolVersion))
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), c.opts.DialOptions)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
			}
		}
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// session runs one connection until it fails.
func (c *Client) session(ctx context.Context, conn *websocket.Conn) error {
	if room := c.connected(conn); room != "" {
		if err := c.syncRoom(ctx, conn, room); err != nil {
			return err
		}
	}

	for {
		var out inbound
		if err := wsjson.Read(ctx, conn, &out); err != nil {
			return err
		}
		c.handle(out)
	}
}

// syncRoom joins room, restarts pagination and asks for page 1.
func (c *Client) syncRoom(ctx context.Context, conn *websocket.Conn, room string) error {
	if err := writeInbound(ctx, conn, proto.InboundTypeJoinRoom, "", proto.RoomData{RoomID: room}); err != nil {
		return err
	}
	c.timeline.Reset(room)
	return writeInbound(ctx, conn, proto.InboundTypeGetHistory, "", proto.HistoryData{RoomID: room, Page: 1})
}

// inbound is an outbound server frame as seen from the client side.
type inbound struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func (c *Client) handle(out inbound) {
	switch out.Type {
	case proto.OutboundTypeAck:
		var data proto.AckData
		if err := json.Unmarshal(out.Data, &data); err != nil {
			c.log.Warn().Err(err).Msg("malformed ack")
			return
		}
		if !c.acks.resolve(out.ID, data) {
			c.log.Debug().Str("id", out.ID).Msg("discarding late or unknown ack")
		}
		return
	case proto.OutboundTypeError:
		c.emit(Update{Event: proto.EventError, Error: out.Error, Data: out.Data})
		return
	}

	u := Update{Event: out.Event, Data: out.Data}
	switch out.Event {
	case proto.EventNewMessage:
		var msg proto.Message
		if err := json.Unmarshal(out.Data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("malformed message")
			return
		}
		u.RoomID = msg.RoomID
		u.Message = &msg
		if !c.timeline.Append(msg) {
			return
		}
	case proto.EventMessageHistory:
		var page proto.EventHistoryData
		if err := json.Unmarshal(out.Data, &page); err != nil {
			c.log.Warn().Err(err).Msg("malformed history")
			return
		}
		u.RoomID = page.RoomID
		u.History = &page
		c.timeline.ApplyPage(page)
	default:
		var room proto.EventRoomData
		_ = json.Unmarshal(out.Data, &room)
		u.RoomID = room.RoomID
	}
	c.emit(u)
}

func (c *Client) emit(u Update) {
	select {
	case c.updates <- u:
	default:
		c.log.Warn().Str("event", u.Event).Msg("update dropped, consumer too slow")
	}
}

func (c *Client) setState(s State, conn *websocket.Conn) {
	c.mu.Lock()
	c.state = s
	c.conn = conn
	c.mu.Unlock()
	c.notify(s)
}

// connected switches to StateConnected and returns the room to resync. Join
// reads the same fields under the same lock, so exactly one side syncs.
func (c *Client) connected(conn *websocket.Conn) string {
	c.mu.Lock()
	c.state = StateConnected
	c.conn = conn
	room := c.room
	c.mu.Unlock()
	c.notify(StateConnected)
	return room
}

func (c *Client) notify(s State) {
	select {
	case c.stateCh <- s:
	default:
	}
}

func (c *Client) current() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Join remembers room and synchronizes it now when connected, or on the
// next connection otherwise.
func (c *Client) Join(ctx context.Context, room string) error {
	c.mu.Lock()
	c.room = room
	conn := c.conn
	live := c.state == StateConnected && conn != nil
	c.mu.Unlock()

	if !live {
		c.timeline.Reset(room)
		return nil
	}
	return c.syncRoom(ctx, conn, room)
}

// Leave forgets the remembered room.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	room := c.room
	c.room = ""
	c.mu.Unlock()
	if room == "" {
		return ErrNoRoom
	}

	conn, err := c.current()
	if err != nil {
		return nil
	}
	return writeInbound(ctx, conn, proto.InboundTypeLeaveRoom, "", proto.RoomData{RoomID: room})
}

// Send posts content to the remembered room and waits for its ack. A
// timeout returns ErrAckTimeout with an AckTimeout result.
func (c *Client) Send(ctx context.Context, content string) (AckResult, error) {
	room := c.Room()
	if room == "" {
		return AckResult{}, ErrNoRoom
	}
	return c.acknowledged(ctx, room, proto.InboundTypeSend, proto.SendData{RoomID: room, Content: content}, content)
}

// Continue asks the companion to extend its last reply.
func (c *Client) Continue(ctx context.Context) (AckResult, error) {
	room := c.Room()
	if room == "" {
		return AckResult{}, ErrNoRoom
	}
	return c.acknowledged(ctx, room, proto.InboundTypeContinue, proto.ContinueData{RoomID: room}, "")
}

// acknowledged writes one ack-tracked frame. A non-empty echo is shown in the
// timeline right away as a local entry whose delivery follows the ack.
func (c *Client) acknowledged(ctx context.Context, room, typ string, payload any, echo string) (AckResult, error) {
	conn, err := c.current()
	if err != nil {
		return AckResult{}, err
	}

	p := c.acks.register(room, payload)
	local := echo != "" && c.timeline.AddLocal(proto.Message{
		ID:          p.ID,
		RoomID:      room,
		SenderType:  proto.SenderTypeUser,
		Content:     echo,
		MessageType: "text",
		CreatedAt:   p.CreatedAt.UTC().Format(time.RFC3339Nano),
	})

	if err := writeInbound(ctx, conn, typ, p.ID, payload); err != nil {
		c.acks.drop(p.ID)
		if local {
			c.timeline.MarkDelivery(p.ID, DeliveryFailed)
		}
		return AckResult{}, err
	}

	res, err := c.acks.wait(ctx, p)
	if local {
		switch res.Status {
		case AckOK:
			c.timeline.MarkDelivery(p.ID, DeliveryConfirmed)
		case AckFailed:
			c.timeline.MarkDelivery(p.ID, DeliveryFailed)
		default:
			c.timeline.MarkDelivery(p.ID, DeliveryUnknown)
		}
	}
	return res, err
}

// Typing sends a typing indicator for the remembered room.
func (c *Client) Typing(ctx context.Context, started bool) error {
	room := c.Room()
	if room == "" {
		return ErrNoRoom
	}
	conn, err := c.current()
	if err != nil {
		return err
	}
	typ := proto.InboundTypeTypingOff
	if started {
		typ = proto.InboundTypeTypingOn
	}
	return writeInbound(ctx, conn, typ, "", proto.RoomData{RoomID: room})
}

// LoadOlder requests the next page of history. It reports false when the
// timeline says there is nothing older.
func (c *Client) LoadOlder(ctx context.Context) (bool, error) {
	room := c.Room()
	if room == "" {
		return false, ErrNoRoom
	}
	if !c.timeline.HasMore() {
		return false, nil
	}
	conn, err := c.current()
	if err != nil {
		return false, err
	}
	page := c.timeline.NextPage()
	return true, writeInbound(ctx, conn, proto.InboundTypeGetHistory, "", proto.HistoryData{RoomID: room, Page: page})
}

func writeInbound(ctx context.Context, conn *websocket.Conn, typ, id string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	return wsjson.Write(ctx, conn, proto.Inbound{Type: typ, ID: id, Data: payload})
}
