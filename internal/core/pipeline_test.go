package core

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-companion/internal/auth"
	"github.com/vovakirdan/wirechat-companion/internal/store"
	"github.com/vovakirdan/wirechat-companion/internal/upstream"
)

func sendCmd(room, content, id string) *Command {
	return &Command{Kind: CommandSendMessage, Room: room, Content: content, CorrelationID: id}
}

func TestSendHappyPathEventOrder(t *testing.T) {
	h := newHarness(t, DefaultPipelineConfig())
	h.rooms.set("r1", "u1", "c9", "Mira")
	h.backend.generate = func(_ context.Context, req upstream.GenerateRequest) (*upstream.GenerateResult, error) {
		if req.Content != "hello" || req.RoomID != "r1" || req.CharacterID != "c9" {
			t.Errorf("unexpected backend request: %+v", req)
		}
		return &upstream.GenerateResult{AIMessage: aiReply("m1", "hi there")}, nil
	}

	alice := h.connect(t, "a", "u1", "alice")
	h.join(t, alice, "r1")
	alice.Commands <- sendCmd("r1", "hello", "req-1")

	evs := expectSequence(t, alice.Events, EventAITypingStart, EventAck, EventAITypingStop, EventNewMessage)
	if evs[0].Room != "r1" || evs[2].Room != "r1" {
		t.Fatalf("typing events must carry the room: %+v %+v", evs[0], evs[2])
	}
	if ack := evs[1].Ack; !ack.OK || ack.ID != "req-1" || ack.Error != nil {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	msg := evs[3].Message
	if msg.ID != "m1" || msg.RoomID != "r1" || msg.SenderKind != SenderCompanion || msg.Content != "hi there" {
		t.Fatalf("unexpected reply: %+v", msg)
	}
	if msg.SenderName != "Mira" || msg.SenderID != "c9" {
		t.Fatalf("reply should fall back to companion identity: %+v", msg)
	}
	if !msg.CreatedAt.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp %v", msg.CreatedAt)
	}
	expectNoEvent(t, alice.Events, 50*time.Millisecond)
}

func TestSendEchoesPersistedUserMessageToOtherTabsOnly(t *testing.T) {
	h := newHarness(t, DefaultPipelineConfig())
	h.rooms.set("r1", "u1", "c9", "Mira")
	h.backend.generate = func(context.Context, upstream.GenerateRequest) (*upstream.GenerateResult, error) {
		return &upstream.GenerateResult{
			UserMessage: &upstream.Message{ID: "u-1", SenderType: "user", Content: "hello"},
			AIMessage:   aiReply("m1", "hi there"),
		}, nil
	}

	sender := h.connect(t, "t1", "u1", "alice")
	other := h.connect(t, "t2", "u1", "alice")
	h.join(t, sender, "r1")
	h.join(t, other, "r1")

	sender.Commands <- sendCmd("r1", "hello", "req-1")

	expectSequence(t, sender.Events, EventAITypingStart, EventAck, EventAITypingStop, EventNewMessage)
	expectNoEvent(t, sender.Events, 50*time.Millisecond)

	evs := expectSequence(t, other.Events, EventAITypingStart, EventNewMessage, EventAITypingStop, EventNewMessage)
	echo := evs[1].Message
	if echo.ID != "u-1" || echo.SenderKind != SenderUser || echo.SenderName != "alice" || echo.SenderID != "u1" {
		t.Fatalf("unexpected echo: %+v", echo)
	}
	if evs[3].Message.ID != "m1" {
		t.Fatalf("unexpected reply: %+v", evs[3].Message)
	}
}

func TestSendTooLongHasNoBroadcast(t *testing.T) {
	h := newHarness(t, DefaultPipelineConfig())
	h.rooms.set("r1", "u1", "c9", "")

	sender := h.connect(t, "t1", "u1", "alice")
	other := h.connect(t, "t2", "u1", "alice")
	h.join(t, sender, "r1")
	h.join(t, other, "r1")

	sender.Commands <- sendCmd("r1", strings.Repeat("a", 6000), "req-1")

	evs := expectSequence(t, sender.Events, EventAck, EventError)
	ack := evs[0].Ack
	if ack.OK || ack.Error.Code != ErrCodeTooLong || ack.Error.Max != 5000 {
		t.Fatalf("unexpected ack: %+v", ack.Error)
	}
	if evs[1].Error.Kind != KindValidation {
		t.Fatalf("unexpected error kind: %v", evs[1].Error.Kind)
	}
	expectNoEvent(t, other.Events, 50*time.Millisecond)
	if h.backend.calls() != 0 {
		t.Fatalf("backend must not be called")
	}
}

func TestSendCountsRunesNotBytes(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.MaxMessageLength = 5
	h := newHarness(t, cfg)
	h.rooms.set("r1", "u1", "c9", "")

	alice := h.connect(t, "a", "u1", "alice")
	h.join(t, alice, "r1")

	alice.Commands <- sendCmd("r1", "héllö", "req-1")
	ack := mustEvent(t, alice.Events, EventAck).Ack
	if !ack.OK {
		t.Fatalf("five runes must fit, got %+v", ack.Error)
	}
}

func TestSendMissingFields(t *testing.T) {
	h := newHarness(t, DefaultPipelineConfig())
	alice := h.connect(t, "a", "u1", "alice")

	for _, cmd := range []*Command{sendCmd("", "hi", "1"), sendCmd("r1", "   ", "2")} {
		alice.Commands <- cmd
		evs := expectSequence(t, alice.Events, EventAck, EventError)
		if evs[0].Ack.ID != cmd.CorrelationID || evs[0].Ack.Error.Code != ErrCodeMissingFields {
			t.Fatalf("unexpected ack: %+v", evs[0].Ack)
		}
	}
}

func TestSendForbiddenRoom(t *testing.T) {
	h := newHarness(t, DefaultPipelineConfig())
	h.rooms.set("r2", "u2", "c1", "")

	owner := h.connect(t, "b", "u2", "bob")
	h.join(t, owner, "r2")

	alice := h.connect(t, "a", "u1", "alice")
	alice.Commands <- sendCmd("r2", "hi", "req-1")

	evs := expectSequence(t, alice.Events, EventAck, EventError)
	if evs[0].Ack.Error.Code != ErrCodeForbiddenRoom || evs[1].Error.Kind != KindAuthorization {
		t.Fatalf("unexpected rejection: %+v", evs[0].Ack.Error)
	}
	expectNoEvent(t, owner.Events, 50*time.Millisecond)
}

func TestSendRateLimitedOnLimitPlusOne(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.RateLimit = 3
	h := newHarness(t, cfg)
	h.rooms.set("r1", "u1", "c9", "")

	alice := h.connect(t, "a", "u1", "alice")
	h.join(t, alice, "r1")

	p := h.hub.Pipeline()
	ctx := context.Background()
	for i := range 3 {
		p.Send(ctx, alice, SendRequest{RoomID: "r1", Content: "hi", CorrelationID: "ok"})
		ack := mustEvent(t, alice.Events, EventAck).Ack
		if !ack.OK {
			t.Fatalf("send %d rejected: %+v", i, ack.Error)
		}
		mustEvent(t, alice.Events, EventAITypingStop)
	}

	p.Send(ctx, alice, SendRequest{RoomID: "r1", Content: "hi", CorrelationID: "fourth"})
	evs := expectSequence(t, alice.Events, EventAck, EventError)
	if evs[0].Ack.ID != "fourth" || evs[0].Ack.Error.Code != ErrCodeRateLimited {
		t.Fatalf("expected rate_limited, got %+v", evs[0].Ack)
	}
	if evs[0].Ack.Error.Max != 0 {
		t.Fatalf("rate_limited ack must not carry max, got %d", evs[0].Ack.Error.Max)
	}
	if h.backend.calls() != 3 {
		t.Fatalf("expected 3 backend calls, got %d", h.backend.calls())
	}
}

func TestRejectedAttemptsStillCount(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.RateLimit = 1
	h := newHarness(t, cfg)
	h.rooms.set("r1", "u1", "c9", "")

	alice := h.connect(t, "a", "u1", "alice")
	p := h.hub.Pipeline()

	// Not joined yet: forbidden, but the attempt is counted.
	p.Send(context.Background(), alice, SendRequest{RoomID: "r1", Content: "hi"})
	evs := expectSequence(t, alice.Events, EventAck, EventError)
	if code := evs[0].Ack.Error.Code; code != ErrCodeForbiddenRoom {
		t.Fatalf("expected forbidden_room, got %s", code)
	}

	h.join(t, alice, "r1")
	p.Send(context.Background(), alice, SendRequest{RoomID: "r1", Content: "hi"})
	if code := mustEvent(t, alice.Events, EventAck).Ack.Error.Code; code != ErrCodeRateLimited {
		t.Fatalf("expected rate_limited, got %s", code)
	}
}

func TestSendBackendTimeout(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.BackendTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.rooms.set("r2", "u1", "c9", "")
	h.backend.generate = func(ctx context.Context, _ upstream.GenerateRequest) (*upstream.GenerateResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	sender := h.connect(t, "t1", "u1", "alice")
	other := h.connect(t, "t2", "u1", "alice")
	h.join(t, sender, "r2")
	h.join(t, other, "r2")

	sender.Commands <- sendCmd("r2", "hello", "req-1")

	evs := expectSequence(t, sender.Events, EventAITypingStart, EventAck, EventAITypingStop, EventError)
	ack := evs[1].Ack
	if ack.OK || ack.Error.Code != ErrCodeBackendFailed || ack.Error.Kind != KindUpstream {
		t.Fatalf("unexpected ack: %+v", ack.Error)
	}
	if evs[2].Room != "r2" {
		t.Fatalf("typing stop for wrong room: %+v", evs[2])
	}

	// Peers see the indicator cleared but not the sender's error.
	expectSequence(t, other.Events, EventAITypingStart, EventAITypingStop)
	expectNoEvent(t, other.Events, 50*time.Millisecond)
}

func TestSendCarriesUpstreamStatus(t *testing.T) {
	h := newHarness(t, DefaultPipelineConfig())
	h.rooms.set("r1", "u1", "c9", "")
	h.backend.generate = func(context.Context, upstream.GenerateRequest) (*upstream.GenerateResult, error) {
		return nil, &upstream.StatusError{Op: "generate", Status: 502}
	}

	alice := h.connect(t, "a", "u1", "alice")
	h.join(t, alice, "r1")
	alice.Commands <- sendCmd("r1", "hello", "req-1")

	ack := mustEvent(t, alice.Events, EventAck).Ack
	if ack.Error.Code != ErrCodeBackendFailed || ack.Error.Status != 502 {
		t.Fatalf("expected backend_failed with status 502, got %+v", ack.Error)
	}
}

func TestSendCircuitOpenIsBackendFailure(t *testing.T) {
	h := newHarness(t, DefaultPipelineConfig())
	h.rooms.set("r1", "u1", "c9", "")
	h.backend.generate = func(context.Context, upstream.GenerateRequest) (*upstream.GenerateResult, error) {
		return nil, upstream.ErrCircuitOpen
	}

	alice := h.connect(t, "a", "u1", "alice")
	h.join(t, alice, "r1")
	alice.Commands <- sendCmd("r1", "hello", "req-1")

	evs := expectSequence(t, alice.Events, EventAITypingStart, EventAck, EventAITypingStop, EventError)
	if evs[1].Ack.Error.Code != ErrCodeBackendFailed || evs[1].Ack.Error.Status != 0 {
		t.Fatalf("unexpected ack: %+v", evs[1].Ack.Error)
	}
}

func TestTypingStopExactlyOnceOnPanic(t *testing.T) {
	h := newHarness(t, DefaultPipelineConfig())
	h.rooms.set("r1", "u1", "c9", "")
	h.backend.generate = func(context.Context, upstream.GenerateRequest) (*upstream.GenerateResult, error) {
		panic("boom")
	}

	alice := h.connect(t, "a", "u1", "alice")
	h.join(t, alice, "r1")
	alice.Commands <- sendCmd("r1", "hello", "req-1")

	evs := expectSequence(t, alice.Events, EventAITypingStart, EventAck, EventAITypingStop, EventError)
	if evs[1].Ack.OK || evs[1].Ack.Error.Code != ErrCodeInternal {
		t.Fatalf("unexpected ack: %+v", evs[1].Ack)
	}
	expectNoEvent(t, alice.Events, 50*time.Millisecond)
}

func TestContinueNeverEchoesUserTurn(t *testing.T) {
	h := newHarness(t, DefaultPipelineConfig())
	h.rooms.set("r1", "u1", "c9", "Mira")
	h.backend.cont = func(_ context.Context, req upstream.GenerateRequest) (*upstream.GenerateResult, error) {
		if req.Content != "" {
			t.Errorf("continue must not carry content, got %q", req.Content)
		}
		if string(req.SettingsPatch) != `{"temperature":0.2}` {
			t.Errorf("settings patch not forwarded: %s", req.SettingsPatch)
		}
		return &upstream.GenerateResult{
			UserMessage: &upstream.Message{ID: "ghost", SenderType: "user"},
			AIMessage:   aiReply("m2", "...and then"),
		}, nil
	}

	sender := h.connect(t, "t1", "u1", "alice")
	other := h.connect(t, "t2", "u1", "alice")
	h.join(t, sender, "r1")
	h.join(t, other, "r1")

	sender.Commands <- &Command{
		Kind:          CommandContinue,
		Room:          "r1",
		CorrelationID: "req-2",
		SettingsPatch: json.RawMessage(`{"temperature":0.2}`),
	}

	evs := expectSequence(t, sender.Events, EventAITypingStart, EventAck, EventAITypingStop, EventNewMessage)
	if evs[1].Ack.ID != "req-2" || !evs[1].Ack.OK {
		t.Fatalf("unexpected ack: %+v", evs[1].Ack)
	}
	expectSequence(t, other.Events, EventAITypingStart, EventAITypingStop, EventNewMessage)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recent, _ := h.store.RecentMessages(context.Background(), "r1", 10)
		if len(recent) > 0 {
			if len(recent) != 1 || recent[0].ID != "m2" {
				t.Fatalf("continue cached a user turn: %+v", recent)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("reply never cached")
}

func TestContinueCountsTowardRateLimit(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.RateLimit = 1
	h := newHarness(t, cfg)
	h.rooms.set("r1", "u1", "c9", "")

	alice := h.connect(t, "a", "u1", "alice")
	h.join(t, alice, "r1")

	p := h.hub.Pipeline()
	p.Continue(context.Background(), alice, ContinueRequest{RoomID: "r1"})
	if ack := mustEvent(t, alice.Events, EventAck).Ack; !ack.OK {
		t.Fatalf("continue rejected: %+v", ack.Error)
	}
	p.Send(context.Background(), alice, SendRequest{RoomID: "r1", Content: "hi"})
	if ack := mustEvent(t, alice.Events, EventAck).Ack; ack.Error == nil || ack.Error.Code != ErrCodeRateLimited {
		t.Fatalf("expected rate_limited, got %+v", ack)
	}
}

func TestSendSurvivesSenderDisconnect(t *testing.T) {
	h := newHarness(t, DefaultPipelineConfig())
	h.rooms.set("r1", "u1", "c9", "")

	release := make(chan struct{})
	ctxErr := make(chan error, 1)
	h.backend.generate = func(ctx context.Context, _ upstream.GenerateRequest) (*upstream.GenerateResult, error) {
		<-release
		ctxErr <- ctx.Err()
		return &upstream.GenerateResult{AIMessage: aiReply("m1", "late reply")}, nil
	}

	sender := h.connect(t, "t1", "u1", "alice")
	other := h.connect(t, "t2", "u1", "alice")
	h.join(t, sender, "r1")
	h.join(t, other, "r1")

	connCtx, cancelConn := context.WithCancel(context.Background())
	go h.hub.Pipeline().Send(connCtx, sender, SendRequest{RoomID: "r1", Content: "hello", CorrelationID: "x"})
	mustEvent(t, other.Events, EventAITypingStart)

	cancelConn()
	h.hub.Disconnect(sender)
	close(release)

	if err := <-ctxErr; err != nil {
		t.Fatalf("backend call was cancelled by the disconnect: %v", err)
	}
	expectSequence(t, other.Events, EventAITypingStop, EventNewMessage)
}

func TestAckSurvivesFullEventQueue(t *testing.T) {
	h := newHarness(t, DefaultPipelineConfig())
	h.rooms.set("r1", "u1", "c9", "")

	release := make(chan struct{})
	h.backend.generate = func(context.Context, upstream.GenerateRequest) (*upstream.GenerateResult, error) {
		<-release
		return &upstream.GenerateResult{AIMessage: aiReply("m1", "hi")}, nil
	}

	alice := h.connect(t, "a", "u1", "alice")
	h.join(t, alice, "r1")

	go h.hub.Pipeline().Send(context.Background(), alice, SendRequest{RoomID: "r1", Content: "hello", CorrelationID: "c1"})
	mustEvent(t, alice.Events, EventAITypingStart)

	filled := 0
	for alice.deliver(&Event{Kind: EventUserTypingStart, Room: "r1"}) {
		filled++
	}
	if filled != eventBuffer {
		t.Fatalf("expected to fill %d slots, filled %d", eventBuffer, filled)
	}
	close(release)

	ack := mustEvent(t, alice.Events, EventAck).Ack
	if ack.ID != "c1" || !ack.OK {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestReplyGivesUpOnDisconnect(t *testing.T) {
	c := NewClient("a", auth.Identity{UserID: "u1"})
	for c.deliver(&Event{Kind: EventUserTypingStart}) {
	}

	done := make(chan bool, 1)
	go func() { done <- c.reply(ackEvent("c1", nil)) }()
	expectNoReply := time.After(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatalf("reply returned while the queue was full")
	case <-expectNoReply:
	}

	c.close()
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("reply reported delivery to a closed client")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reply still blocked after disconnect")
	}
}

func TestSendCachesMessagesAndContextOnce(t *testing.T) {
	h := newHarness(t, DefaultPipelineConfig())
	h.rooms.set("r1", "u1", "c9", "")
	h.backend.generate = func(_ context.Context, req upstream.GenerateRequest) (*upstream.GenerateResult, error) {
		return &upstream.GenerateResult{
			UserMessage: &upstream.Message{ID: "u-1", SenderType: "user", Content: req.Content},
			AIMessage:   aiReply("m1", "hi there"),
		}, nil
	}

	alice := h.connect(t, "a", "u1", "alice")
	h.join(t, alice, "r1")
	h.hub.Pipeline().Send(context.Background(), alice, SendRequest{RoomID: "r1", Content: "hello"})

	ctx := context.Background()
	recent, err := h.store.RecentMessages(ctx, "r1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "m1" || recent[1].ID != "u-1" {
		t.Fatalf("unexpected cache window: %+v", recent)
	}

	window, err := h.store.GetContext(ctx, "r1")
	if err != nil || !window.Found {
		t.Fatalf("context missing: %v", err)
	}
	turns := window.Value.Turns
	if len(turns) != 2 || turns[0].Role != store.SenderUser || turns[1].Role != store.SenderCompanion {
		t.Fatalf("unexpected context turns: %+v", turns)
	}
}

func TestTypingRelaysToPeersOnly(t *testing.T) {
	h := newHarness(t, DefaultPipelineConfig())
	h.rooms.set("r1", "u1", "c9", "")

	sender := h.connect(t, "t1", "u1", "alice")
	other := h.connect(t, "t2", "u1", "alice")
	h.join(t, sender, "r1")
	h.join(t, other, "r1")

	sender.Commands <- &Command{Kind: CommandTypingStart, Room: "r1"}
	sender.Commands <- &Command{Kind: CommandTypingStop, Room: "r1"}

	evs := expectSequence(t, other.Events, EventUserTypingStart, EventUserTypingStop)
	if evs[0].UserID != "u1" || evs[0].Username != "alice" || evs[0].Room != "r1" {
		t.Fatalf("unexpected typing event: %+v", evs[0])
	}
	expectNoEvent(t, sender.Events, 50*time.Millisecond)

	// Not subscribed to r9: ignored.
	sender.Commands <- &Command{Kind: CommandTypingStart, Room: "r9"}
	expectNoEvent(t, other.Events, 50*time.Millisecond)
}

func TestHistoryDefaultsAndHasMore(t *testing.T) {
	h := newHarness(t, DefaultPipelineConfig())
	h.rooms.set("r1", "u1", "c9", "Mira")

	var gotPage, gotLimit int
	h.backend.history = func(_ context.Context, _ string, page, limit int) ([]upstream.Message, error) {
		gotPage, gotLimit = page, limit
		msgs := make([]upstream.Message, limit)
		for i := range msgs {
			msgs[i] = upstream.Message{ID: upstream.ID(string(rune('a' + i%26))), SenderType: "ai", Content: "x"}
		}
		return msgs, nil
	}

	alice := h.connect(t, "a", "u1", "alice")
	h.join(t, alice, "r1")

	p := h.hub.Pipeline()
	page, err := p.History(context.Background(), alice.Identity, HistoryRequest{RoomID: "r1"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if gotPage != 1 || gotLimit != 50 || !page.HasMore || len(page.Messages) != 50 {
		t.Fatalf("unexpected defaults: page=%d limit=%d has_more=%v", gotPage, gotLimit, page.HasMore)
	}
	if page.Messages[0].SenderName != "Mira" || page.Messages[0].SenderKind != SenderCompanion {
		t.Fatalf("companion name not filled: %+v", page.Messages[0])
	}

	if _, err := p.History(context.Background(), alice.Identity, HistoryRequest{RoomID: "r1", Page: 3, Limit: 500}); err != nil {
		t.Fatalf("history: %v", err)
	}
	if gotPage != 3 || gotLimit != 100 {
		t.Fatalf("limit must be capped at 100, got %d", gotLimit)
	}

	h.backend.history = func(context.Context, string, int, int) ([]upstream.Message, error) {
		return []upstream.Message{{ID: "1", SenderType: "user"}}, nil
	}
	page, _ = p.History(context.Background(), alice.Identity, HistoryRequest{RoomID: "r1", Limit: 20})
	if page.HasMore {
		t.Fatalf("short page must report has_more=false")
	}
	if page.Messages[0].SenderName != "alice" {
		t.Fatalf("user name not filled: %+v", page.Messages[0])
	}
}

func TestHistoryFallsBackToCacheOnPageOne(t *testing.T) {
	h := newHarness(t, DefaultPipelineConfig())
	h.rooms.set("r1", "u1", "c9", "")
	h.backend.history = func(context.Context, string, int, int) ([]upstream.Message, error) {
		return nil, &upstream.StatusError{Op: "history", Status: 503}
	}

	alice := h.connect(t, "a", "u1", "alice")
	h.join(t, alice, "r1")

	ctx := context.Background()
	if err := h.store.PushMessages(ctx, "r1",
		store.CachedMessage{ID: "1", RoomID: "r1", SenderKind: store.SenderUser, Content: "hello"},
		store.CachedMessage{ID: "2", RoomID: "r1", SenderKind: store.SenderCompanion, Content: "hi"},
	); err != nil {
		t.Fatalf("push: %v", err)
	}

	p := h.hub.Pipeline()
	page, err := p.History(ctx, alice.Identity, HistoryRequest{RoomID: "r1"})
	if err != nil {
		t.Fatalf("expected cached page, got %v", err)
	}
	if !page.Cached || len(page.Messages) != 2 || page.Messages[0].ID != "1" || page.Messages[1].ID != "2" {
		t.Fatalf("unexpected cached page: %+v", page)
	}

	_, err = p.History(ctx, alice.Identity, HistoryRequest{RoomID: "r1", Page: 2})
	var ce *CoreError
	if !errors.As(err, &ce) || ce.Code != ErrCodeBackendFailed || ce.Status != 503 {
		t.Fatalf("expected backend_failed for page 2, got %v", err)
	}

	// A caller that does not own the active room never gets the cache.
	_, err = p.History(ctx, auth.Identity{UserID: "u2"}, HistoryRequest{RoomID: "r1"})
	if !errors.As(err, &ce) || ce.Code != ErrCodeBackendFailed {
		t.Fatalf("expected backend_failed for a stranger, got %v", err)
	}
}

func TestHistoryCommandDeliversPage(t *testing.T) {
	h := newHarness(t, DefaultPipelineConfig())
	h.backend.history = func(context.Context, string, int, int) ([]upstream.Message, error) {
		return nil, &upstream.StatusError{Op: "history", Status: 403}
	}

	alice := h.connect(t, "a", "u1", "alice")
	alice.Commands <- &Command{Kind: CommandGetHistory, Room: "r1"}
	ev := mustEvent(t, alice.Events, EventError)
	if ev.Error.Code != ErrCodeForbiddenRoom {
		t.Fatalf("expected forbidden_room, got %+v", ev.Error)
	}

	h.backend.history = func(context.Context, string, int, int) ([]upstream.Message, error) {
		return []upstream.Message{{ID: "1", SenderType: "user", Content: "hello"}}, nil
	}
	alice.Commands <- &Command{Kind: CommandGetHistory, Room: "r1", Page: 1, Limit: 10}
	ev = mustEvent(t, alice.Events, EventHistory)
	if ev.History.RoomID != "r1" || len(ev.History.Messages) != 1 || ev.History.HasMore {
		t.Fatalf("unexpected page: %+v", ev.History)
	}
}
