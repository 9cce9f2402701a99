package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-companion/internal/auth"
	"github.com/vovakirdan/wirechat-companion/internal/store"
	"github.com/vovakirdan/wirechat-companion/internal/store/memory"
	"github.com/vovakirdan/wirechat-companion/internal/upstream"
)

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev == nil {
				continue
			}
			if ev.Kind == kind {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

// nextEvent returns the next event without skipping any.
func nextEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no event received")
		return nil
	}
}

// expectSequence asserts the next events are exactly kinds, in order.
func expectSequence(t *testing.T, ch <-chan *Event, kinds ...EventKind) []*Event {
	t.Helper()
	out := make([]*Event, 0, len(kinds))
	for i, kind := range kinds {
		ev := nextEvent(t, ch)
		if ev.Kind != kind {
			t.Fatalf("event %d: expected %v, got %v (%+v)", i, kind, ev.Kind, ev)
		}
		out = append(out, ev)
	}
	return out
}

func expectNoEvent(t *testing.T, ch <-chan *Event, wait time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event %v: %+v", ev.Kind, ev)
		}
	case <-time.After(wait):
	}
}

type fakeRooms struct {
	mu    sync.Mutex
	rooms map[string]*upstream.Room
	err   error
	calls atomic.Int32
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{rooms: make(map[string]*upstream.Room)}
}

func (f *fakeRooms) set(roomID, ownerID, companionID, companionName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[roomID] = &upstream.Room{
		ID:            upstream.ID(roomID),
		UserID:        upstream.ID(ownerID),
		CharacterID:   upstream.ID(companionID),
		CharacterName: companionName,
		Raw:           []byte(`{"id":"` + roomID + `","user_id":"` + ownerID + `"}`),
	}
}

func (f *fakeRooms) Room(_ context.Context, _ string, roomID string) (*upstream.Room, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	room, ok := f.rooms[roomID]
	if !ok {
		return nil, &upstream.StatusError{Op: "get room", Status: 404}
	}
	return room, nil
}

type generateFunc func(ctx context.Context, req upstream.GenerateRequest) (*upstream.GenerateResult, error)

type fakeBackend struct {
	mu       sync.Mutex
	generate generateFunc
	cont     generateFunc
	history  func(ctx context.Context, roomID string, page, limit int) ([]upstream.Message, error)
	requests []upstream.GenerateRequest
}

func (f *fakeBackend) record(req upstream.GenerateRequest) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeBackend) Generate(ctx context.Context, _ string, req upstream.GenerateRequest) (*upstream.GenerateResult, error) {
	f.record(req)
	if f.generate == nil {
		return &upstream.GenerateResult{}, nil
	}
	return f.generate(ctx, req)
}

func (f *fakeBackend) Continue(ctx context.Context, _ string, req upstream.GenerateRequest) (*upstream.GenerateResult, error) {
	f.record(req)
	if f.cont == nil {
		return &upstream.GenerateResult{}, nil
	}
	return f.cont(ctx, req)
}

func (f *fakeBackend) History(ctx context.Context, _ string, roomID string, page, limit int) ([]upstream.Message, error) {
	if f.history == nil {
		return nil, nil
	}
	return f.history(ctx, roomID, page, limit)
}

type harness struct {
	hub     *Hub
	rooms   *fakeRooms
	backend *fakeBackend
	store   *memory.MemoryStore
}

func newHarness(t *testing.T, cfg PipelineConfig) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := memory.New(store.DefaultLimits())
	rooms := newFakeRooms()
	backend := &fakeBackend{}
	registry := NewRegistry()
	hub := NewHub(
		registry,
		NewRouter(registry, rooms, st, nil),
		NewPipeline(registry, backend, st, cfg, nil),
		st,
		nil,
	)
	go hub.Run(ctx)

	return &harness{hub: hub, rooms: rooms, backend: backend, store: st}
}

func (h *harness) connect(t *testing.T, clientID, userID, name string) *Client {
	t.Helper()
	c := NewClient(clientID, auth.Identity{UserID: userID, DisplayName: name, Credential: "tok-" + userID})
	h.hub.Connect(context.Background(), c)
	mustEvent(t, c.Events, EventConnected)
	return c
}

func (h *harness) join(t *testing.T, c *Client, roomID string) {
	t.Helper()
	if err := c.Submit(context.Background(), &Command{Kind: CommandJoinRoom, Room: roomID}); err != nil {
		t.Fatalf("submit join: %v", err)
	}
	ev := nextEvent(t, c.Events)
	if ev.Kind != EventRoomJoined || ev.Room != roomID {
		t.Fatalf("expected room_joined for %s, got %+v", roomID, ev)
	}
}

func aiReply(id, content string) *upstream.Message {
	return &upstream.Message{
		ID:         upstream.ID(id),
		SenderType: upstream.SenderTypeCharacter,
		Content:    content,
		CreatedAt:  upstream.Timestamp{Time: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func storeSession(userID, connectionID string) store.SessionRecord {
	return store.SessionRecord{UserID: userID, ConnectionID: connectionID, ConnectedAt: time.Now().UTC()}
}
