package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vovakirdan/wirechat-companion/internal/store"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e entry[T]) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// MemoryStore implements store.SessionStore in process memory. It is meant for
// development and tests; expiry is evaluated lazily on access.
type MemoryStore struct {
	mu       sync.Mutex
	limits   store.Limits
	now      func() time.Time
	closed   bool
	sessions map[string]entry[store.SessionRecord]
	rooms    map[string]entry[store.RoomSnapshot]
	messages map[string]entry[[]store.CachedMessage]
	counters map[string]entry[int64]
	contexts map[string]entry[store.AIContextWindow]
}

// New creates an empty in-memory store.
func New(limits store.Limits) *MemoryStore {
	return NewWithClock(limits, time.Now)
}

// NewWithClock lets tests control expiry.
func NewWithClock(limits store.Limits, now func() time.Time) *MemoryStore {
	return &MemoryStore{
		limits:   limits,
		now:      now,
		sessions: make(map[string]entry[store.SessionRecord]),
		rooms:    make(map[string]entry[store.RoomSnapshot]),
		messages: make(map[string]entry[[]store.CachedMessage]),
		counters: make(map[string]entry[int64]),
		contexts: make(map[string]entry[store.AIContextWindow]),
	}
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrUnavailable
	}
	return nil
}

func (s *MemoryStore) SaveSession(_ context.Context, rec store.SessionRecord) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.sessions[rec.UserID] = entry[store.SessionRecord]{value: rec, expiresAt: s.expiry(s.limits.SessionTTL)}
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, userID string) (store.CacheHint[store.SessionRecord], error) {
	if err := s.lock(); err != nil {
		return store.Miss[store.SessionRecord](), err
	}
	defer s.mu.Unlock()

	return lookup(s.sessions, userID, s.now()), nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, userID string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	delete(s.sessions, userID)
	return nil
}

func (s *MemoryStore) SaveRoom(_ context.Context, snap store.RoomSnapshot) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.rooms[snap.RoomID] = entry[store.RoomSnapshot]{value: snap, expiresAt: s.expiry(s.limits.RoomTTL)}
	return nil
}

func (s *MemoryStore) GetRoom(_ context.Context, roomID string) (store.CacheHint[store.RoomSnapshot], error) {
	if err := s.lock(); err != nil {
		return store.Miss[store.RoomSnapshot](), err
	}
	defer s.mu.Unlock()

	return lookup(s.rooms, roomID, s.now()), nil
}

func (s *MemoryStore) PushMessages(_ context.Context, roomID string, msgs ...store.CachedMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.pushLocked(roomID, msgs)
	return nil
}

func (s *MemoryStore) pushLocked(roomID string, msgs []store.CachedMessage) {
	var current []store.CachedMessage
	if e, ok := s.messages[roomID]; ok && e.live(s.now()) {
		current = e.value
	}

	next := make([]store.CachedMessage, 0, len(current)+len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		next = append(next, msgs[i])
	}
	next = append(next, current...)
	if c := s.limits.MessageCap; c > 0 && len(next) > c {
		next = next[:c]
	}

	s.messages[roomID] = entry[[]store.CachedMessage]{value: next, expiresAt: s.expiry(s.limits.MessageTTL)}
}

func (s *MemoryStore) RecentMessages(_ context.Context, roomID string, limit int) ([]store.CachedMessage, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	return s.recentLocked(roomID, limit), nil
}

func (s *MemoryStore) recentLocked(roomID string, limit int) []store.CachedMessage {
	hint := lookup(s.messages, roomID, s.now())
	if !hint.Found || limit <= 0 {
		return nil
	}
	n := min(limit, len(hint.Value))
	out := make([]store.CachedMessage, n)
	copy(out, hint.Value[:n])
	return out
}

func (s *MemoryStore) IncrRateCounter(_ context.Context, userID string, window time.Duration) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	e, ok := s.counters[userID]
	if !ok || !e.live(s.now()) {
		e = entry[int64]{expiresAt: s.expiry(window)}
	}
	e.value++
	s.counters[userID] = e
	return e.value, nil
}

func (s *MemoryStore) AppendContext(_ context.Context, roomID string, turns ...store.ContextTurn) error {
	if len(turns) == 0 {
		return nil
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	hint := lookup(s.contexts, roomID, s.now())
	win := hint.Value
	if !hint.Found {
		win = store.ContextFromMessages(roomID, s.recentLocked(roomID, s.limits.ContextCap), s.limits.ContextCap, s.now())
	}

	win.RoomID = roomID
	win.Turns = store.TrimTurns(append(win.Turns, turns...), s.limits.ContextCap)
	win.UpdatedAt = s.now()
	s.contexts[roomID] = entry[store.AIContextWindow]{value: win, expiresAt: s.expiry(s.limits.ContextTTL)}
	return nil
}

func (s *MemoryStore) GetContext(_ context.Context, roomID string) (store.CacheHint[store.AIContextWindow], error) {
	if err := s.lock(); err != nil {
		return store.Miss[store.AIContextWindow](), err
	}
	defer s.mu.Unlock()

	return lookup(s.contexts, roomID, s.now()), nil
}

func (s *MemoryStore) Ping(context.Context) error {
	if err := s.lock(); err != nil {
		return err
	}
	s.mu.Unlock()
	return nil
}

// Close drops all data; later calls fail with store.ErrUnavailable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.sessions = nil
	s.rooms = nil
	s.messages = nil
	s.counters = nil
	s.contexts = nil
	return nil
}

func lookup[T any](m map[string]entry[T], key string, now time.Time) store.CacheHint[T] {
	e, ok := m[key]
	if !ok {
		return store.Miss[T]()
	}
	if !e.live(now) {
		delete(m, key)
		return store.Miss[T]()
	}
	return store.Hit(e.value)
}

var _ store.SessionStore = (*MemoryStore)(nil)
