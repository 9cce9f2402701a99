package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrUnavailable is returned by drivers when the backing cache cannot be reached.
var ErrUnavailable = errors.New("session store unavailable")

// SessionRecord is the per-user connection snapshot kept for observability.
type SessionRecord struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	ConnectionID string    `json:"connection_id"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// RoomSnapshot is the cached copy of a room as last seen by a successful join.
type RoomSnapshot struct {
	RoomID        string          `json:"room_id"`
	OwnerUserID   string          `json:"owner_user_id"`
	CompanionID   string          `json:"companion_id"`
	CompanionName string          `json:"companion_name,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
	CachedAt      time.Time       `json:"cached_at"`
}

// Sender kinds stored with cached messages.
const (
	SenderUser      = "user"
	SenderCompanion = "companion"
)

// CachedMessage is one entry of the bounded per-room message window.
type CachedMessage struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	SenderKind string    `json:"sender_kind"`
	SenderID   string    `json:"sender_id,omitempty"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	Kind       string    `json:"kind,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ContextTurn is a single user or companion turn of the AI context window.
type ContextTurn struct {
	MessageID string    `json:"message_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	At        time.Time `json:"at"`
}

// AIContextWindow is the advisory conversation window the generation backend reads.
type AIContextWindow struct {
	RoomID    string        `json:"room_id"`
	Turns     []ContextTurn `json:"turns"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// CacheHint wraps a value read from the session store. The store is never
// authoritative: callers may display or forward a hint but must not base
// authorization or correctness decisions on it.
type CacheHint[T any] struct {
	Value T
	Found bool
}

// Hit builds a found hint.
func Hit[T any](v T) CacheHint[T] {
	return CacheHint[T]{Value: v, Found: true}
}

// Miss builds an empty hint.
func Miss[T any]() CacheHint[T] {
	return CacheHint[T]{}
}

// Limits bounds TTLs and list lengths for every concern.
type Limits struct {
	SessionTTL time.Duration
	RoomTTL    time.Duration
	MessageTTL time.Duration
	MessageCap int
	ContextTTL time.Duration
	ContextCap int
}

// DefaultLimits mirrors the config defaults.
func DefaultLimits() Limits {
	return Limits{
		SessionTTL: 24 * time.Hour,
		RoomTTL:    time.Hour,
		MessageTTL: 24 * time.Hour,
		MessageCap: 50,
		ContextTTL: time.Hour,
		ContextCap: 20,
	}
}

// SessionStore persists sessions, room snapshots, message windows, rate
// counters and AI context windows. Every value expires.
type SessionStore interface {
	SaveSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, userID string) (CacheHint[SessionRecord], error)
	DeleteSession(ctx context.Context, userID string) error

	SaveRoom(ctx context.Context, snap RoomSnapshot) error
	GetRoom(ctx context.Context, roomID string) (CacheHint[RoomSnapshot], error)

	// PushMessages prepends msgs (oldest first in the argument list) to the
	// room window and trims it to the configured cap.
	PushMessages(ctx context.Context, roomID string, msgs ...CachedMessage) error
	// RecentMessages returns up to limit messages, most recent first.
	RecentMessages(ctx context.Context, roomID string, limit int) ([]CachedMessage, error)

	// IncrRateCounter atomically increments the user's fixed-window counter
	// and returns the post-increment value. The window starts at the first
	// increment and ends when the key expires.
	IncrRateCounter(ctx context.Context, userID string, window time.Duration) (int64, error)

	// AppendContext adds turns to the room's AI context window, rebuilding it
	// from the message window first when it has expired.
	AppendContext(ctx context.Context, roomID string, turns ...ContextTurn) error
	GetContext(ctx context.Context, roomID string) (CacheHint[AIContextWindow], error)

	Ping(ctx context.Context) error
	Close() error
}

// ContextFromMessages rebuilds a context window from a most-recent-first
// message list, keeping at most limit turns in chronological order.
func ContextFromMessages(roomID string, recent []CachedMessage, limit int, now time.Time) AIContextWindow {
	turns := make([]ContextTurn, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		turns = append(turns, ContextTurn{
			MessageID: m.ID,
			Role:      m.SenderKind,
			Content:   m.Content,
			At:        m.CreatedAt,
		})
	}
	return AIContextWindow{RoomID: roomID, Turns: TrimTurns(turns, limit), UpdatedAt: now}
}

// TrimTurns keeps the newest limit turns.
func TrimTurns(turns []ContextTurn, limit int) []ContextTurn {
	if limit > 0 && len(turns) > limit {
		return turns[len(turns)-limit:]
	}
	return turns
}
