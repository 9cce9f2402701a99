package core

import (
	"time"

	"github.com/vovakirdan/wirechat-companion/internal/store"
	"github.com/vovakirdan/wirechat-companion/internal/upstream"
)

// Sender kinds.
const (
	SenderUser      = store.SenderUser
	SenderCompanion = store.SenderCompanion
)

// Message is the domain model for a chat message.
type Message struct {
	ID         string
	RoomID     string
	SenderKind string
	SenderID   string
	SenderName string
	Content    string
	Kind       string
	CreatedAt  time.Time
}

// FromUser reports whether the human side of the room sent the message.
func (m Message) FromUser() bool {
	return m.SenderKind == SenderUser
}

// messageFromUpstream translates a backend record. roomID fills in records
// that omit it; fallbackName is used when the backend sends no sender name.
func messageFromUpstream(m *upstream.Message, roomID, fallbackName string) Message {
	msg := Message{
		ID:         m.ID.String(),
		RoomID:     m.RoomID.String(),
		SenderKind: SenderCompanion,
		SenderID:   m.SenderID.String(),
		SenderName: m.SenderName,
		Content:    m.Content,
		Kind:       m.MessageType,
		CreatedAt:  m.Time(),
	}
	if m.FromUser() {
		msg.SenderKind = SenderUser
	}
	if msg.RoomID == "" {
		msg.RoomID = roomID
	}
	if msg.SenderName == "" {
		msg.SenderName = fallbackName
	}
	if msg.Kind == "" {
		msg.Kind = "text"
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return msg
}

func (m Message) cached() store.CachedMessage {
	return store.CachedMessage{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderKind: m.SenderKind,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		Kind:       m.Kind,
		CreatedAt:  m.CreatedAt,
	}
}

func messageFromCache(c store.CachedMessage) Message {
	return Message{
		ID:         c.ID,
		RoomID:     c.RoomID,
		SenderKind: c.SenderKind,
		SenderID:   c.SenderID,
		SenderName: c.SenderName,
		Content:    c.Content,
		Kind:       c.Kind,
		CreatedAt:  c.CreatedAt,
	}
}
