package core

import (
	"encoding/json"
	"time"
)

// EventKind is a notification the core emits to clients.
type EventKind int

const (
	// EventConnected greets a connection once it is authenticated.
	EventConnected EventKind = iota
	// EventRoomJoined confirms a join to the caller only.
	EventRoomJoined
	// EventRoomLeft confirms a leave to the caller only.
	EventRoomLeft
	// EventNewMessage carries a persisted user message or a companion reply.
	EventNewMessage
	// EventAITypingStart and EventAITypingStop bracket every backend call.
	EventAITypingStart
	EventAITypingStop
	// EventUserTypingStart and EventUserTypingStop relay peer typing indicators.
	EventUserTypingStart
	EventUserTypingStop
	// EventHistory delivers one page of room history.
	EventHistory
	// EventAck answers a specific send or continue.
	EventAck
	// EventError notifies clients about a domain error.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventRoomJoined:
		return "room_joined"
	case EventRoomLeft:
		return "room_left"
	case EventNewMessage:
		return "new_message"
	case EventAITypingStart:
		return "ai_typing_start"
	case EventAITypingStop:
		return "ai_typing_stop"
	case EventUserTypingStart:
		return "user_typing_start"
	case EventUserTypingStop:
		return "user_typing_stop"
	case EventHistory:
		return "message_history"
	case EventAck:
		return "ack"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is sent to clients to describe what happened in the system.
type Event struct {
	Kind     EventKind
	Room     string
	UserID   string
	Username string
	At       time.Time

	Message  *Message        // EventNewMessage
	Snapshot json.RawMessage // EventRoomJoined
	History  *HistoryPage    // EventHistory
	Ack      *Ack            // EventAck
	Error    *CoreError      // EventError
}

// Ack is the direct answer to the sender of a send or continue.
type Ack struct {
	ID    string
	OK    bool
	Error *CoreError
}

// HistoryPage is one page of room history, oldest first.
type HistoryPage struct {
	RoomID   string
	Messages []Message
	Page     int
	Limit    int
	HasMore  bool
	// Cached is set when the page came from the message cache because the
	// history service was unreachable.
	Cached bool
}

func errorEvent(room string, err *CoreError) *Event {
	return &Event{Kind: EventError, Room: room, Error: err, At: time.Now().UTC()}
}

func ackEvent(id string, err *CoreError) *Event {
	return &Event{Kind: EventAck, Ack: &Ack{ID: id, OK: err == nil, Error: err}}
}
