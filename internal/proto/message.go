package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client. ID is an
// optional correlation id echoed back on the acknowledgment.
type Inbound struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data"`
}

const (
	ProtocolVersion = 1

	InboundTypeJoinRoom   = "join_room"
	InboundTypeLeaveRoom  = "leave_room"
	InboundTypeSend       = "send_message"
	InboundTypeContinue   = "continue"
	InboundTypeTypingOn   = "typing_start"
	InboundTypeTypingOff  = "typing_stop"
	InboundTypeGetHistory = "get_message_history"

	OutboundTypeEvent = "event"
	OutboundTypeAck   = "ack"
	OutboundTypeError = "error"

	EventConnected       = "connected"
	EventRoomJoined      = "room_joined"
	EventRoomLeft        = "room_left"
	EventNewMessage      = "new_message"
	EventAITypingStart   = "ai_typing_start"
	EventAITypingStop    = "ai_typing_stop"
	EventUserTypingStart = "user_typing_start"
	EventUserTypingStop  = "user_typing_stop"
	EventMessageHistory  = "message_history"
	EventError           = "error"

	SenderTypeUser      = "user"
	SenderTypeCharacter = "character"
)

// RoomData names a room; used by join_room, leave_room and typing events.
type RoomData struct {
	RoomID string `json:"room_id"`
}

// SendData is a user message bound for the companion.
type SendData struct {
	RoomID        string          `json:"room_id"`
	Content       string          `json:"content"`
	MessageKind   string          `json:"message_kind,omitempty"`
	SettingsPatch json.RawMessage `json:"settings_patch,omitempty"`
}

// ContinueData asks the companion to extend its previous reply.
type ContinueData struct {
	RoomID        string          `json:"room_id"`
	SettingsPatch json.RawMessage `json:"settings_patch,omitempty"`
}

// HistoryData requests one page of history.
type HistoryData struct {
	RoomID string `json:"room_id"`
	Page   int    `json:"page,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// AckData answers a send_message or continue.
type AckData struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Max    int    `json:"max,omitempty"`
	Status int    `json:"status,omitempty"`
}

// EventConnectedData greets an authenticated connection.
type EventConnectedData struct {
	Message   string `json:"message"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

// EventRoomJoinedData confirms a join with the room snapshot.
type EventRoomJoinedData struct {
	RoomID string          `json:"room_id"`
	Room   json.RawMessage `json:"room,omitempty"`
}

// EventRoomData carries only the room id (room_left, ai_typing_*).
type EventRoomData struct {
	RoomID string `json:"room_id"`
}

// EventUserTypingData relays a peer's typing indicator.
type EventUserTypingData struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Message is the wire shape of a chat message. Its keys are camelCase to
// match what web clients already render.
type Message struct {
	ID          string `json:"id"`
	RoomID      string `json:"roomId"`
	SenderType  string `json:"senderType"`
	SenderID    string `json:"senderId,omitempty"`
	SenderName  string `json:"senderName,omitempty"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	CreatedAt   string `json:"createdAt"`
}

// EventHistoryData is one page of history, oldest first.
type EventHistoryData struct {
	RoomID   string    `json:"room_id"`
	Messages []Message `json:"messages"`
	Page     int       `json:"page"`
	Limit    int       `json:"limit"`
	HasMore  bool      `json:"has_more"`
	Cached   bool      `json:"cached,omitempty"`
}

// Error describes a failure not tied to a specific ack.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
