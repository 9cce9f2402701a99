package core

import "encoding/json"

// CommandKind describes what the client wants to do.
type CommandKind int

const (
	// CommandJoinRoom subscribes the client to a room.
	CommandJoinRoom CommandKind = iota
	// CommandLeaveRoom unsubscribes the client from a room.
	CommandLeaveRoom
	// CommandSendMessage forwards a user message to the companion.
	CommandSendMessage
	// CommandContinue asks the companion to extend its previous reply.
	CommandContinue
	// CommandTypingStart and CommandTypingStop relay typing indicators to room peers.
	CommandTypingStart
	CommandTypingStop
	// CommandGetHistory requests one page of room history.
	CommandGetHistory
)

// Command represents an action requested by a client.
type Command struct {
	Kind          CommandKind
	Room          string
	CorrelationID string

	Content       string
	MessageKind   string
	SettingsPatch json.RawMessage

	Page  int
	Limit int
}
