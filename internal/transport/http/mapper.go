package http

import (
	"encoding/json"
	"time"

	"github.com/vovakirdan/wirechat-companion/internal/core"
	"github.com/vovakirdan/wirechat-companion/internal/proto"
)

const connectedGreeting = "Connected to chat server"

// inboundToCommand maps a client envelope to a core command. Malformed
// send_message and continue payloads still produce a command so the
// pipeline answers them with a failed ack.
func inboundToCommand(inbound proto.Inbound) (*core.Command, *proto.Error) {
	switch inbound.Type {
	case proto.InboundTypeJoinRoom, proto.InboundTypeLeaveRoom, proto.InboundTypeTypingOn, proto.InboundTypeTypingOff:
		var data proto.RoomData
		if err := decodeData(inbound.Data, &data); err != nil {
			return nil, badRequest("data must be an object with room_id")
		}
		kind := map[string]core.CommandKind{
			proto.InboundTypeJoinRoom:  core.CommandJoinRoom,
			proto.InboundTypeLeaveRoom: core.CommandLeaveRoom,
			proto.InboundTypeTypingOn:  core.CommandTypingStart,
			proto.InboundTypeTypingOff: core.CommandTypingStop,
		}[inbound.Type]
		return &core.Command{Kind: kind, Room: data.RoomID, CorrelationID: inbound.ID}, nil
	case proto.InboundTypeSend:
		var data proto.SendData
		_ = decodeData(inbound.Data, &data)
		return &core.Command{
			Kind:          core.CommandSendMessage,
			Room:          data.RoomID,
			CorrelationID: inbound.ID,
			Content:       data.Content,
			MessageKind:   data.MessageKind,
			SettingsPatch: data.SettingsPatch,
		}, nil
	case proto.InboundTypeContinue:
		var data proto.ContinueData
		_ = decodeData(inbound.Data, &data)
		return &core.Command{
			Kind:          core.CommandContinue,
			Room:          data.RoomID,
			CorrelationID: inbound.ID,
			SettingsPatch: data.SettingsPatch,
		}, nil
	case proto.InboundTypeGetHistory:
		var data proto.HistoryData
		if err := decodeData(inbound.Data, &data); err != nil {
			return nil, badRequest("data must be an object with room_id, page and limit")
		}
		return &core.Command{
			Kind:          core.CommandGetHistory,
			Room:          data.RoomID,
			CorrelationID: inbound.ID,
			Page:          data.Page,
			Limit:         data.Limit,
		}, nil
	default:
		return nil, &proto.Error{Code: core.ErrCodeUnknownType, Message: "unknown message type"}
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func badRequest(msg string) *proto.Error {
	return &proto.Error{Code: core.ErrCodeBadRequest, Message: msg}
}

func outboundFromEvent(event *core.Event) proto.Outbound {
	switch event.Kind {
	case core.EventConnected:
		return eventOutbound(proto.EventConnected, proto.EventConnectedData{
			Message:   connectedGreeting,
			UserID:    event.UserID,
			Username:  event.Username,
			Timestamp: formatTime(event.At),
		})
	case core.EventRoomJoined:
		return eventOutbound(proto.EventRoomJoined, proto.EventRoomJoinedData{
			RoomID: event.Room,
			Room:   event.Snapshot,
		})
	case core.EventRoomLeft:
		return eventOutbound(proto.EventRoomLeft, proto.EventRoomData{RoomID: event.Room})
	case core.EventAITypingStart:
		return eventOutbound(proto.EventAITypingStart, proto.EventRoomData{RoomID: event.Room})
	case core.EventAITypingStop:
		return eventOutbound(proto.EventAITypingStop, proto.EventRoomData{RoomID: event.Room})
	case core.EventUserTypingStart, core.EventUserTypingStop:
		name := proto.EventUserTypingStop
		if event.Kind == core.EventUserTypingStart {
			name = proto.EventUserTypingStart
		}
		return eventOutbound(name, proto.EventUserTypingData{
			RoomID:   event.Room,
			UserID:   event.UserID,
			Username: event.Username,
		})
	case core.EventNewMessage:
		if event.Message == nil {
			return proto.Outbound{Type: proto.OutboundTypeEvent}
		}
		return eventOutbound(proto.EventNewMessage, messageToWire(*event.Message))
	case core.EventHistory:
		if event.History == nil {
			return proto.Outbound{Type: proto.OutboundTypeEvent}
		}
		return eventOutbound(proto.EventMessageHistory, historyToWire(event.History))
	case core.EventAck:
		if event.Ack == nil {
			return proto.Outbound{Type: proto.OutboundTypeAck}
		}
		return proto.Outbound{
			Type: proto.OutboundTypeAck,
			ID:   event.Ack.ID,
			Data: ackToWire(event.Ack),
		}
	case core.EventError:
		if event.Error == nil {
			return proto.Outbound{
				Type:  proto.OutboundTypeError,
				Event: proto.EventError,
				Error: &proto.Error{Code: core.ErrCodeInternal, Message: "unknown error"},
			}
		}
		return proto.Outbound{
			Type:  proto.OutboundTypeError,
			Event: proto.EventError,
			Error: errorToWire(event.Error),
		}
	default:
		return proto.Outbound{Type: proto.OutboundTypeEvent}
	}
}

func eventOutbound(name string, data any) proto.Outbound {
	return proto.Outbound{Type: proto.OutboundTypeEvent, Event: name, Data: data}
}

func ackToWire(ack *core.Ack) proto.AckData {
	out := proto.AckData{OK: ack.OK}
	if ack.Error != nil {
		out.Error = ack.Error.Code
		out.Max = ack.Error.Max
		out.Status = ack.Error.Status
	}
	return out
}

func errorToWire(err *core.CoreError) *proto.Error {
	return &proto.Error{Code: err.Code, Message: err.Message, Details: err.Details}
}

func messageToWire(m core.Message) proto.Message {
	senderType := proto.SenderTypeCharacter
	if m.FromUser() {
		senderType = proto.SenderTypeUser
	}
	return proto.Message{
		ID:          m.ID,
		RoomID:      m.RoomID,
		SenderType:  senderType,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		Content:     m.Content,
		MessageType: m.Kind,
		CreatedAt:   formatTime(m.CreatedAt),
	}
}

func historyToWire(page *core.HistoryPage) proto.EventHistoryData {
	messages := make([]proto.Message, 0, len(page.Messages))
	for _, msg := range page.Messages {
		messages = append(messages, messageToWire(msg))
	}
	return proto.EventHistoryData{
		RoomID:   page.RoomID,
		Messages: messages,
		Page:     page.Page,
		Limit:    page.Limit,
		HasMore:  page.HasMore,
		Cached:   page.Cached,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}
