package http

import (
	"fmt"
	"strings"

	"github.com/spotter-app/spotter-server/internal/core"
	"github.com/spotter-app/spotter-server/internal/proto"
)

func inboundToCommand(in proto.Inbound) (core.Command, *core.CoreError) {
	switch in.Type {
	case proto.InboundTypeAuthenticate:
		if in.Protocol > proto.ProtocolVersion {
			return nil, &core.CoreError{
				Code:    core.ErrCodeUnsupportedVersion,
				Message: fmt.Sprintf("protocol %d not supported, max %d", in.Protocol, proto.ProtocolVersion),
			}
		}
		return core.Authenticate{UserID: in.UserID, Token: in.Token}, nil
	case proto.InboundTypeJoin:
		if strings.TrimSpace(in.ConversationID) == "" {
			return nil, conversationRequired()
		}
		return core.JoinConversation{ConversationID: in.ConversationID}, nil
	case proto.InboundTypeLeave:
		return core.LeaveConversation{ConversationID: in.ConversationID}, nil
	case proto.InboundTypeSend:
		if strings.TrimSpace(in.ConversationID) == "" {
			return nil, conversationRequired()
		}
		return core.SendMessage{
			ConversationID:  in.ConversationID,
			Text:            in.Text,
			ClientMessageID: in.ClientMessageID,
		}, nil
	case proto.InboundTypeStartTyping:
		if strings.TrimSpace(in.ConversationID) == "" {
			return nil, conversationRequired()
		}
		return core.StartTyping{ConversationID: in.ConversationID}, nil
	case proto.InboundTypeStopTyping:
		if strings.TrimSpace(in.ConversationID) == "" {
			return nil, conversationRequired()
		}
		return core.StopTyping{ConversationID: in.ConversationID}, nil
	default:
		return nil, &core.CoreError{Code: core.ErrCodeInvalidMessage, Message: "unknown message type"}
	}
}

func conversationRequired() *core.CoreError {
	return &core.CoreError{Code: core.ErrCodeBadRequest, Message: "conversationId is required"}
}

func outboundFromEvent(ev *core.Event) proto.Outbound {
	switch ev.Kind {
	case core.EventNewMessage:
		out := proto.Outbound{
			Type:           proto.OutboundTypeNewMessage,
			ConversationID: ev.ConversationID,
		}
		if ev.Message != nil {
			out.Message = messagePayload(*ev.Message)
		}
		return out
	case core.EventUserTyping:
		return proto.Outbound{Type: proto.OutboundTypeUserTyping, ConversationID: ev.ConversationID, UserID: ev.UserID}
	case core.EventUserStoppedTyping:
		return proto.Outbound{Type: proto.OutboundTypeUserStoppedTyping, ConversationID: ev.ConversationID, UserID: ev.UserID}
	case core.EventInvitationStatusUpdated:
		return proto.Outbound{Type: proto.OutboundTypeInvitationStatus, InvitationID: ev.InvitationID, Status: ev.Status}
	case core.EventAuthenticated:
		return proto.Outbound{Type: proto.OutboundTypeAuthenticated, UserID: ev.UserID}
	case core.EventJoined:
		return proto.Outbound{Type: proto.OutboundTypeJoined, ConversationID: ev.ConversationID}
	case core.EventLeft:
		return proto.Outbound{Type: proto.OutboundTypeLeft, ConversationID: ev.ConversationID}
	case core.EventError:
		if ev.Error == nil {
			return proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: core.ErrCodeInternal, Msg: "unknown error"}}
		}
		return proto.Outbound{
			Type:            proto.OutboundTypeError,
			Error:           &proto.Error{Code: ev.Error.Code, Msg: ev.Error.Message},
			ClientMessageID: ev.ClientMessageID,
		}
	default:
		return proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: core.ErrCodeInternal, Msg: "unknown event"}}
	}
}

func messagePayload(m core.Message) *proto.MessagePayload {
	return &proto.MessagePayload{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		SenderID:        m.SenderID,
		Text:            m.Text,
		SentAt:          m.SentAt.UTC(),
		ClientMessageID: m.ClientMessageID,
	}
}
