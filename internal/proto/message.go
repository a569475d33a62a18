package proto

import "time"

// ProtocolVersion is the realtime protocol revision this package describes.
// Clients send it in authenticate; the server rejects versions it does not know.
const ProtocolVersion = 1

// Client to server frame types.
const (
	InboundTypeAuthenticate = "authenticate"
	InboundTypeJoin         = "join_conversation"
	InboundTypeLeave        = "leave_conversation"
	InboundTypeSend         = "send_message"
	InboundTypeStartTyping  = "start_typing"
	InboundTypeStopTyping   = "stop_typing"
)

// Server to client frame types.
const (
	OutboundTypeNewMessage        = "new_message"
	OutboundTypeUserTyping        = "user_typing"
	OutboundTypeUserStoppedTyping = "user_stopped_typing"
	OutboundTypeInvitationStatus  = "invitation_status_updated"
	OutboundTypeAuthenticated     = "authenticated"
	OutboundTypeJoined            = "conversation_joined"
	OutboundTypeLeft              = "conversation_left"
	OutboundTypeError             = "error"
)

// Inbound is a frame sent by the client. Fields not used by Type are left empty.
type Inbound struct {
	Type string `json:"type"`

	UserID   string `json:"userId,omitempty"`
	Token    string `json:"token,omitempty"`
	Protocol int    `json:"protocol,omitempty"`

	ConversationID  string `json:"conversationId,omitempty"`
	Text            string `json:"text,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// Outbound is a frame sent to the client.
type Outbound struct {
	Type string `json:"type"`

	ConversationID string          `json:"conversationId,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	Message        *MessagePayload `json:"message,omitempty"`

	InvitationID string `json:"invitationId,omitempty"`
	Status       string `json:"status,omitempty"`

	Error           *Error `json:"error,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// MessagePayload is a persisted chat message.
type MessagePayload struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversationId"`
	SenderID        string    `json:"senderId"`
	Text            string    `json:"text"`
	SentAt          time.Time `json:"sentAt"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
