package core

// EventKind is a notification the core emits to clients.
type EventKind int

const (
	// EventNewMessage delivers a persisted message to conversation members.
	EventNewMessage EventKind = iota
	// EventUserTyping notifies members that a user started typing.
	EventUserTyping
	// EventUserStoppedTyping notifies members that a user stopped typing.
	EventUserStoppedTyping
	// EventInvitationStatusUpdated is routed by user identity, not by room.
	EventInvitationStatusUpdated
	// EventAuthenticated acknowledges the authenticate command.
	EventAuthenticated
	// EventJoined acknowledges joining a conversation room.
	EventJoined
	// EventLeft acknowledges leaving a conversation room.
	EventLeft
	// EventError notifies the client about a domain error.
	EventError
)

var eventKindNames = map[EventKind]string{
	EventNewMessage:              "new_message",
	EventUserTyping:              "user_typing",
	EventUserStoppedTyping:       "user_stopped_typing",
	EventInvitationStatusUpdated: "invitation_status_updated",
	EventAuthenticated:           "authenticated",
	EventJoined:                  "conversation_joined",
	EventLeft:                    "conversation_left",
	EventError:                   "error",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is sent to clients to describe what happened in the system.
// It is also the payload relayed between instances, hence the JSON tags.
type Event struct {
	Kind           EventKind `json:"kind"`
	ConversationID string    `json:"conversationId,omitempty"`
	UserID         string    `json:"userId,omitempty"`
	Message        *Message  `json:"message,omitempty"`

	InvitationID string `json:"invitationId,omitempty"`
	Status       string `json:"status,omitempty"`

	// ClientMessageID correlates an error with the send that caused it.
	ClientMessageID string     `json:"clientMessageId,omitempty"`
	Error           *CoreError `json:"error,omitempty"`
}

func errorEvent(err *CoreError, clientMessageID string) *Event {
	return &Event{Kind: EventError, Error: err, ClientMessageID: clientMessageID}
}
