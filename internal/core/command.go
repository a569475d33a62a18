package core

// Command represents an action requested by a client over the realtime channel.
// The set of variants is closed; Hub.Handle switches over all of them.
type Command interface {
	command()
}

// Authenticate binds the connection to a user identity.
type Authenticate struct {
	UserID string
	Token  string
}

// JoinConversation subscribes the connection to a conversation room,
// leaving the room it was in before.
type JoinConversation struct {
	ConversationID string
}

// LeaveConversation unsubscribes the connection from its room.
type LeaveConversation struct {
	ConversationID string
}

// SendMessage persists a message and fans it out to the room.
type SendMessage struct {
	ConversationID  string
	Text            string
	ClientMessageID string
}

// StartTyping broadcasts a typing indicator to the other room members.
type StartTyping struct {
	ConversationID string
}

// StopTyping clears a typing indicator on the other room members.
type StopTyping struct {
	ConversationID string
}

func (Authenticate) command()      {}
func (JoinConversation) command()  {}
func (LeaveConversation) command() {}
func (SendMessage) command()       {}
func (StartTyping) command()       {}
func (StopTyping) command()        {}
