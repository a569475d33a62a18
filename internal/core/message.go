package core

import (
	"time"

	"github.com/spotter-app/spotter-server/internal/store"
)

// Message is the domain model for a persisted chat message.
type Message struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversationId"`
	SenderID        string    `json:"senderId"`
	Text            string    `json:"text"`
	SentAt          time.Time `json:"sentAt"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
}

func messageFromStore(m *store.Message) Message {
	return Message{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		SenderID:        m.SenderID,
		Text:            m.Body,
		SentAt:          m.SentAt,
		ClientMessageID: m.ClientMessageID,
	}
}
