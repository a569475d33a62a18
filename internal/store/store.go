package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ConversationKind tells whether a conversation belongs to a match or a session invitation.
type ConversationKind string

const (
	ConversationKindMatch      ConversationKind = "match"
	ConversationKindInvitation ConversationKind = "invitation"
)

// InvitationStatus is the lifecycle state of a session invitation.
type InvitationStatus string

const (
	InvitationStatusPending   InvitationStatus = "pending"
	InvitationStatusAccepted  InvitationStatus = "accepted"
	InvitationStatusDeclined  InvitationStatus = "declined"
	InvitationStatusCancelled InvitationStatus = "cancelled"
)

// Conversation is a chat channel between the participants of a match or invitation.
// Its ID is the match/invitation identifier.
type Conversation struct {
	ID        string
	Kind      ConversationKind
	Status    InvitationStatus // only meaningful for invitations
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Participant represents conversation membership.
type Participant struct {
	ConversationID string
	UserID         string
	JoinedAt       time.Time
}

// Message represents a persisted chat message.
type Message struct {
	ID              string // assigned by the store
	Seq             int64  // storage order within the database
	ConversationID  string
	SenderID        string
	Body            string
	ClientMessageID string
	SentAt          time.Time
}

// ConversationStore handles conversation persistence.
type ConversationStore interface {
	// CreateConversation creates a conversation and adds its participants.
	CreateConversation(ctx context.Context, conv *Conversation, participants []string) error

	// GetConversation retrieves a conversation by ID.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// UpdateConversationStatus changes the invitation status of a conversation.
	UpdateConversationStatus(ctx context.Context, id string, status InvitationStatus) error

	// IsParticipant checks if user takes part in the conversation.
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)

	// ListParticipants lists user IDs of a conversation, ordered by join time.
	ListParticipants(ctx context.Context, conversationID string) ([]string, error)
}

// MessageStore handles message persistence.
type MessageStore interface {
	// SaveMessage persists a message and fills its ID, Seq and SentAt.
	// It is idempotent on (ConversationID, SenderID, ClientMessageID) when the client id is set:
	// a repeated save returns the already stored message instead of inserting a new row.
	SaveMessage(ctx context.Context, msg *Message) error

	// ListMessages retrieves messages in ascending order.
	// With afterID set, returns up to limit messages stored after that message;
	// otherwise returns the latest limit messages.
	ListMessages(ctx context.Context, conversationID string, afterID string, limit int) ([]*Message, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	ConversationStore
	MessageStore

	// Close closes the underlying database connection.
	Close() error
}
