package core

import (
	"context"

	"github.com/spotter-app/spotter-server/internal/auth"
	"github.com/spotter-app/spotter-server/internal/store"
)

// Gateway is the chat persistence boundary the hub depends on.
// store.Store satisfies it.
type Gateway interface {
	SaveMessage(ctx context.Context, msg *store.Message) error
	ListMessages(ctx context.Context, conversationID, afterID string, limit int) ([]*store.Message, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// TokenValidator verifies the bearer token carried by an authenticate command.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}
