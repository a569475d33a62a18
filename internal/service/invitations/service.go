package invitations

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/spotter-app/spotter-server/internal/store"
)

// Common errors for invitation operations.
var (
	ErrInvitationNotFound = errors.New("invitation not found")
	ErrNotParticipant     = errors.New("not a participant of this invitation")
	ErrInvalidStatus      = errors.New("invalid invitation status")
	ErrInvalidTransition  = errors.New("invitation status cannot change this way")
)

// Notifier pushes status changes to the participants' open connections.
type Notifier interface {
	NotifyInvitationStatus(ctx context.Context, invitationID, status string, userIDs []string)
}

// Service provides session invitation business logic.
type Service struct {
	store    store.ConversationStore
	notifier Notifier
	log      *zerolog.Logger
}

// New creates a new invitation service.
func New(st store.ConversationStore, notifier Notifier, logger *zerolog.Logger) *Service {
	return &Service{
		store:    st,
		notifier: notifier,
		log:      logger,
	}
}

// ParseStatus converts a wire value to a terminal invitation status.
func ParseStatus(s string) (store.InvitationStatus, error) {
	switch st := store.InvitationStatus(s); st {
	case store.InvitationStatusAccepted, store.InvitationStatusDeclined, store.InvitationStatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Respond moves a pending invitation to status on behalf of userID and notifies
// every participant. The invitee may accept or decline; the inviter may cancel.
func (s *Service) Respond(ctx context.Context, invitationID, userID string, status store.InvitationStatus) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, invitationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvitationNotFound
		}
		return nil, fmt.Errorf("get invitation: %w", err)
	}
	if conv.Kind != store.ConversationKindInvitation {
		return nil, ErrInvitationNotFound
	}

	ok, err := s.store.IsParticipant(ctx, invitationID, userID)
	if err != nil {
		return nil, fmt.Errorf("check participant: %w", err)
	}
	if !ok {
		return nil, ErrNotParticipant
	}

	if conv.Status == status {
		// Already applied; repeat the notification so retried requests converge.
		s.notify(ctx, conv)
		return conv, nil
	}
	if err := checkTransition(conv, userID, status); err != nil {
		return nil, err
	}

	if err := s.store.UpdateConversationStatus(ctx, invitationID, status); err != nil {
		return nil, fmt.Errorf("update invitation status: %w", err)
	}
	conv.Status = status

	s.log.Info().
		Str("invitation_id", invitationID).
		Str("user_id", userID).
		Str("status", string(status)).
		Msg("invitation status updated")

	s.notify(ctx, conv)
	return conv, nil
}

func checkTransition(conv *store.Conversation, userID string, to store.InvitationStatus) error {
	if conv.Status != store.InvitationStatusPending {
		return ErrInvalidTransition
	}
	isInviter := conv.CreatedBy == userID
	switch to {
	case store.InvitationStatusAccepted, store.InvitationStatusDeclined:
		if isInviter {
			return ErrInvalidTransition
		}
	case store.InvitationStatusCancelled:
		if !isInviter {
			return ErrInvalidTransition
		}
	default:
		return ErrInvalidStatus
	}
	return nil
}

func (s *Service) notify(ctx context.Context, conv *store.Conversation) {
	participants, err := s.store.ListParticipants(ctx, conv.ID)
	if err != nil {
		s.log.Error().Err(err).Str("invitation_id", conv.ID).Msg("list participants for notification")
		return
	}
	s.notifier.NotifyInvitationStatus(ctx, conv.ID, string(conv.Status), participants)
}
