package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/spotter-app/spotter-server/internal/service/invitations"
)

// InvitationHandlers provides HTTP handlers for session invitations.
type InvitationHandlers struct {
	service *invitations.Service
	log     *zerolog.Logger
}

// NewInvitationHandlers creates a new invitation handlers instance.
func NewInvitationHandlers(service *invitations.Service, logger *zerolog.Logger) *InvitationHandlers {
	return &InvitationHandlers{
		service: service,
		log:     logger,
	}
}

// UpdateStatusRequest represents the status change request body.
type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// InvitationResponse represents an invitation in API responses.
type InvitationResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// UpdateStatus accepts, declines or cancels an invitation.
// PUT /api/invitations/:id/status
func (h *InvitationHandlers) UpdateStatus(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid update status request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	status, err := invitations.ParseStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	invitationID := c.Param("id")
	conv, err := h.service.Respond(c.Request.Context(), invitationID, userID, status)
	if err != nil {
		switch {
		case errors.Is(err, invitations.ErrInvitationNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		case errors.Is(err, invitations.ErrNotParticipant):
			c.JSON(http.StatusForbidden, ErrorResponse{Error: err.Error()})
		case errors.Is(err, invitations.ErrInvalidTransition):
			c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		default:
			h.log.Error().Err(err).Str("invitation_id", invitationID).Msg("failed to update invitation")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		}
		return
	}

	c.JSON(http.StatusOK, InvitationResponse{ID: conv.ID, Status: string(conv.Status)})
}
