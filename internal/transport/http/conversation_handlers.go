package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/spotter-app/spotter-server/internal/core"
	"github.com/spotter-app/spotter-server/internal/proto"
)

// ConversationHandlers serve message history and the REST send path.
type ConversationHandlers struct {
	hub *core.Hub
	log *zerolog.Logger
}

// NewConversationHandlers creates a new conversation handlers instance.
func NewConversationHandlers(hub *core.Hub, logger *zerolog.Logger) *ConversationHandlers {
	return &ConversationHandlers{
		hub: hub,
		log: logger,
	}
}

// PostMessageRequest represents the send message request body.
type PostMessageRequest struct {
	Text            string `json:"text" binding:"required"`
	ClientMessageID string `json:"clientMessageId"`
}

// MessagesResponse represents a page of messages, oldest first.
type MessagesResponse struct {
	Messages []*proto.MessagePayload `json:"messages"`
}

// ListMessages returns history, or the messages after a cursor for gap-fill.
// GET /api/conversations/:id/messages?after=<messageId>&limit=<n>
func (h *ConversationHandlers) ListMessages(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	conversationID := c.Param("id")
	messages, err := h.hub.History(c.Request.Context(), conversationID, userID, c.Query("after"), limit)
	if err != nil {
		h.writeError(c, err, conversationID, "failed to list messages")
		return
	}

	resp := MessagesResponse{Messages: make([]*proto.MessagePayload, 0, len(messages))}
	for _, m := range messages {
		resp.Messages = append(resp.Messages, messagePayload(m))
	}
	c.JSON(http.StatusOK, resp)
}

// PostMessage persists and broadcasts a message; used when the realtime channel is down.
// Retrying with the same clientMessageId returns the stored message.
// POST /api/conversations/:id/messages
func (h *ConversationHandlers) PostMessage(c *gin.Context) {
	userID, ok := userIDFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid post message request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	conversationID := c.Param("id")
	msg, err := h.hub.PostMessage(c.Request.Context(), conversationID, userID, req.Text, req.ClientMessageID)
	if err != nil {
		h.writeError(c, err, conversationID, "failed to post message")
		return
	}

	c.JSON(http.StatusCreated, messagePayload(msg))
}

func (h *ConversationHandlers) writeError(c *gin.Context, err error, conversationID, msg string) {
	switch {
	case errors.Is(err, core.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
	case errors.Is(err, core.ErrForbidden):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: err.Error()})
	case errors.Is(err, core.ErrBadRequest), errors.Is(err, core.ErrTextTooLong):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	default:
		h.log.Error().Err(err).Str("conversation_id", conversationID).Msg(msg)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "temporarily unavailable, retry later"})
	}
}
