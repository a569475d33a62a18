package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/spotter-app/spotter-server/internal/store"
)

const (
	defaultSendTimeout   = 5 * time.Second
	defaultHistoryLimit  = 50
	maxHistoryLimit      = 200
	defaultMaxTextLength = 4000
)

// Hub coordinates the realtime chat layer: who is connected, who is in which
// conversation room, and how commands turn into persisted messages and events.
type Hub struct {
	conns   *ConnectionRegistry
	rooms   *RoomRegistry
	bcast   *Broadcaster
	gateway Gateway
	tokens  TokenValidator
	relay   Relay
	log     *zerolog.Logger

	requireToken  bool
	sendTimeout   time.Duration
	historyLimit  int
	maxTextLength int

	mu       sync.Mutex
	attached map[*Conn]struct{}
	closed   bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.log = logger
		}
	}
}

// WithTokenValidator enables token checks on authenticate. With required set,
// an authenticate command without a valid token is rejected.
func WithTokenValidator(v TokenValidator, required bool) Option {
	return func(h *Hub) {
		h.tokens = v
		h.requireToken = required
	}
}

// WithRelay routes room and user events through r.
func WithRelay(r Relay) Option {
	return func(h *Hub) { h.relay = r }
}

// WithSendTimeout bounds each gateway call.
func WithSendTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.sendTimeout = d
		}
	}
}

// WithHistoryLimit sets the default page size for History.
func WithHistoryLimit(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.historyLimit = n
		}
	}
}

// WithMaxTextLength caps message text, in runes.
func WithMaxTextLength(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxTextLength = n
		}
	}
}

// NewHub creates a hub persisting through gateway.
func NewHub(gateway Gateway, opts ...Option) *Hub {
	nop := zerolog.Nop()
	h := &Hub{
		conns:         NewConnectionRegistry(),
		rooms:         NewRoomRegistry(),
		gateway:       gateway,
		log:           &nop,
		sendTimeout:   defaultSendTimeout,
		historyLimit:  defaultHistoryLimit,
		maxTextLength: defaultMaxTextLength,
		attached:      make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.bcast = NewBroadcaster(h.rooms, h.log)
	return h
}

// Connections exposes the connection registry.
func (h *Hub) Connections() *ConnectionRegistry { return h.conns }

// Rooms exposes the room registry.
func (h *Hub) Rooms() *RoomRegistry { return h.rooms }

// Run blocks until ctx is done, consuming the relay if one is configured,
// then closes every attached connection.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()

	if h.relay == nil {
		<-ctx.Done()
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.relay.Subscribe(ctx, h.DeliverEnvelope)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		h.log.Error().Err(err).Msg("relay subscription ended")
		return fmt.Errorf("relay subscribe: %w", err)
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.attached))
	for c := range h.attached {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.Disconnect(c)
	}
	h.log.Info().Int("connections", len(conns)).Msg("hub stopped")
}

// Connect attaches a freshly opened transport connection. A stopped hub closes it immediately.
func (h *Hub) Connect(c *Conn) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.Close()
		return
	}
	h.attached[c] = struct{}{}
	h.mu.Unlock()

	wsConnections.Inc()
	h.log.Debug().Str("conn_id", c.ID).Msg("connection attached")
}

// Disconnect removes the connection from both registries and closes it.
// It runs synchronously, so no later broadcast can target the connection.
func (h *Hub) Disconnect(c *Conn) {
	h.conns.Unregister(c)
	room := h.rooms.Leave(c)

	h.mu.Lock()
	_, ok := h.attached[c]
	delete(h.attached, c)
	h.mu.Unlock()

	c.Close()
	if ok {
		wsConnections.Dec()
		h.log.Debug().
			Str("conn_id", c.ID).
			Str("user_id", c.UserID()).
			Str("conversation_id", room).
			Msg("connection detached")
	}
}

// Handle applies one client command on behalf of c. Failures are reported to c as error events.
func (h *Hub) Handle(ctx context.Context, c *Conn, cmd Command) {
	switch cmd := cmd.(type) {
	case Authenticate:
		h.authenticate(c, cmd)
	case JoinConversation:
		h.join(ctx, c, cmd)
	case LeaveConversation:
		h.leave(c, cmd)
	case SendMessage:
		h.send(ctx, c, cmd)
	case StartTyping:
		h.typing(ctx, c, cmd.ConversationID, EventUserTyping)
	case StopTyping:
		h.typing(ctx, c, cmd.ConversationID, EventUserStoppedTyping)
	default:
		c.Deliver(errorEvent(coreError(ErrCodeInvalidMessage, fmt.Sprintf("unsupported command %T", cmd)), ""))
	}
}

func (h *Hub) authenticate(c *Conn, cmd Authenticate) {
	userID := strings.TrimSpace(cmd.UserID)
	switch {
	case h.tokens != nil && (h.requireToken || cmd.Token != ""):
		claims, err := h.tokens.ValidateToken(cmd.Token)
		if err != nil {
			h.log.Debug().Err(err).Str("conn_id", c.ID).Msg("authenticate rejected")
			c.Deliver(errorEvent(coreError(ErrCodeUnauthorized, "invalid token"), ""))
			return
		}
		if userID != "" && userID != claims.UserID {
			c.Deliver(errorEvent(coreError(ErrCodeUnauthorized, "token does not match userId"), ""))
			return
		}
		userID = claims.UserID
	case h.requireToken:
		c.Deliver(errorEvent(coreError(ErrCodeUnauthorized, "token required"), ""))
		return
	}

	if userID == "" {
		c.Deliver(errorEvent(coreError(ErrCodeBadRequest, "userId is required"), ""))
		return
	}
	if current := c.UserID(); current != "" && current != userID {
		c.Deliver(errorEvent(coreError(ErrCodeUnauthorized, "connection already authenticated"), ""))
		return
	}

	c.setUserID(userID)
	h.conns.Register(c, userID)
	c.Deliver(&Event{Kind: EventAuthenticated, UserID: userID})

	h.log.Info().Str("conn_id", c.ID).Str("user_id", userID).Msg("connection authenticated")
}

func (h *Hub) requireUser(c *Conn, clientMessageID string) (string, bool) {
	userID := c.UserID()
	if userID == "" {
		c.Deliver(errorEvent(toCoreError(fmt.Errorf("%w: authenticate first", ErrUnauthorized), ErrCodeInternal), clientMessageID))
		return "", false
	}
	return userID, true
}

func (h *Hub) join(ctx context.Context, c *Conn, cmd JoinConversation) {
	userID, ok := h.requireUser(c, "")
	if !ok {
		return
	}
	convID := strings.TrimSpace(cmd.ConversationID)
	if convID == "" {
		c.Deliver(errorEvent(coreError(ErrCodeBadRequest, "conversationId is required"), ""))
		return
	}
	if err := h.authorize(ctx, convID, userID); err != nil {
		c.Deliver(errorEvent(toCoreError(err, ErrCodeInternal), ""))
		return
	}

	previous := h.rooms.Join(convID, c)
	c.Deliver(&Event{Kind: EventJoined, ConversationID: convID, UserID: userID})

	h.log.Debug().
		Str("conn_id", c.ID).
		Str("user_id", userID).
		Str("conversation_id", convID).
		Str("previous", previous).
		Msg("joined conversation")
}

func (h *Hub) leave(c *Conn, cmd LeaveConversation) {
	if _, ok := h.requireUser(c, ""); !ok {
		return
	}
	convID := strings.TrimSpace(cmd.ConversationID)
	current := h.rooms.RoomOf(c)
	if convID != "" && convID != current {
		// Not in that room; acknowledge so the client can settle its state.
		c.Deliver(&Event{Kind: EventLeft, ConversationID: convID})
		return
	}
	left := h.rooms.Leave(c)
	c.Deliver(&Event{Kind: EventLeft, ConversationID: left})
}

func (h *Hub) send(ctx context.Context, c *Conn, cmd SendMessage) {
	userID, ok := h.requireUser(c, cmd.ClientMessageID)
	if !ok {
		return
	}

	msg, err := h.PostMessage(ctx, cmd.ConversationID, userID, cmd.Text, cmd.ClientMessageID)
	if err != nil {
		c.Deliver(errorEvent(toCoreError(err, ErrCodeSendFailed), cmd.ClientMessageID))
		return
	}

	// Room members got the echo; a sender composing from outside the room gets it directly.
	if h.rooms.RoomOf(c) != msg.ConversationID {
		c.Deliver(&Event{
			Kind:           EventNewMessage,
			ConversationID: msg.ConversationID,
			UserID:         userID,
			Message:        &msg,
		})
	}
}

func (h *Hub) typing(ctx context.Context, c *Conn, conversationID string, kind EventKind) {
	userID, ok := h.requireUser(c, "")
	if !ok {
		return
	}
	convID := strings.TrimSpace(conversationID)
	if convID == "" || h.rooms.RoomOf(c) != convID {
		c.Deliver(errorEvent(coreError(ErrCodeNotInConversation, ErrNotInConversation.Error()), ""))
		return
	}
	h.publishRoom(ctx, convID, &Event{Kind: kind, ConversationID: convID, UserID: userID}, c)
}

// PostMessage validates, persists and broadcasts a message from senderID.
// The realtime send path and the REST fallback both go through it, so a retried
// clientMessageID yields the same stored message.
func (h *Hub) PostMessage(ctx context.Context, conversationID, senderID, text, clientMessageID string) (Message, error) {
	convID := strings.TrimSpace(conversationID)
	text = strings.TrimSpace(text)
	switch {
	case convID == "":
		return Message{}, fmt.Errorf("%w: conversationId is required", ErrBadRequest)
	case text == "":
		return Message{}, fmt.Errorf("%w: text is required", ErrBadRequest)
	case utf8.RuneCountInString(text) > h.maxTextLength:
		return Message{}, ErrTextTooLong
	}

	if err := h.authorize(ctx, convID, senderID); err != nil {
		return Message{}, err
	}

	rec := &store.Message{
		ConversationID:  convID,
		SenderID:        senderID,
		Body:            text,
		ClientMessageID: strings.TrimSpace(clientMessageID),
	}

	saveCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	if err := h.gateway.SaveMessage(saveCtx, rec); err != nil {
		messagesPersisted.WithLabelValues("error").Inc()
		h.log.Error().Err(err).
			Str("conversation_id", convID).
			Str("sender_id", senderID).
			Str("client_message_id", rec.ClientMessageID).
			Msg("failed to persist message")
		return Message{}, fmt.Errorf("save message: %w", err)
	}
	messagesPersisted.WithLabelValues("ok").Inc()

	msg := messageFromStore(rec)
	if h.relay == nil {
		h.bcast.Broadcast(convID, msg, nil)
		return msg, nil
	}
	h.publishRoom(ctx, convID, &Event{
		Kind:           EventNewMessage,
		ConversationID: convID,
		UserID:         senderID,
		Message:        &msg,
	}, nil)
	return msg, nil
}

// History returns persisted messages of the conversation, oldest first.
// With afterID set it returns what was stored after that message.
func (h *Hub) History(ctx context.Context, conversationID, userID, afterID string, limit int) ([]Message, error) {
	convID := strings.TrimSpace(conversationID)
	if convID == "" {
		return nil, fmt.Errorf("%w: conversationId is required", ErrBadRequest)
	}
	if err := h.authorize(ctx, convID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = h.historyLimit
	}
	limit = min(limit, maxHistoryLimit)

	listCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	recs, err := h.gateway.ListMessages(listCtx, convID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	out := make([]Message, 0, len(recs))
	for _, rec := range recs {
		out = append(out, messageFromStore(rec))
	}
	return out, nil
}

// NotifyUsers sends ev to every connection of each user, regardless of rooms.
func (h *Hub) NotifyUsers(ctx context.Context, userIDs []string, ev *Event) {
	for _, userID := range userIDs {
		h.publishUser(ctx, userID, ev)
	}
}

// NotifyInvitationStatus tells the participants that an invitation changed state.
func (h *Hub) NotifyInvitationStatus(ctx context.Context, invitationID, status string, userIDs []string) {
	h.NotifyUsers(ctx, userIDs, &Event{
		Kind:         EventInvitationStatusUpdated,
		InvitationID: invitationID,
		Status:       status,
	})
}

// DeliverEnvelope performs local delivery of a relayed envelope.
func (h *Hub) DeliverEnvelope(env Envelope) {
	if env.Event == nil {
		return
	}
	switch env.Kind {
	case EnvelopeRoom:
		h.bcast.broadcastExcept(env.Target, env.Event, env.ExcludeConnID)
	case EnvelopeUser:
		h.conns.BroadcastToUser(env.Target, env.Event)
	default:
		h.log.Warn().Str("kind", string(env.Kind)).Msg("unknown envelope kind")
	}
}

// publishRoom goes through the relay when one is configured so other instances see the event.
func (h *Hub) publishRoom(ctx context.Context, conversationID string, ev *Event, exclude *Conn) {
	if h.relay == nil {
		h.bcast.BroadcastEvent(conversationID, ev, exclude)
		return
	}
	env := Envelope{Kind: EnvelopeRoom, Target: conversationID, Event: ev}
	if exclude != nil {
		env.ExcludeConnID = exclude.ID
	}
	h.publish(ctx, env)
}

func (h *Hub) publishUser(ctx context.Context, userID string, ev *Event) {
	h.publish(ctx, Envelope{Kind: EnvelopeUser, Target: userID, Event: ev})
}

func (h *Hub) publish(ctx context.Context, env Envelope) {
	if h.relay != nil {
		err := h.relay.Publish(ctx, env)
		if err == nil {
			return
		}
		// Local members still get the event.
		h.log.Warn().Err(err).Str("target", env.Target).Msg("relay publish failed")
	}
	h.DeliverEnvelope(env)
}

func (h *Hub) authorize(ctx context.Context, conversationID, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrUnauthorized
	}
	ctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()

	ok, err := h.gateway.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("check participant: %w", err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// toCoreError maps a domain error to its wire code; anything unrecognised gets fallback.
func toCoreError(err error, fallback string) *CoreError {
	var ce *CoreError
	switch {
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, ErrUnauthorized):
		return coreError(ErrCodeUnauthorized, err.Error())
	case errors.Is(err, ErrForbidden):
		return coreError(ErrCodeForbidden, err.Error())
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrTextTooLong):
		return coreError(ErrCodeBadRequest, err.Error())
	case errors.Is(err, ErrNotInConversation):
		return coreError(ErrCodeNotInConversation, err.Error())
	case fallback == ErrCodeSendFailed:
		return coreError(fallback, "message could not be delivered, retry later")
	default:
		return coreError(fallback, "internal error")
	}
}
