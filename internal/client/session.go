// Package client is the chat session controller used by app clients: it keeps
// the realtime connection alive, tracks the open conversation and reconciles
// optimistic sends with what the server persisted.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spotter-app/spotter-server/internal/proto"
)

const (
	defaultTypingDebounce = 2 * time.Second
	defaultTypingLifetime = 5 * time.Second
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultRequestTimeout = 10 * time.Second

	// maxGapFillPages bounds one catch-up after reconnecting.
	maxGapFillPages = 20
)

var (
	ErrNoConversation = errors.New("no conversation open")
	ErrEmptyMessage   = errors.New("message text is empty")
	ErrUnknownPending = errors.New("no such pending message")
)

// State is the connection lifecycle of a session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRoomJoined
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRoomJoined:
		return "room_joined"
	default:
		return "disconnected"
	}
}

// Config configures a Session.
type Config struct {
	UserID string
	Token  string

	Dialer Dialer
	API    API

	// TypingDebounce is how long after the last keystroke stop_typing is sent.
	TypingDebounce time.Duration
	// TypingLifetime is how long a remote typing indicator lives without a stop.
	TypingLifetime time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Logger *zerolog.Logger

	// OnInvitationStatus is called from the read loop for invitation updates.
	OnInvitationStatus func(invitationID, status string)
}

// Session is one user's chat session on one device.
type Session struct {
	cfg    Config
	log    *zerolog.Logger
	typing *TypingTracker

	mu             sync.Mutex
	state          State
	transport      Transport
	conversationID string
	timelines      map[string]*Timeline
	typingActive   bool
	typingTimer    *time.Timer

	writeMu sync.Mutex
	changes chan struct{}
}

// New validates cfg and creates a disconnected session. Call Run to connect.
func New(cfg Config) (*Session, error) {
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errors.New("client: user id is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("client: dialer is required")
	}
	if cfg.API == nil {
		return nil, errors.New("client: api is required")
	}
	if cfg.TypingDebounce <= 0 {
		cfg.TypingDebounce = defaultTypingDebounce
	}
	if cfg.TypingLifetime <= 0 {
		cfg.TypingLifetime = defaultTypingLifetime
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	s := &Session{
		cfg:       cfg,
		log:       logger,
		timelines: make(map[string]*Timeline),
		changes:   make(chan struct{}, 1),
	}
	s.typing = NewTypingTracker(cfg.TypingLifetime, s.notify)
	return s, nil
}

// Run keeps the realtime connection up until ctx is done, reconnecting with
// exponential backoff. It always returns a non-nil error.
func (s *Session) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff

	for {
		connected, err := s.connectAndServe(ctx)
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return ctx.Err()
		}
		if connected {
			b.Reset()
		}

		wait := b.NextBackOff()
		s.log.Warn().Err(err).Dur("retry_in", wait).Msg("realtime connection lost")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateDisconnected)
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Session) connectAndServe(ctx context.Context) (bool, error) {
	s.setState(StateConnecting)

	t, err := s.cfg.Dialer.Dial(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return false, err
	}
	defer t.Close()

	if err := s.authenticate(ctx, t); err != nil {
		s.setState(StateDisconnected)
		return false, err
	}

	conversationID := s.attach(t)
	defer s.detach(t)

	s.log.Info().Str("user_id", s.cfg.UserID).Msg("realtime connected")

	if conversationID != "" {
		if err := s.write(ctx, t, proto.Inbound{Type: proto.InboundTypeJoin, ConversationID: conversationID}); err != nil {
			return true, fmt.Errorf("rejoin %s: %w", conversationID, err)
		}
	}

	return true, s.readLoop(ctx, t)
}

func (s *Session) authenticate(ctx context.Context, t Transport) error {
	err := s.write(ctx, t, proto.Inbound{
		Type:     proto.InboundTypeAuthenticate,
		UserID:   s.cfg.UserID,
		Token:    s.cfg.Token,
		Protocol: proto.ProtocolVersion,
	})
	if err != nil {
		return fmt.Errorf("send authenticate: %w", err)
	}

	for {
		out, err := t.Read(ctx)
		if err != nil {
			return fmt.Errorf("await authenticated: %w", err)
		}
		switch out.Type {
		case proto.OutboundTypeAuthenticated:
			return nil
		case proto.OutboundTypeError:
			if out.Error != nil {
				return fmt.Errorf("authenticate rejected: %s: %s", out.Error.Code, out.Error.Msg)
			}
			return errors.New("authenticate rejected")
		}
	}
}

func (s *Session) attach(t Transport) string {
	s.mu.Lock()
	s.transport = t
	s.state = StateConnected
	conversationID := s.conversationID
	s.mu.Unlock()

	s.notify()
	return conversationID
}

func (s *Session) detach(t Transport) {
	s.mu.Lock()
	if s.transport != t {
		s.mu.Unlock()
		return
	}
	s.transport = nil
	s.state = StateDisconnected
	s.typingActive = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	timelines := make([]*Timeline, 0, len(s.timelines))
	for _, tl := range s.timelines {
		timelines = append(timelines, tl)
	}
	s.mu.Unlock()

	// Sends written to a dead socket may or may not have reached the server;
	// Retry resolves either way because the server deduplicates on client id.
	for _, tl := range timelines {
		tl.FailSending()
		tl.SetLive(false)
	}
	s.typing.Reset()
	s.notify()
}

func (s *Session) readLoop(ctx context.Context, t Transport) error {
	for {
		out, err := t.Read(ctx)
		if err != nil {
			return err
		}
		s.dispatch(ctx, out)
	}
}

func (s *Session) dispatch(ctx context.Context, out proto.Outbound) {
	switch out.Type {
	case proto.OutboundTypeNewMessage:
		if out.Message == nil {
			return
		}
		msg := messageFromPayload(*out.Message)
		if msg.ConversationID == "" {
			msg.ConversationID = out.ConversationID
		}
		if s.timeline(msg.ConversationID).MergeLive(msg) > 0 || msg.ClientMessageID != "" {
			s.notify()
		}
		// A message implies the sender stopped typing.
		if msg.ConversationID == s.ConversationID() {
			s.typing.Stop(msg.SenderID)
		}

	case proto.OutboundTypeUserTyping:
		if out.UserID == s.cfg.UserID || out.ConversationID != s.ConversationID() {
			return
		}
		s.typing.Start(out.UserID)
		s.notify()

	case proto.OutboundTypeUserStoppedTyping:
		if out.ConversationID != s.ConversationID() {
			return
		}
		s.typing.Stop(out.UserID)
		s.notify()

	case proto.OutboundTypeInvitationStatus:
		if s.cfg.OnInvitationStatus != nil {
			s.cfg.OnInvitationStatus(out.InvitationID, out.Status)
		}

	case proto.OutboundTypeJoined:
		s.mu.Lock()
		current := s.conversationID == out.ConversationID
		if current {
			s.state = StateRoomJoined
		}
		s.mu.Unlock()
		if !current {
			return
		}
		s.notify()
		// Catch up on whatever was sent while this device was not in the room.
		if err := s.fillGap(ctx, out.ConversationID); err != nil {
			s.log.Warn().Err(err).Str("conversation_id", out.ConversationID).Msg("gap fill failed")
			return
		}
		s.timeline(out.ConversationID).SetLive(true)

	case proto.OutboundTypeLeft:
		s.mu.Lock()
		if s.state == StateRoomJoined && s.conversationID != out.ConversationID {
			s.mu.Unlock()
			return
		}
		if s.state == StateRoomJoined {
			s.state = StateConnected
		}
		s.mu.Unlock()
		s.notify()

	case proto.OutboundTypeError:
		if out.Error == nil {
			return
		}
		s.log.Warn().
			Str("code", out.Error.Code).
			Str("msg", out.Error.Msg).
			Str("client_message_id", out.ClientMessageID).
			Msg("server error")
		if out.ClientMessageID != "" && s.markFailed(out.ClientMessageID) {
			s.notify()
		}
	}
}

// Open makes conversationID the open conversation. Online it joins the room
// (history is gap-filled on the join ack); offline it loads history over REST.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return ErrNoConversation
	}

	s.mu.Lock()
	previous := s.conversationID
	s.conversationID = conversationID
	t := s.transport
	if previous != conversationID && s.state == StateRoomJoined {
		s.state = StateConnected
	}
	s.mu.Unlock()

	s.timeline(conversationID)
	if previous != conversationID {
		if previous != "" {
			s.timeline(previous).SetLive(false)
		}
		s.typing.Reset()
		s.stopTyping(ctx, previous)
	}
	s.notify()

	if t != nil {
		err := s.write(ctx, t, proto.Inbound{Type: proto.InboundTypeJoin, ConversationID: conversationID})
		if err == nil {
			return nil
		}
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("join failed, loading history over REST")
	}
	return s.fillGap(ctx, conversationID)
}

// Leave closes the open conversation.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	conversationID := s.conversationID
	s.conversationID = ""
	t := s.transport
	if s.state == StateRoomJoined {
		s.state = StateConnected
	}
	s.mu.Unlock()

	if conversationID == "" {
		return nil
	}
	s.timeline(conversationID).SetLive(false)
	s.stopTyping(ctx, conversationID)
	s.typing.Reset()
	s.notify()

	if t == nil {
		return nil
	}
	return s.write(ctx, t, proto.Inbound{Type: proto.InboundTypeLeave, ConversationID: conversationID})
}

// Send composes a message in the open conversation. The message shows up as
// pending right away under the returned client id and is replaced once the
// server confirms it. When delivery fails the entry is marked failed, the
// error is returned, and Retry can resend it.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	conversationID := s.ConversationID()
	if conversationID == "" {
		return "", ErrNoConversation
	}

	clientMessageID := uuid.NewString()
	s.timeline(conversationID).AddPending(Pending{
		ClientMessageID: clientMessageID,
		ConversationID:  conversationID,
		Text:            text,
		Status:          PendingSending,
		CreatedAt:       time.Now(),
	})
	s.notify()

	s.stopTyping(ctx, conversationID)
	return clientMessageID, s.deliver(ctx, conversationID, clientMessageID, text)
}

// Retry resends a failed message under its original client id.
func (s *Session) Retry(ctx context.Context, clientMessageID string) error {
	tl, p, ok := s.findPending(clientMessageID)
	if !ok {
		return ErrUnknownPending
	}
	if p.Status != PendingFailed {
		return nil
	}
	tl.SetPendingStatus(clientMessageID, PendingSending)
	s.notify()
	return s.deliver(ctx, p.ConversationID, clientMessageID, p.Text)
}

func (s *Session) deliver(ctx context.Context, conversationID, clientMessageID, text string) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()

	if t != nil {
		err := s.write(ctx, t, proto.Inbound{
			Type:            proto.InboundTypeSend,
			ConversationID:  conversationID,
			Text:            text,
			ClientMessageID: clientMessageID,
		})
		if err == nil {
			return nil
		}
		s.log.Warn().Err(err).Str("client_message_id", clientMessageID).Msg("realtime send failed, using REST")
	}

	reqCtx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	payload, err := s.cfg.API.PostMessage(reqCtx, conversationID, text, clientMessageID)
	if err != nil {
		s.timeline(conversationID).SetPendingStatus(clientMessageID, PendingFailed)
		s.notify()
		return fmt.Errorf("send message: %w", err)
	}

	msg := messageFromPayload(payload)
	if msg.ClientMessageID == "" {
		msg.ClientMessageID = clientMessageID
	}
	s.timeline(conversationID).Merge(msg)
	s.notify()
	return nil
}

// Keystroke reports composer activity. Non-empty text sends start_typing once
// and schedules stop_typing after the debounce; empty text stops immediately.
func (s *Session) Keystroke(ctx context.Context, text string) error {
	s.mu.Lock()
	t := s.transport
	conversationID := s.conversationID
	joined := s.state == StateRoomJoined
	s.mu.Unlock()

	if t == nil || !joined || conversationID == "" {
		return nil
	}
	if strings.TrimSpace(text) == "" {
		s.stopTyping(ctx, conversationID)
		return nil
	}

	s.mu.Lock()
	start := !s.typingActive
	s.typingActive = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.cfg.TypingDebounce, func() {
		s.stopTyping(context.Background(), conversationID)
	})
	s.mu.Unlock()

	if !start {
		return nil
	}
	return s.write(ctx, t, proto.Inbound{Type: proto.InboundTypeStartTyping, ConversationID: conversationID})
}

func (s *Session) stopTyping(ctx context.Context, conversationID string) {
	s.mu.Lock()
	if !s.typingActive {
		s.mu.Unlock()
		return
	}
	s.typingActive = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	t := s.transport
	s.mu.Unlock()

	if t == nil || conversationID == "" {
		return
	}
	if err := s.write(ctx, t, proto.Inbound{Type: proto.InboundTypeStopTyping, ConversationID: conversationID}); err != nil {
		s.log.Debug().Err(err).Msg("send stop_typing")
	}
}

// fillGap fetches what the server stored after the synced watermark. Messages
// this device posted over REST do not count as synced, so they never hide
// messages from others that came before them.
func (s *Session) fillGap(ctx context.Context, conversationID string) error {
	tl := s.timeline(conversationID)
	for range maxGapFillPages {
		after := tl.SyncedThrough()

		reqCtx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
		page, err := s.cfg.API.ListMessages(reqCtx, conversationID, after)
		cancel()
		if err != nil {
			return err
		}

		msgs := make([]Message, 0, len(page))
		for _, p := range page {
			msgs = append(msgs, messageFromPayload(p))
		}
		if tl.MergeSynced(msgs...) > 0 {
			s.notify()
		}
		// The latest page, an empty page, or a cursor that did not move means we are caught up.
		if after == "" || len(page) == 0 || tl.SyncedThrough() == after {
			return nil
		}
	}
	return nil
}

func (s *Session) write(ctx context.Context, t Transport, in proto.Inbound) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return t.Write(ctx, in)
}

func (s *Session) timeline(conversationID string) *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.timelines[conversationID]
	if !ok {
		tl = NewTimeline()
		s.timelines[conversationID] = tl
	}
	return tl
}

func (s *Session) findPending(clientMessageID string) (*Timeline, Pending, bool) {
	s.mu.Lock()
	timelines := make([]*Timeline, 0, len(s.timelines))
	for _, tl := range s.timelines {
		timelines = append(timelines, tl)
	}
	s.mu.Unlock()

	for _, tl := range timelines {
		if p, ok := tl.PendingEntry(clientMessageID); ok {
			return tl, p, true
		}
	}
	return nil, Pending{}, false
}

func (s *Session) markFailed(clientMessageID string) bool {
	tl, _, ok := s.findPending(clientMessageID)
	if !ok {
		return false
	}
	return tl.SetPendingStatus(clientMessageID, PendingFailed)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// notify signals Changes without blocking; bursts coalesce into one signal.
func (s *Session) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Changes fires after any observable change. Read the accessors to see what changed.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationID returns the open conversation, or "".
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Messages returns the confirmed messages of the open conversation, oldest first.
func (s *Session) Messages() []Message {
	conversationID := s.ConversationID()
	if conversationID == "" {
		return nil
	}
	return s.timeline(conversationID).Messages()
}

// Pending returns the unconfirmed sends of the open conversation.
func (s *Session) Pending() []Pending {
	conversationID := s.ConversationID()
	if conversationID == "" {
		return nil
	}
	return s.timeline(conversationID).Pending()
}

// TypingUsers returns who is typing in the open conversation.
func (s *Session) TypingUsers() []string {
	return s.typing.Active()
}
