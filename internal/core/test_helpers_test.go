package core

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/spotter-app/spotter-server/internal/store"
)

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev == nil {
				continue
			}
			if ev.Kind == kind {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

func mustNoEvent(t *testing.T, ch <-chan *Event, kind EventKind, wait time.Duration) {
	t.Helper()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev != nil && ev.Kind == kind {
				t.Fatalf("unexpected %v event: %+v", kind, ev)
			}
		case <-timer.C:
			return
		}
	}
}

// memGateway is an in-memory Gateway with switchable failures.
type memGateway struct {
	mu           sync.Mutex
	participants map[string]map[string]bool
	messages     map[string][]*store.Message
	seq          int64
	failSave     bool
}

func newMemGateway() *memGateway {
	return &memGateway{
		participants: make(map[string]map[string]bool),
		messages:     make(map[string][]*store.Message),
	}
}

func (g *memGateway) addConversation(id string, users ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := make(map[string]bool, len(users))
	for _, u := range users {
		set[u] = true
	}
	g.participants[id] = set
}

func (g *memGateway) setFailSave(fail bool) {
	g.mu.Lock()
	g.failSave = fail
	g.mu.Unlock()
}

func (g *memGateway) SaveMessage(_ context.Context, msg *store.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failSave {
		return errors.New("database unavailable")
	}
	if msg.ClientMessageID != "" {
		for _, existing := range g.messages[msg.ConversationID] {
			if existing.SenderID == msg.SenderID && existing.ClientMessageID == msg.ClientMessageID {
				*msg = *existing
				return nil
			}
		}
	}
	g.seq++
	msg.Seq = g.seq
	msg.ID = "m" + strconv.FormatInt(g.seq, 10)
	msg.SentAt = time.Now().UTC()
	stored := *msg
	g.messages[msg.ConversationID] = append(g.messages[msg.ConversationID], &stored)
	return nil
}

func (g *memGateway) ListMessages(_ context.Context, conversationID, afterID string, limit int) ([]*store.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	all := g.messages[conversationID]
	start := 0
	if afterID != "" {
		for i, m := range all {
			if m.ID == afterID {
				start = i + 1
				break
			}
		}
	}
	out := all[start:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *memGateway) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.participants[conversationID][userID], nil
}

// connectAs attaches a new connection and authenticates it as userID.
func connectAs(t *testing.T, hub *Hub, id, userID string) *Conn {
	t.Helper()

	c := NewConn(id, 64)
	hub.Connect(c)
	hub.Handle(context.Background(), c, Authenticate{UserID: userID})
	mustEvent(t, c.Events(), EventAuthenticated)
	return c
}

func joinRoom(t *testing.T, hub *Hub, c *Conn, conversationID string) {
	t.Helper()

	hub.Handle(context.Background(), c, JoinConversation{ConversationID: conversationID})
	ev := mustEvent(t, c.Events(), EventJoined)
	if ev.ConversationID != conversationID {
		t.Fatalf("joined %q, want %q", ev.ConversationID, conversationID)
	}
}
